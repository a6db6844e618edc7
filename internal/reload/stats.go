package reload

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samijaber1/aegis-authz/internal/policy"
)

// Stats is a lock-free tally of the decisions made by one revision.
// Policy counters are keyed "EFFECT/name", so an ALLOW and a DENY policy
// sharing a name are counted apart.
type Stats struct {
	since time.Time

	allow   atomic.Uint64
	deny    atomic.Uint64
	unknown atomic.Uint64

	matches counterMap
	errors  counterMap
}

// counterMap holds one atomic counter per key
type counterMap struct {
	m sync.Map // string -> *atomic.Uint64
}

func (c *counterMap) inc(key string) {
	if v, ok := c.m.Load(key); ok {
		v.(*atomic.Uint64).Add(1)
		return
	}
	v, _ := c.m.LoadOrStore(key, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

func (c *counterMap) copy() map[string]uint64 {
	out := make(map[string]uint64)
	c.m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}

// NewStats creates an empty tally
func NewStats() *Stats {
	return &Stats{since: time.Now().UTC()}
}

// PolicyKey names a policy counter
func PolicyKey(effect policy.Effect, name string) string {
	return string(effect) + "/" + name
}

// Record counts a decision, its matched policies and its evaluation errors
func (s *Stats) Record(d policy.AuthorizationDecision) {
	switch d.Decision {
	case policy.DecisionALLOW:
		s.allow.Add(1)
	case policy.DecisionDENY:
		s.deny.Add(1)
	default:
		s.unknown.Add(1)
	}

	// matched names always come from the set whose effect decided
	for _, name := range d.MatchedPolicyNames {
		s.matches.inc(PolicyKey(policy.Effect(d.Decision), name))
	}
	for _, e := range d.Errors {
		s.errors.inc(PolicyKey(e.Effect, e.Policy))
	}
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Since            time.Time                  `json:"since"`
	Total            uint64                     `json:"total"`
	Decisions        map[policy.Decision]uint64 `json:"decisions"`
	Matches          map[string]uint64          `json:"matches"`
	EvaluationErrors map[string]uint64          `json:"evaluationErrors"`
}

// Snapshot returns a copy of the counters. Counters recorded concurrently
// may or may not be included.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Since:            s.since,
		Decisions:        make(map[policy.Decision]uint64, 3),
		Matches:          s.matches.copy(),
		EvaluationErrors: s.errors.copy(),
	}
	for d, n := range map[policy.Decision]uint64{
		policy.DecisionALLOW:   s.allow.Load(),
		policy.DecisionDENY:    s.deny.Load(),
		policy.DecisionUNKNOWN: s.unknown.Load(),
	} {
		if n > 0 {
			snap.Decisions[d] = n
			snap.Total += n
		}
	}

	return snap
}

// TopMatches returns up to n policy keys ordered by match count
func (s StatsSnapshot) TopMatches(n int) []string {
	names := make([]string, 0, len(s.Matches))
	for name := range s.Matches {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if s.Matches[names[i]] != s.Matches[names[j]] {
			return s.Matches[names[i]] > s.Matches[names[j]]
		}
		return names[i] < names[j]
	})
	if n >= 0 && len(names) > n {
		names = names[:n]
	}
	return names
}
