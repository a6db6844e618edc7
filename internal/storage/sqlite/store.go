package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/samijaber1/aegis-authz/internal/storage"
)

const defaultQueryLimit = 100

// Store implements AuditStorage using SQLite
type Store struct {
	db *sql.DB
}

var _ storage.AuditStorage = (*Store)(nil)

// NewStore creates a new SQLite storage with the given database path
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Run migrations
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// StoreRevision persists a policy load attempt
func (s *Store) StoreRevision(ctx context.Context, rev *storage.RevisionRecord) error {
	if rev.ID == "" {
		rev.ID = uuid.NewString()
	}
	if rev.LoadedAt.IsZero() {
		rev.LoadedAt = time.Now().UTC()
	}

	effectsJSON, err := json.Marshal(nonNil(rev.Effects))
	if err != nil {
		return fmt.Errorf("failed to marshal effects: %w", err)
	}

	query := `
		INSERT INTO policy_revisions (id, digest, directory, status, effects_json, policy_count, error, loaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error
	`

	_, err = s.db.ExecContext(ctx, query,
		rev.ID,
		rev.Digest,
		rev.Directory,
		rev.Status,
		string(effectsJSON),
		rev.PolicyCount,
		rev.Error,
		rev.LoadedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store revision: %w", err)
	}

	return nil
}

// StoreDecision persists a decision and its matched policy names
func (s *Store) StoreDecision(ctx context.Context, rec *storage.DecisionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	matchedJSON, err := json.Marshal(nonNil(rec.MatchedPolicies))
	if err != nil {
		return fmt.Errorf("failed to marshal matched policies: %w", err)
	}

	errorsJSON, err := json.Marshal(nonNil(rec.EvaluationErrors))
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation errors: %w", err)
	}

	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	attributesJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO decisions (
			id, revision_id, transport, method, decision, reason,
			matched_json, errors_json, attributes_json, timestamp
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		rec.ID,
		rec.RevisionID,
		rec.Transport,
		rec.Method,
		rec.Decision,
		rec.Reason,
		string(matchedJSON),
		string(errorsJSON),
		string(attributesJSON),
		rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store decision: %w", err)
	}

	for _, name := range rec.MatchedPolicies {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO decision_matches (decision_id, policy) VALUES (?, ?)",
			rec.ID, name,
		); err != nil {
			return fmt.Errorf("failed to store matched policy: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit decision: %w", err)
	}

	return nil
}

// QueryAudit retrieves decision records with optional filtering, newest first
func (s *Store) QueryAudit(ctx context.Context, filter storage.AuditFilter) ([]storage.DecisionRecord, error) {
	query := `
		SELECT id, revision_id, transport, method, decision, reason,
		       matched_json, errors_json, attributes_json, timestamp, created_at
		FROM decisions d
		WHERE 1=1
	`
	args := []interface{}{}

	if filter.Decision != "" {
		query += " AND decision = ?"
		args = append(args, filter.Decision)
	}

	if filter.Policy != "" {
		query += " AND EXISTS (SELECT 1 FROM decision_matches m WHERE m.decision_id = d.id AND m.policy = ?)"
		args = append(args, filter.Policy)
	}

	if filter.RevisionID != "" {
		query += " AND revision_id = ?"
		args = append(args, filter.RevisionID)
	}

	if filter.Transport != "" {
		query += " AND transport = ?"
		args = append(args, filter.Transport)
	}

	if filter.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime.UTC())
	}

	if filter.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime.UTC())
	}

	query += " ORDER BY timestamp DESC, id"

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query += " LIMIT ?"
	args = append(args, limit)

	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []storage.DecisionRecord
	for rows.Next() {
		var record storage.DecisionRecord
		var matchedJSON, errorsJSON, attributesJSON string

		err := rows.Scan(
			&record.ID,
			&record.RevisionID,
			&record.Transport,
			&record.Method,
			&record.Decision,
			&record.Reason,
			&matchedJSON,
			&errorsJSON,
			&attributesJSON,
			&record.Timestamp,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		if err := json.Unmarshal([]byte(matchedJSON), &record.MatchedPolicies); err != nil {
			return nil, fmt.Errorf("failed to unmarshal matched policies: %w", err)
		}

		if err := json.Unmarshal([]byte(errorsJSON), &record.EvaluationErrors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evaluation errors: %w", err)
		}

		if err := json.Unmarshal([]byte(attributesJSON), &record.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return records, nil
}

// GetLatestRevision retrieves the most recently loaded active revision
func (s *Store) GetLatestRevision(ctx context.Context) (*storage.RevisionRecord, error) {
	query := `
		SELECT id, digest, directory, status, effects_json, policy_count, error, loaded_at
		FROM policy_revisions
		WHERE status = ?
		ORDER BY loaded_at DESC
		LIMIT 1
	`

	var rev storage.RevisionRecord
	var effectsJSON string

	err := s.db.QueryRowContext(ctx, query, storage.RevisionActive).Scan(
		&rev.ID,
		&rev.Digest,
		&rev.Directory,
		&rev.Status,
		&effectsJSON,
		&rev.PolicyCount,
		&rev.Error,
		&rev.LoadedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest revision: %w", err)
	}

	if err := json.Unmarshal([]byte(effectsJSON), &rev.Effects); err != nil {
		return nil, fmt.Errorf("failed to unmarshal effects: %w", err)
	}

	return &rev, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
