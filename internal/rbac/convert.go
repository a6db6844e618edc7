package rbac

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/samijaber1/aegis-authz/internal/policy"
)

// ToPolicySets converts validated documents into engine input, DENY first
func ToPolicySets(docs []DocumentWithFile) ([]policy.PolicySet, error) {
	sets := make([]policy.PolicySet, 0, len(docs))
	for _, d := range docs {
		effect, err := policy.ParseEffect(d.Document.Spec.Action)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.File, err)
		}
		set := policy.NewPolicySet(effect, d.Document.Spec.Policies)
		if effect == policy.EffectDENY {
			sets = append([]policy.PolicySet{set}, sets...)
		} else {
			sets = append(sets, set)
		}
	}
	return sets, nil
}

// Digest hashes the names and contents of every policy file in a directory.
// It changes whenever a file is added, removed or edited.
func Digest(dirPath string) (string, error) {
	files, err := discoverYAMLFiles(dirPath)
	if err != nil {
		return "", fmt.Errorf("failed to read directory: %w", err)
	}

	h := sha256.New()
	for _, file := range files {
		rel, err := filepath.Rel(dirPath, file)
		if err != nil {
			rel = file
		}
		fmt.Fprintf(h, "%s\x00", filepath.ToSlash(rel))

		if err := hashFile(h, file); err != nil {
			return "", err
		}
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}
