package rbac

import (
	"fmt"
	"strings"
)

const (
	APIVersion = "aegis.dev/v1"
	Kind       = "RBACPolicy"
)

// Document is a parsed RBAC policy file. Each document becomes one policy set.
type Document struct {
	APIVersion string   `yaml:"apiVersion" json:"apiVersion"`
	Kind       string   `yaml:"kind" json:"kind"`
	Metadata   Metadata `yaml:"metadata" json:"metadata"`
	Spec       Spec     `yaml:"spec" json:"spec"`
}

// Metadata contains document metadata
type Metadata struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Spec holds the set's effect and its policies, keyed by policy name
type Spec struct {
	Action   string            `yaml:"action" json:"action"`
	Policies map[string]string `yaml:"policies" json:"policies"`
}

// DocumentWithFile pairs a Document with its source file path
type DocumentWithFile struct {
	Document *Document
	File     string

	// raw is the untyped YAML tree, validated against the JSON schema
	raw any
}

// ValidationError represents a validation error for a specific file
type ValidationError struct {
	File    string
	Path    string
	Message string
}

// Error implements the error interface
func (e ValidationError) Error() string {
	if e.Path != "" {
		return e.File + ": " + e.Path + ": " + e.Message
	}
	return e.File + ": " + e.Message
}

// ValidationErrors lets a batch of validation errors travel as one error
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	switch len(errs) {
	case 0:
		return "no validation errors"
	case 1:
		return errs[0].Error()
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d validation errors: %s", len(errs), strings.Join(msgs, "; "))
}
