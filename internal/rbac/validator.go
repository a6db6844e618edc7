// Package rbac loads and validates RBAC policy documents and turns them into
// policy sets for the decision engine.
package rbac

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/samijaber1/aegis-authz/internal/policy"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://aegis.dev/schemas/rbac-policy.json"

// Validator handles policy document validation
type Validator struct {
	schema    *jsonschema.Schema
	evaluator policy.Evaluator
}

// NewValidator creates a validator backed by the embedded schema. When ev is
// non-nil every condition is also compiled.
func NewValidator(ev policy.Evaluator) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema: %w", err)
	}

	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema, evaluator: ev}, nil
}

// ValidateDirectory loads and validates all policy files in a directory
func (v *Validator) ValidateDirectory(dirPath string) []ValidationError {
	_, errs := v.LoadDirectory(dirPath)
	return errs
}

// LoadDirectory loads and validates a directory, returning the documents
// alongside any errors. Documents are only safe to use when no errors are returned.
func (v *Validator) LoadDirectory(dirPath string) ([]DocumentWithFile, []ValidationError) {
	docs, loadErrors := LoadFromDirectory(dirPath)

	var allErrors []ValidationError
	allErrors = append(allErrors, loadErrors...)

	if len(loadErrors) > 0 && len(docs) == 0 {
		return nil, allErrors
	}

	for _, doc := range docs {
		allErrors = append(allErrors, v.validateSchema(doc)...)
	}

	allErrors = append(allErrors, v.validateExtraRules(dirPath, docs)...)

	return docs, allErrors
}

// validateSchema validates a single document against the JSON schema
func (v *Validator) validateSchema(doc DocumentWithFile) []ValidationError {
	var errs []ValidationError

	if err := v.schema.Validate(doc.raw); err != nil {
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			errs = append(errs, extractSchemaErrors(doc.File, validationErr)...)
		} else {
			errs = append(errs, ValidationError{
				File:    doc.File,
				Message: err.Error(),
			})
		}
	}

	return errs
}

// extractSchemaErrors flattens a schema error tree into leaf ValidationErrors
func extractSchemaErrors(file string, err *jsonschema.ValidationError) []ValidationError {
	if len(err.Causes) > 0 {
		var errs []ValidationError
		for _, cause := range err.Causes {
			errs = append(errs, extractSchemaErrors(file, cause)...)
		}
		return errs
	}

	path := strings.Join(err.InstanceLocation, ".")
	if path == "" {
		path = "(root)"
	}

	return []ValidationError{{
		File:    file,
		Path:    path,
		Message: err.Error(),
	}}
}

// validateExtraRules applies the rules JSON schema cannot express
func (v *Validator) validateExtraRules(dirPath string, docs []DocumentWithFile) []ValidationError {
	var errs []ValidationError

	if len(docs) != 1 && len(docs) != 2 {
		errs = append(errs, ValidationError{
			File:    dirPath,
			Message: fmt.Sprintf("expected 1 or 2 policy documents, found %d", len(docs)),
		})
	}

	nameSeen := make(map[string]string)
	actionSeen := make(map[string]string)
	for _, d := range docs {
		name := d.Document.Metadata.Name
		if prevFile, exists := nameSeen[name]; exists {
			errs = append(errs, ValidationError{
				File:    d.File,
				Path:    "metadata.name",
				Message: fmt.Sprintf("duplicate name %q (also in %s)", name, filepath.Base(prevFile)),
			})
		} else {
			nameSeen[name] = d.File
		}

		action := strings.ToUpper(d.Document.Spec.Action)
		if prevFile, exists := actionSeen[action]; exists && action != "" {
			errs = append(errs, ValidationError{
				File:    d.File,
				Path:    "spec.action",
				Message: fmt.Sprintf("duplicate action %q (also in %s)", action, filepath.Base(prevFile)),
			})
		} else {
			actionSeen[action] = d.File
		}

		errs = append(errs, v.validateConditions(d)...)
	}

	return errs
}

// validateConditions compiles every condition of a document
func (v *Validator) validateConditions(d DocumentWithFile) []ValidationError {
	if v.evaluator == nil {
		return nil
	}

	names := make([]string, 0, len(d.Document.Spec.Policies))
	for name := range d.Document.Spec.Policies {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []ValidationError
	for _, name := range names {
		cond := strings.TrimSpace(d.Document.Spec.Policies[name])
		if cond == "" {
			continue
		}
		if _, err := v.evaluator.Compile(cond); err != nil {
			errs = append(errs, ValidationError{
				File:    d.File,
				Path:    "spec.policies." + name,
				Message: fmt.Sprintf("invalid condition: %v", err),
			})
		}
	}

	return errs
}
