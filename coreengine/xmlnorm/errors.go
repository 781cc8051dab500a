// Package xmlnorm implements the normalization pipeline: repair, heal, and
// canonicalize arbitrary XML-ish byte sequences into deterministic,
// schema-aware canonical bytes carrying stable correlation identifiers.
package xmlnorm

import (
	"errors"
	"fmt"
)

// errUnverifiable is the repair-phase sentinel used when the tolerant
// tokenizer produced a tree but the strict-parser verification pass
// rejected it, with no more specific underlying error to wrap.
var errUnverifiable = errors.New("xmlnorm: repaired tree failed strict verification")

// UnrepairableError is raised when neither the fault-tolerant tokenizer nor
// the recovery parser could produce a well-formed element tree.
type UnrepairableError struct {
	Cause error
}

func (e *UnrepairableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("xmlnorm: message could not be repaired: %v", e.Cause)
	}
	return "xmlnorm: message could not be repaired"
}

func (e *UnrepairableError) Unwrap() error { return e.Cause }

// SchemaLoadError records a single schema file that failed to load.
// It is always logged and skipped by the catalog, never returned to a
// caller of Process.
type SchemaLoadError struct {
	Path  string
	Cause error
}

func (e *SchemaLoadError) Error() string {
	return fmt.Sprintf("xmlnorm: failed to load schema %s: %v", e.Path, e.Cause)
}

func (e *SchemaLoadError) Unwrap() error { return e.Cause }
