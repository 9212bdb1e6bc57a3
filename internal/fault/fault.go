// Package fault defines the error taxonomy shared by every annometa component.
//
// Each kind is a zeebo/errs class. Callers test the kind with Class.Has and
// reach structured detail (FieldError, RecordFailures) with errors.As, since
// class wrapping preserves the chain.
package fault

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/errs"
)

// Error classes.
var (
	// Validation is an attribute value failing its dtype, range or choice rule.
	Validation = errs.Class("validation")

	// MissingField is a required attribute absent with nothing to fill it.
	MissingField = errs.Class("missing field")

	// BadQuery is an illegal operator/dtype pairing, a malformed filter, or a
	// pagination window past the cap.
	BadQuery = errs.Class("bad query")

	// Conflict is a disallowed schema mutation, a stale write, or a resource
	// that is being purged.
	Conflict = errs.Class("conflict")

	// NotFound is a missing entity, entity type, section or object.
	NotFound = errs.Class("not found")

	// Storage is a blob backend failure.
	Storage = errs.Class("storage")

	// IndexDesync is non-fatal: the index did not reflect a delete that a purge
	// expected it to. It is logged, never returned to a request.
	IndexDesync = errs.Class("index desync")
)

// FieldError describes a single attribute that failed validation.
type FieldError struct {
	Attribute string
	Value     any
	Reason    string
}

func (e *FieldError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("attribute %q: %s", e.Attribute, e.Reason)
	}
	return fmt.Sprintf("attribute %q: %s (got %v)", e.Attribute, e.Reason, e.Value)
}

// Invalid returns a Validation error for the attribute.
func Invalid(attribute string, value any, format string, args ...any) error {
	return Validation.Wrap(&FieldError{
		Attribute: attribute,
		Value:     value,
		Reason:    fmt.Sprintf(format, args...),
	})
}

// Missing returns a MissingField error for the attribute.
func Missing(attribute string) error {
	return MissingField.Wrap(&FieldError{
		Attribute: attribute,
		Reason:    "required and has no default",
	})
}

// RecordFailure is one stored record that blocked a schema mutation.
type RecordFailure struct {
	EntityID int64
	Value    any
	Reason   string
}

// RecordFailures lists every record a mutation could not convert.
type RecordFailures struct {
	Attribute string
	Failures  []RecordFailure
}

// NewRecordFailures orders failures by entity id.
func NewRecordFailures(attribute string, failures []RecordFailure) *RecordFailures {
	sorted := append([]RecordFailure(nil), failures...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].EntityID < sorted[j].EntityID
	})
	return &RecordFailures{Attribute: attribute, Failures: sorted}
}

func (e *RecordFailures) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d record(s) cannot convert attribute %q:", len(e.Failures), e.Attribute)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, " [entity %d: %s]", f.EntityID, f.Reason)
	}
	return b.String()
}

// Failures extracts the record list from a mutation Conflict, if present.
func Failures(err error) ([]RecordFailure, bool) {
	var rf *RecordFailures
	if errors.As(err, &rf) {
		return rf.Failures, true
	}
	return nil, false
}

// IsClientError reports whether err should be surfaced to the caller verbatim
// without retry.
func IsClientError(err error) bool {
	return Validation.Has(err) || MissingField.Has(err) || BadQuery.Has(err) ||
		Conflict.Has(err) || NotFound.Has(err)
}
