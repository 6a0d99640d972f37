package docstore

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a requested document genuinely does not exist.
// It is always surfaced explicitly, never as an empty success.
var ErrNotFound = errors.New("document not found")

// MissingIndexError reports that a composite query cannot execute because the
// backing index was never provisioned. This is a different, independently
// remediable failure class from "no matching data" and must never be
// collapsed into a generic error.
type MissingIndexError struct {
	Collection string
	Fields     []string // filter fields plus the order-by field, in index order
}

func (e *MissingIndexError) Error() string {
	return fmt.Sprintf("query on %s requires an index on (%s)", e.Collection, strings.Join(e.Fields, ", "))
}

// Remediation describes the index the failed query needs.
func (e *MissingIndexError) Remediation() string {
	return fmt.Sprintf("register a composite index on %s over (%s)", e.Collection, strings.Join(e.Fields, ", "))
}

// ErrorKind classifies store failures for probes and auditors.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "NOT_FOUND"
	KindMissingIndex ErrorKind = "MISSING_INDEX"
	KindPermission   ErrorKind = "PERMISSION_DENIED"
	KindUnknown      ErrorKind = "UNKNOWN"
)

// Classify maps a store error to its failure class.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var mie *MissingIndexError
	switch {
	case errors.As(err, &mie):
		return KindMissingIndex
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case strings.Contains(err.Error(), "permission denied"),
		strings.Contains(err.Error(), "readonly database"):
		return KindPermission
	default:
		return KindUnknown
	}
}
