package manifest

import (
	"fmt"

	"github.com/piercuta/gyre/pkg/resource"
)

// SourceUnavailableError reports that a desired-state source could not be
// fetched or resolved. The embedded source string is credential-redacted.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// ParseError reports one malformed document. Parse errors do not abort a
// load; they are collected and the valid remainder is still returned.
type ParseError struct {
	Path   string
	Detail error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.Path, e.Detail)
}

func (e *ParseError) Unwrap() error { return e.Detail }

// ConflictError reports the same resource identity defined in two files.
// Desired state is ambiguous, so the whole load fails.
type ConflictError struct {
	Key        resource.Key
	FirstPath  string
	SecondPath string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting definitions of %s in %s and %s", e.Key, e.FirstPath, e.SecondPath)
}
