// Package errs defines the typed error vocabulary shared by every orchestrator
// component, following the teacher's *EngineError/*NodeError pattern of a
// plain struct implementing error + Unwrap rather than a third-party
// error-wrapping library.
package errs

import "fmt"

// Kind enumerates the error kinds surfaced to the embedding API (spec §7).
type Kind string

const (
	InvalidInput       Kind = "InvalidInput"
	Unauthorized       Kind = "Unauthorized"
	NotFound           Kind = "NotFound"
	VersionConflict    Kind = "VersionConflict"
	NodeError          Kind = "NodeError"
	NodeDrainTimeout   Kind = "NodeDrainTimeout"
	MaxTurnsExceeded   Kind = "MaxTurnsExceeded"
	ModelsUnavailable  Kind = "ModelsUnavailable"
	SchemaViolation    Kind = "SchemaViolation"
	BudgetExceeded     Kind = "BudgetExceeded"
	NoEvidenceCollected Kind = "NoEvidenceCollected"
	Cancelled          Kind = "Cancelled"
	Internal           Kind = "Internal"
)

// Error is the typed error value propagated through RunState.errors and the
// embedding API's public view. Internal details (stack traces, provider
// error bodies) are carried in Cause but must never be rendered into the
// public view — only Kind and Detail are.
type Error struct {
	Kind   Kind
	Detail string
	Node   string
	Cause  error
}

func (e *Error) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s: %s: %s", e.Node, e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no node attribution.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an Error carrying an underlying cause, preserved for internal
// logging against run_id but never surfaced verbatim to callers.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// WithNode returns a copy of the error attributed to a specific node.
func (e *Error) WithNode(node string) *Error {
	cp := *e
	cp.Node = node
	return &cp
}

// Fatal reports whether a Kind is always fatal to the run per spec §7
// (BudgetExceeded and ModelsUnavailable abort regardless of node policy).
func Fatal(k Kind) bool {
	return k == BudgetExceeded || k == ModelsUnavailable
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		return false
	}
	return e.Kind == kind
}
