package contracts

import "errors"

// Error taxonomy shared by every component. Callers classify failures with
// errors.Is; components add context with fmt.Errorf("...: %w", Err...).
var (
	// ErrAuthorizationDenied means the actor lacks the required level or
	// scope. Recoverable by choosing a different actor or path; never
	// retried automatically. Denials get their own audit records.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrInvalidState means the operation is not legal in the entity's
	// current state (non-current approver, terminal request, duplicate
	// report submission). Surfaced immediately, not retried.
	ErrInvalidState = errors.New("invalid state")

	// ErrConfigurationGap means the catalog cannot serve the request (no
	// tier matches an amount, chain resolution yields zero approvers).
	// Fatal misconfiguration: logged at high severity, action aborted.
	ErrConfigurationGap = errors.New("configuration gap")

	// ErrIntegrityViolation means a stored record's digest or chain
	// linkage no longer verifies. Never auto-repaired; surfaced to
	// operators as a critical alert.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrNotFound is returned when an entity id is unknown to a store.
	ErrNotFound = errors.New("not found")
)
