package authchain

import "errors"

var (
	// ErrEngineNotReady is returned when the engine is used before Build
	// completed or on a nil receiver.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrUserRequired is returned when an operation is invoked without a user id.
	ErrUserRequired = errors.New("user id required")
	// ErrSessionRequired is returned when an operation is invoked without a session id.
	ErrSessionRequired = errors.New("session id required")
	// ErrMethodUnknown is returned when a step type has no registered method.
	ErrMethodUnknown = errors.New("unknown verification method")
	// ErrMethodNotInSlot is returned when a perform call names a method that
	// is not an eligible alternative for the current slot. Submitting data
	// for a later step can never advance the chain past an unmet one.
	ErrMethodNotInSlot = errors.New("method not available for current step")
	// ErrNotElevated is returned when persisting a new secret requires an
	// elevated session and the check fails. This is a rejected action, not a
	// failed verification: no credential is consumed or rotated.
	ErrNotElevated = errors.New("elevated session required")
	// ErrAttemptsExceeded is returned when too many failed attempts were
	// recorded for the (user, method) pair within the attempt window.
	ErrAttemptsExceeded = errors.New("verification attempts exceeded")
	// ErrSetupExpired signals that a staged secret or challenge is gone
	// (session expiry, single-shot consumption). The orchestrator reacts by
	// re-issuing a fresh setup payload instead of failing the chain.
	ErrSetupExpired = errors.New("staged verification state expired")
	// ErrEmailAddressMissing is returned when the emailed-code method is
	// selected for a user without an email address.
	ErrEmailAddressMissing = errors.New("user has no email address")
	// ErrNotSetUp is returned by method actions that require an existing
	// credential record.
	ErrNotSetUp = errors.New("method not set up")
)
