package domain

import "fmt"

// Error types for consistent error handling across the engine.
// The bank adapter returns the transport taxonomy (auth, transient,
// rate-limit, validation); services map it to slip-status transitions
// and retry eligibility.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrValidation indicates malformed input or a field the bank rejected.
// Never retried; requires data correction.
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrAuth indicates invalid credentials or an expired certificate.
// Never retried; escalated to the operator.
type ErrAuth struct {
	Credential string
	Message    string
}

func (e *ErrAuth) Error() string {
	return fmt.Sprintf("bank auth error [%s]: %s", e.Credential, e.Message)
}

// ErrTransient indicates a network failure, timeout or bank-side 5xx.
// Retryable up to the attempt ceiling.
type ErrTransient struct {
	Operation string
	Err       error
}

func (e *ErrTransient) Error() string {
	return fmt.Sprintf("transient error in %s: %v", e.Operation, e.Err)
}

func (e *ErrTransient) Unwrap() error {
	return e.Err
}

// ErrRateLimit indicates the bank is throttling us. Retryable with backoff.
type ErrRateLimit struct {
	Operation string
}

func (e *ErrRateLimit) Error() string {
	return fmt.Sprintf("rate limited by bank API: %s", e.Operation)
}

// ErrDuplicateCycle indicates a non-canceled billing cycle already exists
// for the (contract, competency) pair.
type ErrDuplicateCycle struct {
	ContractID string
	Competency string
}

func (e *ErrDuplicateCycle) Error() string {
	return fmt.Sprintf("billing cycle already exists for contract %s competency %s", e.ContractID, e.Competency)
}

// ErrInvalidTransition indicates a state-machine rule was violated.
type ErrInvalidTransition struct {
	Entity string
	From   string
	Action string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s %s in status %s", e.Action, e.Entity, e.From)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrConflict indicates a concurrent modification was detected
// (optimistic version check failed).
type ErrConflict struct {
	Resource string
	ID       string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("concurrent modification of %s %s", e.Resource, e.ID)
}

// ErrUnauthorized indicates an invalid or missing API token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}
