package executor

import (
	"errors"
	"fmt"
)

// ViolationKind distinguishes the should-never-happen conditions the
// executor can hit before dispatch. Each one means either a caller bug
// or active tampering, so operators alert on this category separately
// from routine policy rejections.
type ViolationKind string

const (
	ViolationUnapproved ViolationKind = "unapproved_verdict"
	ViolationIntegrity  ViolationKind = "integrity_mismatch"
	ViolationExpired    ViolationKind = "verdict_expired"
	ViolationBreaker    ViolationKind = "circuit_breaker_tripped"
)

// SecurityViolationError is raised by the pre-dispatch checks. It is
// never retried by this package and always fatal to the call.
type SecurityViolationError struct {
	Kind      ViolationKind
	RequestID string
	Message   string
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("security violation (%s) for request %s: %s", e.Kind, e.RequestID, e.Message)
}

// IsSecurityViolation reports whether err is from the security-check
// category, for callers that alert on it.
func IsSecurityViolation(err error) bool {
	var sv *SecurityViolationError
	return errors.As(err, &sv)
}
