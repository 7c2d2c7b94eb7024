// Package apperr defines the error kinds raised before any I/O or mutation:
// invalid input, missing authorization, and tier or protection policy
// violations. Upstream API failures carry their own taxonomy in githubapi.
package apperr

const (
	// CodeInvalidInput marks a missing or empty required input.
	CodeInvalidInput = "INVALID_INPUT"
	// CodeUnauthorized marks an absent session or missing linked credential.
	CodeUnauthorized = "UNAUTHORIZED"
	// CodePolicyViolation marks a tier-limit or protected-account rejection.
	CodePolicyViolation = "POLICY_VIOLATION"
)

// ValidationError rejects a request before any I/O is attempted.
type ValidationError struct {
	Message string
}

// Error implements the error interface.
func (validationError *ValidationError) Error() string {
	return validationError.Message
}

// AuthorizationError rejects a request lacking a session or upstream credential.
type AuthorizationError struct {
	Message string
}

// Error implements the error interface.
func (authorizationError *AuthorizationError) Error() string {
	return authorizationError.Message
}

// PolicyError rejects a whole batch before any mutation is issued. Logins
// names the protected accounts that caused the rejection, when applicable.
type PolicyError struct {
	Message string
	Logins  []string
}

// Error implements the error interface.
func (policyError *PolicyError) Error() string {
	return policyError.Message
}
