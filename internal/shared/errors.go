package shared

import "errors"

// Error taxonomy for the governance core. Domain packages wrap these
// sentinels so handlers can map any error to a transport status with
// errors.Is.
var (
	// ErrValidation indicates malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrAuthentication indicates a missing or invalid principal.
	ErrAuthentication = errors.New("authentication required")
	// ErrForbidden indicates an authenticated but unauthorized action.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates duplicate names, duplicate votes or wrong-state transitions.
	ErrConflict = errors.New("conflict")
	// ErrService indicates the store or a dependency is unavailable.
	ErrService = errors.New("service unavailable")
)
