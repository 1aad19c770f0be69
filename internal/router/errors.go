package router

import "errors"

// Code classifies a routing failure for callers that translate outcomes
// into protocol responses.
type Code string

const (
	// CodeConfiguration means the transport settings are missing or
	// invalid. Never retried; fix the settings.
	CodeConfiguration Code = "configuration"
	// CodeAuthorization means the cloud mailbox is not authorized.
	CodeAuthorization Code = "authorization"
	// CodeTokenRefresh means the access token could not be refreshed.
	// The stored tokens are left untouched.
	CodeTokenRefresh Code = "token_refresh"
	// CodeTransport means the provider or upstream server rejected the
	// delivery attempt.
	CodeTransport Code = "transport"
	// CodeValidation means the message itself is unsendable, detected
	// before any network I/O.
	CodeValidation Code = "validation"
)

// Error is the router's outcome type for expected failures. The router
// never panics past its boundary for these; only storage-layer
// unavailability propagates as a plain wrapped error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the failure class from any error in a routing result
// chain. Errors outside the taxonomy report an empty code.
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
