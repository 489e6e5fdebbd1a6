package chat

import "errors"

// Error taxonomy. Operations wrap one of these with %w so callers classify
// failures with errors.Is and clients receive a stable code.
var (
	// ErrAuthenticationRequired is returned when the session has no bound identity.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrAuthorizationDenied is returned when a membership check fails.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrBadRequest is returned when a payload field is missing or invalid.
	ErrBadRequest = errors.New("bad request")
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInternal is returned for store and token-verifier failures.
	ErrInternal = errors.New("internal error")
	// ErrDuplicate is returned by stores when a uniqueness constraint rejects a write.
	ErrDuplicate = errors.New("duplicate")
)

// Code is the stable wire identifier of an error class.
type Code string

const (
	CodeAuthenticationRequired Code = "AUTHENTICATION_REQUIRED"
	CodeAuthorizationDenied    Code = "AUTHORIZATION_DENIED"
	CodeBadRequest             Code = "BAD_REQUEST"
	CodeNotFound               Code = "NOT_FOUND"
	CodeInternal               Code = "INTERNAL"
)

// CodeOf classifies err. Anything outside the taxonomy is CodeInternal.
func CodeOf(err error) Code {
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return CodeAuthenticationRequired
	case errors.Is(err, ErrAuthorizationDenied):
		return CodeAuthorizationDenied
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}

// Status returns the HTTP-like status of a code.
func (c Code) Status() int {
	switch c {
	case CodeAuthenticationRequired:
		return 401
	case CodeAuthorizationDenied:
		return 403
	case CodeBadRequest:
		return 400
	case CodeNotFound:
		return 404
	default:
		return 500
	}
}

// PublicMessage returns the text safe to show a client. Internal failures are
// opaque; other classes carry their wrapped detail.
func PublicMessage(err error) string {
	if CodeOf(err) == CodeInternal {
		return ErrInternal.Error()
	}
	return err.Error()
}
