package proxy

import "fmt"

// ErrorKind is the closed taxonomy every failure is normalized into at
// the dispatcher boundary.
type ErrorKind int

const (
	ErrKindConfig ErrorKind = iota
	ErrKindPolicy
	ErrKindLockout
	ErrKindRate
	ErrKindUpstream
	ErrKindProvider
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindConfig:
		return "config"
	case ErrKindPolicy:
		return "policy"
	case ErrKindLockout:
		return "lockout"
	case ErrKindRate:
		return "rate"
	case ErrKindUpstream:
		return "upstream"
	case ErrKindProvider:
		return "provider"
	default:
		return "unknown"
	}
}

// GatewayError carries the kind, the client-facing error code and the
// underlying cause. The cause is logged, never serialized to clients.
type GatewayError struct {
	Kind  ErrorKind
	Code  string
	cause error
}

func newGatewayError(kind ErrorKind, code string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Code: code, cause: cause}
}

func (e *GatewayError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Code)
}

func (e *GatewayError) Unwrap() error {
	return e.cause
}
