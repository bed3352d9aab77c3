package atproto

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrConflict       = errors.New("record already exists")
	ErrNotFound       = errors.New("record not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotLoggedIn    = errors.New("no active session")
	errExpiredSession = errors.New("expired token")
)

// XRPCError is a non-2xx XRPC response. Its Is method classifies the response so
// callers can branch with errors.Is(err, ErrConflict) and friends.
type XRPCError struct {
	StatusCode int
	Code       string
	Message    string
	Method     string
}

func (e *XRPCError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("xrpc %s: http %d %s: %s", e.Method, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("xrpc %s: http %d: %s", e.Method, e.StatusCode, e.Message)
}

func (e *XRPCError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.isConflict()
	case ErrNotFound:
		return e.isNotFound()
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.Code == "AuthRequired" || e.Code == "AuthenticationRequired"
	case errExpiredSession:
		return e.Code == "ExpiredToken"
	default:
		return false
	}
}

func (e *XRPCError) isConflict() bool {
	if e.StatusCode == http.StatusConflict || e.Code == "RecordAlreadyExists" {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "already exists")
}

func (e *XRPCError) isNotFound() bool {
	if e.StatusCode == http.StatusNotFound || e.Code == "RecordNotFound" {
		return true
	}
	message := strings.ToLower(e.Message)
	return strings.Contains(message, "could not locate record") || strings.Contains(message, "record not found")
}
