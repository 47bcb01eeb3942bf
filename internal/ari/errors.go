package ari

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrNotFound indicates the channel or bridge does not exist (any more).
	ErrNotFound = errors.New("resource not found")

	// ErrVariableNotFound indicates a channel variable is not set on a
	// channel that does exist.
	ErrVariableNotFound = errors.New("variable not found")

	// ErrNotInApplication indicates the channel already left the Stasis
	// application, usually because the caller hung up.
	ErrNotInApplication = errors.New("channel not in application")
)

// ErrorKind classifies a failed ARI request.
type ErrorKind int

const (
	// KindOther is any failure that is not a known benign race.
	KindOther ErrorKind = iota
	// KindNotFound maps to HTTP 404.
	KindNotFound
	// KindNotInApplication maps to "Channel not in Stasis application".
	KindNotInApplication
	// KindVariableNotFound maps to a 404 "Provided variable was not found".
	KindVariableNotFound
)

// String returns the string representation of the kind
func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindNotInApplication:
		return "NotInApplication"
	case KindVariableNotFound:
		return "VariableNotFound"
	default:
		return "Other"
	}
}

// Error is returned by every Client operation that got a non-2xx response.
type Error struct {
	Op      string // e.g. "snoop", "hangup"
	Status  int    // HTTP status code
	Message string // ARI "message" field
	Kind    ErrorKind
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ari %s: %d %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("ari %s: HTTP %d", e.Op, e.Status)
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrNotInApplication:
		return e.Kind == KindNotInApplication
	case ErrVariableNotFound:
		return e.Kind == KindVariableNotFound
	}
	return false
}

const (
	notInStasisMessage = "not in stasis"
	variableMessage    = "variable"
)

// newError classifies a response. This is the only place ARI message text is
// inspected; everything above the client works on Kind.
func newError(op string, status int, message string) *Error {
	kind := KindOther
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, notInStasisMessage):
		kind = KindNotInApplication
	case status == 404 && strings.Contains(lower, variableMessage):
		kind = KindVariableNotFound
	case status == 404:
		kind = KindNotFound
	}
	return &Error{Op: op, Status: status, Message: message, Kind: kind}
}

// IsNotFound reports whether err is a KindNotFound failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsVariableNotFound reports whether err is a KindVariableNotFound failure.
func IsVariableNotFound(err error) bool {
	return errors.Is(err, ErrVariableNotFound)
}

// IsNotInApplication reports whether err is a KindNotInApplication failure.
func IsNotInApplication(err error) bool {
	return errors.Is(err, ErrNotInApplication)
}

// IsGone reports whether err means the target resource is already torn down.
func IsGone(err error) bool {
	return IsNotFound(err) || IsNotInApplication(err)
}
