package coordinator

import (
	"errors"
	"fmt"

	"github.com/npezzotti/go-meetup/internal/session"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrNotMember     = errors.New("user is not a member of the room")
	ErrUnknownHandle = errors.New("unknown or released handle")
	ErrNoTransport   = errors.New("no call transport configured")
	ErrShutdown      = errors.New("coordinator is shut down")
	ErrCredential    = errors.New("credential error")

	ErrJoinedElsewhere = errors.New("user is already in the call from another connection")
)

// CredentialError means the call credential could not be issued. The
// caller may retry the join. It matches both ErrCredential and the issuer's
// error.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("%v: %v", ErrCredential, e.Err)
}

func (e *CredentialError) Unwrap() []error {
	return []error{ErrCredential, e.Err}
}

const (
	permissionMessage = "Microphone access was blocked. Allow microphone access for this site in your browser settings, then join the call again."
	genericMessage    = "Something went wrong with the call. Please try joining again."
)

// UserMessage is the text shown to a user for a failed join or call.
// Permission failures get actionable guidance; everything else is a
// generic retryable call error.
func UserMessage(err error) string {
	if errors.Is(err, session.ErrPermissionDenied) {
		return permissionMessage
	}
	return genericMessage
}

// IsPermissionDenied reports whether err is a microphone or permission
// failure.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, session.ErrPermissionDenied)
}
