package session

import (
	"errors"
	"fmt"

	"github.com/npezzotti/go-meetup/internal/transport"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrTransportConnect = errors.New("transport connect failed")
	ErrSessionFailed    = errors.New("call session failed")
	ErrCanceled         = errors.New("join canceled")
	ErrClosed           = errors.New("session closed")
)

const (
	reasonTimeout   = "timeout"
	reasonLeft      = "left"
	reasonDestroyed = "destroyed"
)

// TransportError carries the transport's reason for a failure. Kind is one
// of the package level errors and is what errors.Is matches against.
type TransportError struct {
	Kind    error
	Reason  string
	Message string
}

func (e *TransportError) Error() string {
	switch {
	case e.Reason != "" && e.Message != "":
		return fmt.Sprintf("%v: %s: %s", e.Kind, e.Reason, e.Message)
	case e.Reason != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
	case e.Message != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Message)
	}
	return e.Kind.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Kind
}

// classify turns a transport failure into a TransportError. Permission
// failures always win over fallback.
func classify(err error, fallback error) *TransportError {
	var te *transport.Error
	if errors.As(err, &te) {
		kind := fallback
		if te.IsPermission() {
			kind = ErrPermissionDenied
		}
		return &TransportError{Kind: kind, Reason: te.Reason, Message: te.Message}
	}
	return &TransportError{Kind: fallback, Message: err.Error()}
}
