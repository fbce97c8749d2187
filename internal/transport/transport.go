// Package transport describes the external call widget the session state
// machine drives. Media never passes through this package, only connection
// control and the events the widget reports.
package transport

import (
	"context"
	"fmt"
	"strings"
)

type EventType int

const (
	EventJoined EventType = iota
	EventLeft
	EventParticipantJoined
	EventParticipantLeft
	EventError
	EventDestroyed
)

var eventNames = map[EventType]string{
	EventJoined:            "joined",
	EventLeft:              "left",
	EventParticipantJoined: "participant-joined",
	EventParticipantLeft:   "participant-left",
	EventError:             "error",
	EventDestroyed:         "destroyed",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// ParseEventType maps a wire name back to its EventType.
func ParseEventType(name string) (EventType, error) {
	for t, n := range eventNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown transport event %q", name)
}

// Participant is a transport-reported presence signal. It is never persisted.
type Participant struct {
	SessionId   string `json:"session_id"`
	UserId      string `json:"user_id,omitempty"`
	DisplayName string `json:"user_name,omitempty"`
	Local       bool   `json:"local,omitempty"`
}

const ReasonPermission = "permission"

// Error is an error reported by the widget.
type Error struct {
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Reason != "" && e.Message != "" {
		return e.Reason + ": " + e.Message
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Reason
}

// IsPermission reports whether the widget failed because microphone or
// device access was refused.
func (e *Error) IsPermission() bool {
	if e == nil {
		return false
	}
	if strings.EqualFold(e.Reason, ReasonPermission) {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "microphone") ||
		strings.Contains(msg, "audio") ||
		strings.Contains(msg, "notallowederror") ||
		strings.Contains(msg, "permission")
}

type Event struct {
	Type        EventType
	Participant *Participant
	Err         *Error
}

// Config is passed to the widget when a call object is created.
type Config struct {
	StartAudioOff bool `json:"start_audio_off"`
	StartVideoOff bool `json:"start_video_off"`
}

// DefaultConfig is an audio-only call with the microphone enabled.
func DefaultConfig() Config {
	return Config{StartAudioOff: false, StartVideoOff: true}
}

type Client interface {
	CreateSession(cfg Config) (Session, error)
}

// Session is one call object. It is single use: after Destroy it must not
// be joined again.
type Session interface {
	Id() string
	Join(ctx context.Context, url, credential string) error
	Leave(ctx context.Context) error
	Destroy()
	// Events is closed after Destroy.
	Events() <-chan Event
}
