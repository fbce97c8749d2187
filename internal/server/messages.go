package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-meetup/internal/transport"
	"github.com/npezzotti/go-meetup/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join    *Join        `json:"join,omitempty"`
	Leave   *Leave       `json:"leave,omitempty"`
	Event   *EventReport `json:"event,omitempty"`
	Watch   *Watch       `json:"watch,omitempty"`
	Unwatch *Watch       `json:"unwatch,omitempty"`
}

type Join struct {
	RoomId string `json:"room_id"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

type Watch struct {
	RoomId string `json:"room_id"`
}

// EventReport is an event raised by the call widget in the browser.
type EventReport struct {
	RoomId      string                 `json:"room_id"`
	SessionId   string                 `json:"session_id"`
	Type        string                 `json:"type"`
	Participant *transport.Participant `json:"participant,omitempty"`
	Error       *transport.Error       `json:"error,omitempty"`
}

func (e *EventReport) toEvent() (transport.Event, error) {
	typ, err := transport.ParseEventType(e.Type)
	if err != nil {
		return transport.Event{}, err
	}
	return transport.Event{Type: typ, Participant: e.Participant, Err: e.Error}, nil
}

type ServerMessage struct {
	BaseMessage
	Response     *Response          `json:"response,omitempty"`
	Command      *transport.Command `json:"command,omitempty"`
	Notification *Notification      `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	Members   *types.MemberSnapshot `json:"members,omitempty"`
	CallError *CallError            `json:"call_error,omitempty"`
	Session   *SessionStatus        `json:"session,omitempty"`
}

type CallError struct {
	RoomId           string `json:"room_id"`
	PermissionDenied bool   `json:"permission_denied"`
	Message          string `json:"message"`
}

type SessionStatus struct {
	RoomId          string `json:"room_id"`
	State           string `json:"state"`
	DurationSeconds uint64 `json:"duration_seconds"`
	CallURL         string `json:"call_url,omitempty"`
}

func newServerMessage(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	msg := newServerMessage(id)
	msg.Response = &Response{
		ResponseCode: http.StatusOK,
		Data:         data,
	}
	return msg
}

func NoErrAccepted(id int) *ServerMessage {
	msg := newServerMessage(id)
	msg.Response = &Response{ResponseCode: http.StatusAccepted}
	return msg
}

func errResponse(id, code int, text string) *ServerMessage {
	msg := newServerMessage(id)
	msg.Response = &Response{
		ResponseCode: code,
		Error:        text,
	}
	return msg
}

func ErrRoomNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "room not found")
}

func ErrNotInCall(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "not in call")
}

func ErrUnknownSession(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "unknown call session")
}

func ErrForbidden(id int) *ServerMessage {
	return errResponse(id, http.StatusForbidden, "not a member of the room")
}

func ErrJoinedElsewhere(id int) *ServerMessage {
	return errResponse(id, http.StatusConflict, "already in the call from another connection")
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, "invalid message format")
}

// ErrCall reports a failed join. The text is safe to show to the user.
func ErrCall(id int, text string) *ServerMessage {
	return errResponse(id, http.StatusBadGateway, text)
}

func CommandMessage(cmd transport.Command) *ServerMessage {
	msg := newServerMessage(0)
	msg.Command = &cmd
	return msg
}

func MembersNotification(snap types.MemberSnapshot) *ServerMessage {
	msg := newServerMessage(0)
	msg.Notification = &Notification{Members: &snap}
	return msg
}

func CallErrorNotification(ce CallError) *ServerMessage {
	msg := newServerMessage(0)
	msg.Notification = &Notification{CallError: &ce}
	return msg
}

func SessionNotification(st SessionStatus) *ServerMessage {
	msg := newServerMessage(0)
	msg.Notification = &Notification{Session: &st}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
