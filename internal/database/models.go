package database

import "time"

type CallRecord struct {
	Id                 int       `json:"id"`
	RoomId             string    `json:"room_id"`
	UserId             string    `json:"user_id"`
	TransportSessionId string    `json:"transport_session_id,omitempty"`
	JoinedAt           time.Time `json:"joined_at"`
	LeftAt             time.Time `json:"left_at"`
	DurationSeconds    uint64    `json:"duration_seconds"`
	CreatedAt          time.Time `json:"created_at"`
}
