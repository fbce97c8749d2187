package types

import (
	"time"
)

// DisplayInfo is what other members see for a user.
type DisplayInfo struct {
	Name     string `json:"name"`
	PhotoURL string `json:"photo_url,omitempty"`
}

type Room struct {
	Id            string            `json:"id"`
	Name          string            `json:"name"`
	OwnerId       string            `json:"owner_id"`
	OwnerName     string            `json:"owner_name,omitempty"`
	OwnerPhotoURL string            `json:"owner_photo_url,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Members       map[string]Member `json:"members"`
}

type Member struct {
	UserId      string    `json:"uid"`
	DisplayName string    `json:"name"`
	PhotoURL    string    `json:"photo_url,omitempty"`
	Invited     bool      `json:"invited"`
	Accepted    bool      `json:"accepted"`
	InCall      bool      `json:"in_call"`
	LastUpdate  time.Time `json:"last_update,omitempty"`
}

// CallSession is the persisted record of one user's call attempt in a room.
type CallSession struct {
	RoomId                      string     `json:"room_id"`
	UserId                      string     `json:"user_id"`
	TransportSessionId          string     `json:"transport_session_id,omitempty"`
	JoinedAt                    time.Time  `json:"joined_at"`
	LeftAt                      *time.Time `json:"left_at,omitempty"`
	IsActive                    bool       `json:"is_active"`
	DurationSeconds             uint64     `json:"duration_seconds"`
	CheckpointedDurationSeconds uint64     `json:"checkpointed_duration_seconds"`
}

type CallRoomStatus string

const (
	CallRoomActive CallRoomStatus = "active"
	CallRoomEnded  CallRoomStatus = "ended"
)

// CallRoom is the provider-side room backing a meetup room's call.
type CallRoom struct {
	RoomId     string         `json:"room_id"`
	ProviderId string         `json:"provider_id,omitempty"`
	URL        string         `json:"url"`
	Status     CallRoomStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
}

type CallHistoryEntry struct {
	RoomId          string    `json:"room_id"`
	UserId          string    `json:"user_id"`
	DurationSeconds uint64    `json:"duration_seconds"`
	JoinedAt        time.Time `json:"joined_at"`
	EndedAt         time.Time `json:"ended_at"`
}

// MemberSnapshot groups the read-only member projections of a room.
type MemberSnapshot struct {
	RoomId   string   `json:"room_id"`
	Invited  []Member `json:"invited"`
	Accepted []Member `json:"accepted"`
	InCall   []Member `json:"in_call"`
	Absent   []Member `json:"absent"`
}

// User is an authenticated caller as asserted by the auth token.
type User struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	PhotoURL string `json:"photo_url,omitempty"`
}

func (u User) Display() DisplayInfo {
	return DisplayInfo{Name: u.Name, PhotoURL: u.PhotoURL}
}
