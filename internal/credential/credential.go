// Package credential issues the short lived tokens the call widget needs to
// join a provider room.
package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/npezzotti/go-meetup/internal/types"
)

const (
	DefaultTokenTTL = time.Hour
	DefaultRoomTTL  = 24 * time.Hour
	maxParticipants = 20
)

type Request struct {
	RoomId   string
	RoomName string
	UserId   string
	Display  types.DisplayInfo
	IsOwner  bool
}

type Credential struct {
	Token      string
	RoomURL    string
	ProviderId string
	ExpiresAt  time.Time
}

// ValidAt reports whether the credential can still be used at t with at
// least margin to spare.
func (c Credential) ValidAt(t time.Time, margin time.Duration) bool {
	return c.Token != "" && c.ExpiresAt.After(t.Add(margin))
}

type Issuer interface {
	Issue(ctx context.Context, req Request) (Credential, error)
}

// providerRoomName is the name of the provider room backing a meetup room.
func providerRoomName(roomId string) string {
	return fmt.Sprintf("room-%s", roomId)
}
