package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-meetup/internal/clock"
)

const (
	roomNameClaim = "room_name"
	userIdClaim   = "user_id"
	userNameClaim = "user_name"
	isOwnerClaim  = "is_owner"
	expClaim      = "exp"
)

// JWTIssuer signs meeting tokens itself, for call servers that accept
// HS256 tokens minted with a shared key.
type JWTIssuer struct {
	baseURL string
	key     []byte
	clock   clock.Clock
	ttl     time.Duration
}

func NewJWTIssuer(baseURL string, key []byte, c clock.Clock, ttl time.Duration) (*JWTIssuer, error) {
	if baseURL == "" {
		return nil, errors.New("call base url cannot be empty")
	}
	if len(key) == 0 {
		return nil, errors.New("signing key cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWTIssuer{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		clock:   c,
		ttl:     ttl,
	}, nil
}

func (j *JWTIssuer) Issue(ctx context.Context, req Request) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	name := providerRoomName(req.RoomId)
	expires := j.clock.Now().Add(j.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		roomNameClaim: name,
		userIdClaim:   req.UserId,
		userNameClaim: req.Display.Name,
		isOwnerClaim:  req.IsOwner,
		expClaim:      expires.Unix(),
	})

	signed, err := token.SignedString(j.key)
	if err != nil {
		return Credential{}, fmt.Errorf("sign token: %w", err)
	}

	return Credential{
		Token:      signed,
		RoomURL:    j.baseURL + "/" + name,
		ProviderId: name,
		ExpiresAt:  expires,
	}, nil
}
