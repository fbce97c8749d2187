package api

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-meetup/internal/types"
)

const (
	tokenCookieKey = "token"
	bearerPrefix   = "Bearer "

	subjectClaim = "sub"
	nameClaim    = "name"
	pictureClaim = "picture"
)

type contextKey string

const userKey contextKey = "user"

func WithUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func UserFromContext(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(userKey).(types.User)
	return user, ok
}

func (s *GoMeetupApp) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

func (s *GoMeetupApp) extractUserFromToken(tokenString string) (types.User, error) {
	token, err := s.verifyToken(tokenString)
	if err != nil {
		return types.User{}, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.User{}, fmt.Errorf("invalid token claims")
	}

	sub, ok := claims[subjectClaim].(string)
	if !ok || sub == "" {
		return types.User{}, fmt.Errorf("invalid subject claim")
	}

	user := types.User{Id: sub}
	user.Name, _ = claims[nameClaim].(string)
	user.PhotoURL, _ = claims[pictureClaim].(string)
	return user, nil
}
