package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-meetup/internal/types"
)

const noStore = "no-store, no-cache, must-revalidate, private"

var errMissingToken = errors.New("missing token")

func panicError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("%v", v)
}

// errorHandler turns a panicking handler into a 500 and closes the
// connection.
func (s *GoMeetupApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			err := panicError(v)
			s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("panic serving request")

			errResp := NewInternalServerError(err)
			w.Header().Set("Connection", "close")
			s.writeJson(w, errResp.StatusCode, errResp)
		}()

		next.ServeHTTP(w, r)
	})
}

// logRequests writes one access log entry per request. The response writer
// handlers wraps keeps http.Hijacker, so websocket upgrades pass through.
func (s *GoMeetupApp) logRequests(next http.Handler) http.Handler {
	return handlers.CustomLoggingHandler(io.Discard, next, func(_ io.Writer, p handlers.LogFormatterParams) {
		evt := s.log.Debug()
		if p.StatusCode >= http.StatusInternalServerError {
			evt = s.log.Warn()
		}
		evt.Str("method", p.Request.Method).
			Str("path", p.URL.Path).
			Int("status", p.StatusCode).
			Int("size", p.Size).
			Dur("elapsed", time.Since(p.TimeStamp)).
			Msg("request")
	})
}

// tokenFromRequest prefers the Authorization header and falls back to the
// session cookie, which is all a browser sends on a websocket upgrade.
func tokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, bearerPrefix)
		if !ok {
			return "", fmt.Errorf("unsupported authorization scheme")
		}
		return token, nil
	}

	cookie, err := r.Cookie(tokenCookieKey)
	if err != nil {
		return "", errMissingToken
	}
	return cookie.Value, nil
}

func (s *GoMeetupApp) authenticate(r *http.Request) (types.User, error) {
	tokenString, err := tokenFromRequest(r)
	if err != nil {
		return types.User{}, err
	}
	return s.extractUserFromToken(tokenString)
}

// authMiddleware puts the caller's identity on the request context. Failed
// requests get a 401 with a bearer challenge.
func (s *GoMeetupApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", noStore)

		user, err := s.authenticate(r)
		if err != nil {
			if !errors.Is(err, errMissingToken) {
				s.log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected token")
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="go-meetup"`)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		next(w, r.WithContext(WithUser(r.Context(), user)))
	}
}
