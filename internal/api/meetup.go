// Package api serves the HTTP surface: room creation, member projections,
// call history, the websocket upgrade and health checks.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-meetup/internal/config"
	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/store"
	"github.com/npezzotti/go-meetup/internal/types"
	"github.com/rs/zerolog"
)

type RoomRepository interface {
	CreateRoom(ctx context.Context, params store.CreateRoomParams) (types.Room, error)
	GetRoom(ctx context.Context, roomId string) (types.Room, error)
	CallHistory(ctx context.Context, roomId, userId string) ([]types.CallHistoryEntry, error)
	Ping(ctx context.Context) error
}

type MemberSource interface {
	Snapshot(ctx context.Context, roomId string) (types.MemberSnapshot, error)
}

type WebsocketServer interface {
	Serve(conn *websocket.Conn, user types.User)
}

type GoMeetupApp struct {
	log            zerolog.Logger
	rooms          RoomRepository
	members        MemberSource
	ws             WebsocketServer
	history        database.CallHistoryRepository
	srv            *http.Server
	signingKey     []byte
	allowedOrigins []string
}

// NewGoMeetupApp registers the API routes on mux. history may be nil, in
// which case call history is read from the room store.
func NewGoMeetupApp(mux *http.ServeMux, logger zerolog.Logger, rooms RoomRepository, members MemberSource,
	ws WebsocketServer, history database.CallHistoryRepository, cfg *config.Config) *GoMeetupApp {
	s := &GoMeetupApp{
		log:            logger.With().Str("module", "api").Logger(),
		rooms:          rooms,
		members:        members,
		ws:             ws,
		history:        history,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.Server.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("GET /api/rooms", s.authMiddleware(s.getRoom))
	mux.Handle("GET /api/rooms/members", s.authMiddleware(s.getMembers))
	mux.Handle("GET /api/rooms/history", s.authMiddleware(s.getHistory))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	h = s.logRequests(h)

	s.srv = &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: h,
	}
	return s
}

func (s *GoMeetupApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *GoMeetupApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *GoMeetupApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
