// Package server bridges browser call widgets to the coordinator over
// websockets. Each connection is a transport peer: commands for the widget
// go out on the socket and the widget's events come back in.
package server

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-meetup/internal/coordinator"
	"github.com/npezzotti/go-meetup/internal/stats"
	"github.com/npezzotti/go-meetup/internal/types"
	"github.com/rs/zerolog"
)

type Coordinator interface {
	JoinRoom(ctx context.Context, roomId, userId string, display types.DisplayInfo, opts ...coordinator.JoinOption) (*coordinator.Handle, error)
	LeaveRoom(ctx context.Context, h *coordinator.Handle) error
	OnUnexpectedTermination(h *coordinator.Handle) error
	WatchMembers(ctx context.Context, roomId string) (<-chan types.MemberSnapshot, error)
}

type Server struct {
	log   zerolog.Logger
	coord Coordinator
	stats stats.StatsProvider

	clientsLock sync.Mutex
	clients     map[*Client]struct{}
	closed      bool
	wg          sync.WaitGroup
}

func NewServer(logger zerolog.Logger, coord Coordinator, st stats.StatsProvider) *Server {
	return &Server{
		log:     logger.With().Str("module", "server").Logger(),
		coord:   coord,
		stats:   st,
		clients: make(map[*Client]struct{}),
	}
}

// Serve starts the read and write pumps for an upgraded connection.
func (s *Server) Serve(conn *websocket.Conn, user types.User) {
	c := NewClient(user, conn, s, s.log)
	if !s.addClient(c) {
		s.log.Warn().Str("user_id", user.Id).Msg("rejecting connection during shutdown")
		conn.Close()
		return
	}

	go c.Write()
	go c.Read()
}

func (s *Server) addClient(c *Client) bool {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.stats.Incr(stats.ConnectedClients)
	s.log.Info().Str("user_id", c.user.Id).Msg("client connected")
	return true
}

func (s *Server) removeClient(c *Client) {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	s.stats.Decr(stats.ConnectedClients)
	s.wg.Done()
	s.log.Info().Str("user_id", c.user.Id).Msg("client disconnected")
}

func (s *Server) ClientCount() int {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()
	return len(s.clients)
}

// Shutdown closes every connection and waits for their calls to be handed
// back to the coordinator.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("closing client connections")
	s.clientsLock.Lock()
	s.closed = true
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsLock.Unlock()

	for _, c := range clients {
		c.stopClient()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
