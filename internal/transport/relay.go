package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const eventBuffer = 64

var (
	ErrUnknownSession = errors.New("unknown transport session")
	ErrSessionClosed  = errors.New("transport session closed")
)

type CommandOp string

const (
	OpJoin    CommandOp = "join"
	OpLeave   CommandOp = "leave"
	OpDestroy CommandOp = "destroy"
)

// Command is an instruction for the remote widget.
type Command struct {
	Op        CommandOp `json:"op"`
	SessionId string    `json:"session_id"`
	URL       string    `json:"url,omitempty"`
	Token     string    `json:"token,omitempty"`
	Config    *Config   `json:"config,omitempty"`
}

// Peer carries commands to wherever the widget actually runs, typically a
// browser tab on the other end of a websocket.
type Peer interface {
	SendCommand(cmd Command) error
}

// RelayClient is a Client whose sessions are driven remotely: commands go out
// through a Peer and events come back through Deliver.
type RelayClient struct {
	peer     Peer
	mu       sync.Mutex
	sessions map[string]*relaySession
}

func NewRelayClient(peer Peer) *RelayClient {
	return &RelayClient{
		peer:     peer,
		sessions: make(map[string]*relaySession),
	}
}

func (c *RelayClient) CreateSession(cfg Config) (Session, error) {
	s := &relaySession{
		id:     uuid.NewString(),
		cfg:    cfg,
		client: c,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()
	return s, nil
}

// Deliver hands an event reported by the widget to its session.
func (c *RelayClient) Deliver(sessionId string, evt Event) error {
	c.mu.Lock()
	s, ok := c.sessions[sessionId]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionId)
	}
	return s.deliver(evt)
}

// Close tears down every session without sending commands to the peer.
func (c *RelayClient) Close() {
	c.mu.Lock()
	sessions := make([]*relaySession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*relaySession)
	c.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (c *RelayClient) remove(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

type relaySession struct {
	id     string
	cfg    Config
	client *RelayClient
	mu     sync.RWMutex
	closed bool
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *relaySession) Id() string { return s.id }

func (s *relaySession) Join(ctx context.Context, url, credential string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg := s.cfg
	return s.send(Command{Op: OpJoin, SessionId: s.id, URL: url, Token: credential, Config: &cfg})
}

func (s *relaySession) Leave(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.send(Command{Op: OpLeave, SessionId: s.id})
}

func (s *relaySession) Destroy() {
	if s.isClosed() {
		return
	}
	// best effort, the widget may already be gone
	_ = s.client.peer.SendCommand(Command{Op: OpDestroy, SessionId: s.id})
	s.client.remove(s.id)
	s.close()
}

func (s *relaySession) Events() <-chan Event { return s.events }

func (s *relaySession) send(cmd Command) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.client.peer.SendCommand(cmd)
}

func (s *relaySession) deliver(evt Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}

	select {
	case s.events <- evt:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *relaySession) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}

func (s *relaySession) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
