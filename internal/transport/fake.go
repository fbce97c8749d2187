package transport

import (
	"context"
	"fmt"
	"sync"
)

// FakeClient is an in-memory Client for tests. Events are injected with
// FakeSession.Emit; with AutoJoin set, a successful Join emits EventJoined.
type FakeClient struct {
	mu        sync.Mutex
	sessions  []*FakeSession
	CreateErr error
	JoinErr   error
	AutoJoin  bool
}

func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

func (c *FakeClient) CreateSession(cfg Config) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.CreateErr != nil {
		return nil, c.CreateErr
	}

	s := &FakeSession{
		id:     fmt.Sprintf("fake-%d", len(c.sessions)+1),
		client: c,
		cfg:    cfg,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *FakeClient) SetAutoJoin(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AutoJoin = v
}

func (c *FakeClient) SetJoinErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.JoinErr = err
}

func (c *FakeClient) Sessions() []*FakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FakeSession(nil), c.sessions...)
}

// Last returns the most recently created session or nil.
func (c *FakeClient) Last() *FakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return nil
	}
	return c.sessions[len(c.sessions)-1]
}

// JoinCount is the number of Join calls across all sessions.
func (c *FakeClient) JoinCount() int {
	total := 0
	for _, s := range c.Sessions() {
		total += s.Joins()
	}
	return total
}

type FakeSession struct {
	id        string
	client    *FakeClient
	cfg       Config
	mu        sync.RWMutex
	joins     int
	leaves    int
	url       string
	token     string
	destroyed bool
	events    chan Event
	done      chan struct{}
	once      sync.Once
}

func (s *FakeSession) Id() string { return s.id }

func (s *FakeSession) Join(ctx context.Context, url, credential string) error {
	s.mu.Lock()
	s.joins++
	s.url = url
	s.token = credential
	s.mu.Unlock()

	s.client.mu.Lock()
	joinErr, autoJoin := s.client.JoinErr, s.client.AutoJoin
	s.client.mu.Unlock()

	if joinErr != nil {
		return joinErr
	}
	if autoJoin {
		return s.Emit(Event{Type: EventJoined})
	}
	return nil
}

func (s *FakeSession) Leave(ctx context.Context) error {
	s.mu.Lock()
	s.leaves++
	s.mu.Unlock()
	return nil
}

func (s *FakeSession) Destroy() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.destroyed = true
		close(s.events)
		s.mu.Unlock()
	})
}

func (s *FakeSession) Events() <-chan Event { return s.events }

// Emit injects an event as if the widget had reported it.
func (s *FakeSession) Emit(evt Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed {
		return ErrSessionClosed
	}
	select {
	case s.events <- evt:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *FakeSession) Joins() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joins
}

func (s *FakeSession) Leaves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaves
}

func (s *FakeSession) Destroyed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.destroyed
}

func (s *FakeSession) Credential() (url, token string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.url, s.token
}
