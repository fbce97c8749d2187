// Package coordinator is the entry point for joining and leaving room calls.
// It guards against duplicate joins, issues credentials, flips the member's
// accepted flag and shares one reconciler between every session of a room.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/npezzotti/go-meetup/internal/clock"
	"github.com/npezzotti/go-meetup/internal/credential"
	"github.com/npezzotti/go-meetup/internal/reconciler"
	"github.com/npezzotti/go-meetup/internal/session"
	"github.com/npezzotti/go-meetup/internal/stats"
	"github.com/npezzotti/go-meetup/internal/store"
	"github.com/npezzotti/go-meetup/internal/transport"
	"github.com/npezzotti/go-meetup/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPresenceTimeout = 2 * time.Second
	credentialMargin       = time.Minute
	writeTimeout           = 5 * time.Second
)

type Repository interface {
	GetRoom(ctx context.Context, roomId string) (types.Room, error)
	SetMemberAccepted(ctx context.Context, roomId, userId string, accepted bool) error
	PutCallRoom(ctx context.Context, cr types.CallRoom) error
	EndCallRoom(ctx context.Context, roomId string) error
	session.Recorder
	reconciler.Repository
}

type Config struct {
	TickInterval       time.Duration
	CheckpointInterval time.Duration
	ConnectTimeout     time.Duration
	LeaveTimeout       time.Duration
	PresenceTimeout    time.Duration
}

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(co *Coordinator) { co.base = l }
}

func WithStats(st stats.StatsProvider) Option {
	return func(co *Coordinator) { co.stats = st }
}

// WithDefaultTransport sets the transport used by joins that do not bring
// their own.
func WithDefaultTransport(client transport.Client) Option {
	return func(co *Coordinator) { co.transport = client }
}

type joinOptions struct {
	transport transport.Client
}

type JoinOption func(*joinOptions)

// WithTransport joins through the given client, typically the relay of the
// connection the request came from.
func WithTransport(client transport.Client) JoinOption {
	return func(o *joinOptions) { o.transport = client }
}

// roomRef is published before its reconciler starts; ready closes once
// Start returns and err holds its failure.
type roomRef struct {
	rec   *reconciler.Reconciler
	refs  int
	ready chan struct{}
	err   error
}

type Coordinator struct {
	cfg       Config
	repo      Repository
	issuer    credential.Issuer
	transport transport.Client
	clock     clock.Clock
	base      zerolog.Logger
	log       zerolog.Logger
	stats     stats.StatsProvider

	joins singleflight.Group
	creds singleflight.Group

	mu        sync.Mutex
	handles   map[string]*Handle
	teardowns map[string]chan struct{}
	credCache map[string]credential.Credential
	closed    bool

	roomsMu sync.Mutex
	rooms   map[string]*roomRef
	closing map[string]chan struct{}

	wg sync.WaitGroup
}

func New(cfg Config, repo Repository, issuer credential.Issuer, opts ...Option) *Coordinator {
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = DefaultPresenceTimeout
	}
	c := &Coordinator{
		cfg:       cfg,
		repo:      repo,
		issuer:    issuer,
		clock:     clock.New(),
		base:      zerolog.Nop(),
		stats:     stats.Noop{},
		handles:   make(map[string]*Handle),
		teardowns: make(map[string]chan struct{}),
		credCache: make(map[string]credential.Credential),
		rooms:     make(map[string]*roomRef),
		closing:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.base.With().Str("module", "coordinator").Logger()
	return c
}

func handleKey(roomId, userId string) string {
	return roomId + "/" + userId
}

// JoinRoom joins userId to the call of roomId. Concurrent calls for the same
// room and user share one attempt, and a call for a user who is already
// connecting or joined through the same transport returns the existing
// handle. The same user joining through another transport gets
// ErrJoinedElsewhere.
func (c *Coordinator) JoinRoom(ctx context.Context, roomId, userId string, display types.DisplayInfo, opts ...JoinOption) (*Handle, error) {
	o := joinOptions{transport: c.transport}
	for _, opt := range opts {
		opt(&o)
	}

	v, err, shared := c.joins.Do(handleKey(roomId, userId), func() (any, error) {
		return c.join(ctx, roomId, userId, display, o)
	})
	if err != nil {
		return nil, err
	}
	h := v.(*Handle)
	if h.transport != o.transport {
		return nil, ErrJoinedElsewhere
	}
	if shared {
		c.log.Debug().Str("room_id", roomId).Str("user_id", userId).Msg("join shared with a concurrent call")
	}
	return h, nil
}

func (c *Coordinator) join(ctx context.Context, roomId, userId string, display types.DisplayInfo, o joinOptions) (*Handle, error) {
	log := c.log.With().Str("room_id", roomId).Str("user_id", userId).Logger()
	c.stats.Incr(stats.JoinAttempts)

	if o.transport == nil {
		return nil, ErrNoTransport
	}

	key := handleKey(roomId, userId)
	if err := c.awaitTeardown(ctx, key); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrShutdown
	}
	existing := c.handles[key]
	c.mu.Unlock()

	if existing != nil {
		switch existing.State() {
		case session.Connecting, session.Joined:
			if existing.transport != o.transport {
				log.Info().Msg("user is already in the call through another transport")
				return nil, ErrJoinedElsewhere
			}
			log.Debug().Msg("returning existing handle")
			return existing, nil
		}
		// the previous call ended without a leave, drop it before starting over
		if c.detach(existing) {
			c.release(existing)
		}
	}

	room, err := c.repo.GetRoom(ctx, roomId)
	if errors.Is(err, store.ErrNotFound) {
		c.stats.Incr(stats.JoinFailures)
		return nil, ErrRoomNotFound
	}
	if err != nil {
		c.stats.Incr(stats.JoinFailures)
		return nil, err
	}

	member, ok := room.Members[userId]
	if !ok {
		c.stats.Incr(stats.JoinFailures)
		return nil, ErrNotMember
	}
	isOwner := room.OwnerId == userId

	cred, err := c.credentialFor(ctx, credential.Request{
		RoomId:   roomId,
		RoomName: room.Name,
		UserId:   userId,
		Display:  display,
		IsOwner:  isOwner,
	})
	if err != nil {
		c.stats.Incr(stats.JoinFailures)
		log.Error().Err(err).Msg("error issuing call credential")
		return nil, &CredentialError{Err: err}
	}

	acceptedHere := false
	if !member.Accepted {
		if err := c.repo.SetMemberAccepted(ctx, roomId, userId, true); err != nil {
			c.stats.Incr(stats.StoreWriteFailures)
			log.Warn().Err(err).Msg("error marking member accepted")
		} else {
			acceptedHere = true
		}
	}

	rec, err := c.acquireRoom(ctx, roomId)
	if err != nil {
		c.stats.Incr(stats.JoinFailures)
		if acceptedHere && !isOwner {
			c.setAccepted(roomId, userId, false)
		}
		return nil, err
	}

	if err := c.repo.PutCallRoom(ctx, types.CallRoom{
		RoomId:     roomId,
		ProviderId: cred.ProviderId,
		URL:        cred.RoomURL,
		Status:     types.CallRoomActive,
		CreatedAt:  c.clock.Now().UTC(),
	}); err != nil {
		c.stats.Incr(stats.StoreWriteFailures)
		log.Warn().Err(err).Msg("error recording call room")
	}

	sess := session.New(session.Config{
		RoomId:             roomId,
		UserId:             userId,
		Display:            display,
		TickInterval:       c.cfg.TickInterval,
		CheckpointInterval: c.cfg.CheckpointInterval,
		ConnectTimeout:     c.cfg.ConnectTimeout,
		LeaveTimeout:       c.cfg.LeaveTimeout,
	}, o.transport, c.repo, rec,
		session.WithClock(c.clock),
		session.WithLogger(c.base),
		session.WithStats(c.stats),
	)

	h := &Handle{
		RoomId:  roomId,
		UserId:  userId,
		IsOwner: isOwner,
		CallURL: cred.RoomURL,

		sess:      sess,
		transport: o.transport,
		released:  make(chan struct{}),
	}

	c.mu.Lock()
	c.handles[key] = h
	c.mu.Unlock()

	if err := sess.Start(ctx, cred.RoomURL, cred.Token); err != nil {
		c.stats.Incr(stats.JoinFailures)
		log.Warn().Err(err).Msg("error starting call session")
		if c.detach(h) {
			c.release(h)
		}
		if acceptedHere && !isOwner {
			c.setAccepted(roomId, userId, false)
		}
		return nil, err
	}

	log.Info().Bool("owner", isOwner).Msg("joined room call")
	return h, nil
}

// credentialFor returns a cached credential while it has more than a
// minute left, otherwise issues a new one. Concurrent requests for the same
// room and user share one issue call.
func (c *Coordinator) credentialFor(ctx context.Context, req credential.Request) (credential.Credential, error) {
	key := handleKey(req.RoomId, req.UserId)

	c.mu.Lock()
	cached, ok := c.credCache[key]
	c.mu.Unlock()
	if ok && cached.ValidAt(c.clock.Now(), credentialMargin) {
		return cached, nil
	}

	v, err, _ := c.creds.Do(key, func() (any, error) {
		cred, err := c.issuer.Issue(ctx, req)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.credCache[key] = cred
		c.mu.Unlock()
		return cred, nil
	})
	if err != nil {
		return credential.Credential{}, err
	}
	return v.(credential.Credential), nil
}

// LeaveRoom leaves the call gracefully. Non-owners stop being accepted
// members; the owner stays accepted.
func (c *Coordinator) LeaveRoom(ctx context.Context, h *Handle) error {
	if h == nil || !c.detach(h) {
		return ErrUnknownHandle
	}
	defer c.release(h)

	if err := h.sess.Stop(ctx); err != nil {
		c.log.Warn().Err(err).Str("room_id", h.RoomId).Str("user_id", h.UserId).Msg("error stopping call session")
		return err
	}

	if !h.IsOwner {
		if err := c.repo.SetMemberAccepted(ctx, h.RoomId, h.UserId, false); err != nil {
			c.stats.Incr(stats.StoreWriteFailures)
			c.log.Warn().Err(err).Str("room_id", h.RoomId).Str("user_id", h.UserId).Msg("error clearing accepted flag")
		}
	}

	c.log.Info().Str("room_id", h.RoomId).Str("user_id", h.UserId).Msg("left room call")
	return nil
}

// OnUnexpectedTermination handles a client that vanished without leaving.
// The accepted flag is cleared before returning; the transport is torn down
// in the background without a leave handshake.
func (c *Coordinator) OnUnexpectedTermination(h *Handle) error {
	if h == nil || !c.detach(h) {
		return ErrUnknownHandle
	}

	c.log.Info().Str("room_id", h.RoomId).Str("user_id", h.UserId).Msg("client terminated unexpectedly")
	if !h.IsOwner {
		c.setAccepted(h.RoomId, h.UserId, false)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release(h)

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := h.sess.Terminate(ctx); err != nil {
			c.log.Warn().Err(err).Str("room_id", h.RoomId).Str("user_id", h.UserId).Msg("error terminating call session")
		}
	}()
	return nil
}

func (c *Coordinator) setAccepted(roomId, userId string, accepted bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PresenceTimeout)
	defer cancel()
	if err := c.repo.SetMemberAccepted(ctx, roomId, userId, accepted); err != nil {
		c.stats.Incr(stats.StoreWriteFailures)
		c.log.Warn().Err(err).Str("room_id", roomId).Str("user_id", userId).Bool("accepted", accepted).Msg("error writing accepted flag")
	}
}

// detach unregisters h and reports whether this call did it. Joins for the
// same room and user wait until h is released.
func (c *Coordinator) detach(h *Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := handleKey(h.RoomId, h.UserId)
	if c.handles[key] != h {
		return false
	}
	delete(c.handles, key)
	c.teardowns[key] = h.released
	return true
}

// release closes the handle's session, which writes its final record, and
// drops its room reference. It must run once per detached handle.
func (c *Coordinator) release(h *Handle) {
	h.sess.Close()
	c.releaseRoom(h.RoomId)

	key := handleKey(h.RoomId, h.UserId)
	c.mu.Lock()
	if c.teardowns[key] == h.released {
		delete(c.teardowns, key)
	}
	c.mu.Unlock()
	close(h.released)
}

// awaitTeardown blocks while a previous call of the same room and user is
// still writing its final record.
func (c *Coordinator) awaitTeardown(ctx context.Context, key string) error {
	for {
		c.mu.Lock()
		released, ok := c.teardowns[key]
		c.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// acquireRoom returns the room's reconciler, starting it on first use.
// Store reads happen outside roomsMu; concurrent callers for the same room
// wait on the first one.
func (c *Coordinator) acquireRoom(ctx context.Context, roomId string) (*reconciler.Reconciler, error) {
	c.roomsMu.Lock()
	if ref, ok := c.rooms[roomId]; ok {
		ref.refs++
		c.roomsMu.Unlock()

		select {
		case <-ref.ready:
		case <-ctx.Done():
			c.unref(roomId, ref)
			return nil, ctx.Err()
		}
		if ref.err != nil {
			return nil, ref.err
		}
		return ref.rec, nil
	}

	ref := &roomRef{
		rec:   reconciler.New(roomId, c.repo, c.base, c.stats),
		refs:  1,
		ready: make(chan struct{}),
	}
	c.rooms[roomId] = ref
	closing := c.closing[roomId]
	c.roomsMu.Unlock()

	var err error
	if closing != nil {
		select {
		case <-closing:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err == nil {
		err = ref.rec.Start(ctx)
	}

	c.roomsMu.Lock()
	if err != nil {
		ref.err = err
		if c.rooms[roomId] == ref {
			delete(c.rooms, roomId)
		}
	} else {
		c.stats.Incr(stats.ActiveRooms)
	}
	c.roomsMu.Unlock()
	close(ref.ready)

	if err != nil {
		ref.rec.Close()
		return nil, err
	}
	c.log.Debug().Str("room_id", roomId).Msg("opened room")
	return ref.rec, nil
}

func (c *Coordinator) releaseRoom(roomId string) {
	c.roomsMu.Lock()
	ref, ok := c.rooms[roomId]
	c.roomsMu.Unlock()
	if ok {
		c.unref(roomId, ref)
	}
}

// unref drops one reference to ref. The last one closes the reconciler and
// ends the call room; a room reopened meanwhile waits for that to finish.
func (c *Coordinator) unref(roomId string, ref *roomRef) {
	c.roomsMu.Lock()
	if c.rooms[roomId] != ref {
		c.roomsMu.Unlock()
		return
	}
	ref.refs--
	if ref.refs > 0 {
		c.roomsMu.Unlock()
		return
	}
	delete(c.rooms, roomId)
	done := make(chan struct{})
	c.closing[roomId] = done
	c.roomsMu.Unlock()

	ref.rec.Close()
	c.stats.Decr(stats.ActiveRooms)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	if err := c.repo.EndCallRoom(ctx, roomId); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Warn().Err(err).Str("room_id", roomId).Msg("error ending call room")
	}
	cancel()

	c.roomsMu.Lock()
	if c.closing[roomId] == done {
		delete(c.closing, roomId)
	}
	c.roomsMu.Unlock()
	close(done)
	c.log.Debug().Str("room_id", roomId).Msg("closed room")
}

// Shutdown terminates every active call and waits for background
// teardown to finish.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	handles := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		if !c.detach(h) {
			continue
		}
		if err := h.sess.Terminate(ctx); err != nil {
			c.log.Warn().Err(err).Str("room_id", h.RoomId).Str("user_id", h.UserId).Msg("error terminating call session")
		}
		c.release(h)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle identifies one user's call in one room.
type Handle struct {
	RoomId  string
	UserId  string
	IsOwner bool
	CallURL string

	sess      *session.Session
	transport transport.Client
	released  chan struct{}
}

func (h *Handle) State() session.State {
	return h.sess.State()
}

func (h *Handle) Duration() uint64 {
	return h.sess.Duration()
}

// Errors delivers failures that end the call after the join succeeded.
func (h *Handle) Errors() <-chan error {
	return h.sess.Errors()
}
