// Package session drives one user's call transport connection for one room.
//
// Every Session is an actor: transport events, clock ticks and API calls
// are all funneled into a single goroutine so state transitions never
// interleave. Duration is counted on a 1s tick and checkpointed to the
// Recorder on a slower tick by a separate writer so a slow store never
// holds up the counter.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/go-meetup/internal/clock"
	"github.com/npezzotti/go-meetup/internal/stats"
	"github.com/npezzotti/go-meetup/internal/transport"
	"github.com/npezzotti/go-meetup/internal/types"
	"github.com/rs/zerolog"
)

const (
	DefaultTickInterval       = time.Second
	DefaultCheckpointInterval = 10 * time.Second
	DefaultConnectTimeout     = 30 * time.Second
	DefaultLeaveTimeout       = 5 * time.Second

	writeTimeout = 5 * time.Second
	mailboxSize  = 16
)

type State int32

const (
	Idle State = iota
	Connecting
	Joined
	Leaving
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	case Error:
		return "error"
	}
	return "unknown"
}

type Config struct {
	RoomId             string
	UserId             string
	Display            types.DisplayInfo
	TickInterval       time.Duration
	CheckpointInterval time.Duration
	ConnectTimeout     time.Duration
	LeaveTimeout       time.Duration
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.LeaveTimeout <= 0 {
		c.LeaveTimeout = DefaultLeaveTimeout
	}
}

// Recorder persists the call session record while it is active.
type Recorder interface {
	StartCallSession(ctx context.Context, s types.CallSession) error
	CheckpointCallSession(ctx context.Context, roomId, userId string, durationSeconds uint64) error
}

// Reconciler receives the participant transitions of the session. The
// final record of the session is handed over through OnLocalUserLeft.
type Reconciler interface {
	OnParticipantJoined(ctx context.Context, p transport.Participant)
	OnParticipantLeft(ctx context.Context, p transport.Participant)
	OnLocalUserLeft(ctx context.Context, final types.CallSession) error
}

type Option func(*Session)

func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

func WithStats(st stats.StatsProvider) Option {
	return func(s *Session) { s.stats = st }
}

type Session struct {
	cfg        Config
	clock      clock.Clock
	client     transport.Client
	recorder   Recorder
	reconciler Reconciler
	log        zerolog.Logger
	stats      stats.StatsProvider

	mailbox   chan any
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	errs      chan error

	state        atomic.Int32
	duration     atomic.Uint64
	checkpointed atomic.Uint64

	// owned by run
	gen          int
	ts           transport.Session
	joinCancel   context.CancelFunc
	waiters      []chan error
	connectTimer clock.Timer
	tick         clock.Ticker
	checkpoint   clock.Ticker
	writer       *checkpointWriter
	joinedAt     time.Time
	lastErr      error
}

type startReq struct {
	url   string
	token string
	reply chan error
}

type stopReq struct {
	graceful bool
	reply    chan error
}

type resetReq struct {
	reply chan error
}

type transportEvent struct {
	gen    int
	evt    transport.Event
	closed bool
}

type joinResult struct {
	gen int
	err error
}

// New starts the actor for one (room, user) pair. It stays Idle until
// Start is called.
func New(cfg Config, client transport.Client, rec Recorder, recon Reconciler, opts ...Option) *Session {
	cfg.setDefaults()
	s := &Session{
		cfg:        cfg,
		clock:      clock.New(),
		client:     client,
		recorder:   rec,
		reconciler: recon,
		log:        zerolog.Nop(),
		stats:      stats.Noop{},
		mailbox:    make(chan any, mailboxSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		errs:       make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().
		Str("module", "session").
		Str("room_id", cfg.RoomId).
		Str("user_id", cfg.UserId).
		Logger()

	go s.run()
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Duration is the number of whole seconds counted so far in the current or
// most recent call.
func (s *Session) Duration() uint64 {
	return s.duration.Load()
}

// Errors delivers failures that end a joined call after Start has already
// returned.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Start joins the call and blocks until the outcome is known. Calling it
// again while connecting waits on the same attempt; calling it while joined
// returns nil without touching the transport. After a failure in the joined
// state Start keeps returning that failure until Reset.
func (s *Session) Start(ctx context.Context, url, token string) error {
	return s.call(ctx, func(reply chan error) any {
		return startReq{url: url, token: token, reply: reply}
	})
}

// Stop leaves the call, persists the final record and returns to Idle. It
// is safe from every state.
func (s *Session) Stop(ctx context.Context) error {
	return s.call(ctx, func(reply chan error) any {
		return stopReq{graceful: true, reply: reply}
	})
}

// Terminate is Stop without the transport leave handshake.
func (s *Session) Terminate(ctx context.Context) error {
	return s.call(ctx, func(reply chan error) any {
		return stopReq{reply: reply}
	})
}

// Reset clears a failure so Start can be attempted again.
func (s *Session) Reset(ctx context.Context) error {
	return s.call(ctx, func(reply chan error) any {
		return resetReq{reply: reply}
	})
}

// Close terminates any active call and stops the actor.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.done
}

func (s *Session) call(ctx context.Context, newReq func(chan error) any) error {
	reply := make(chan error, 1)
	select {
	case s.mailbox <- newReq(reply):
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("state transition")
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case msg := <-s.mailbox:
			s.handle(msg)
		case now := <-tickerC(s.tick):
			s.updateDuration(now)
		case now := <-tickerC(s.checkpoint):
			s.writer.offer(s.updateDuration(now))
		case <-timerC(s.connectTimer):
			s.failConnecting(&TransportError{Kind: ErrTransportConnect, Reason: reasonTimeout})
		case <-s.quit:
			s.shutdown()
			return
		}
	}
}

func (s *Session) handle(msg any) {
	switch m := msg.(type) {
	case startReq:
		s.handleStart(m)
	case stopReq:
		s.handleStop(m)
	case resetReq:
		if s.State() == Error {
			s.lastErr = nil
			s.setState(Idle)
		}
		m.reply <- nil
	case joinResult:
		if m.gen != s.gen || s.State() != Connecting || m.err == nil {
			return
		}
		s.failConnecting(classify(m.err, ErrTransportConnect))
	case transportEvent:
		if m.gen != s.gen || s.ts == nil {
			return
		}
		if m.closed {
			s.handleEvent(transport.Event{Type: transport.EventDestroyed})
			return
		}
		s.handleEvent(m.evt)
	}
}

func (s *Session) handleStart(req startReq) {
	switch s.State() {
	case Joined:
		req.reply <- nil
		return
	case Connecting:
		s.waiters = append(s.waiters, req.reply)
		return
	case Error:
		req.reply <- s.lastErr
		return
	}

	ts, err := s.client.CreateSession(transport.DefaultConfig())
	if err != nil {
		s.log.Error().Err(err).Msg("error creating transport session")
		req.reply <- &TransportError{Kind: ErrTransportConnect, Message: err.Error()}
		return
	}

	s.gen++
	s.ts = ts
	s.waiters = append(s.waiters, req.reply)
	s.setState(Connecting)
	s.log.Info().Str("transport_session_id", ts.Id()).Msg("joining call")

	gen := s.gen
	go s.forward(gen, ts.Events())

	joinCtx, cancel := context.WithCancel(context.Background())
	s.joinCancel = cancel
	go func() {
		err := ts.Join(joinCtx, req.url, req.token)
		select {
		case s.mailbox <- joinResult{gen: gen, err: err}:
		case <-s.quit:
		}
	}()

	s.connectTimer = s.clock.NewTimer(s.cfg.ConnectTimeout)
}

func (s *Session) forward(gen int, events <-chan transport.Event) {
	for evt := range events {
		select {
		case s.mailbox <- transportEvent{gen: gen, evt: evt}:
		case <-s.quit:
			return
		}
	}
	select {
	case s.mailbox <- transportEvent{gen: gen, closed: true}:
	case <-s.quit:
	}
}

func (s *Session) handleEvent(evt transport.Event) {
	state := s.State()
	switch evt.Type {
	case transport.EventJoined:
		if state == Connecting {
			s.onJoined()
		}
	case transport.EventParticipantJoined, transport.EventParticipantLeft:
		if state != Joined || evt.Participant == nil || evt.Participant.Local {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if evt.Type == transport.EventParticipantJoined {
			s.reconciler.OnParticipantJoined(ctx, *evt.Participant)
		} else {
			s.reconciler.OnParticipantLeft(ctx, *evt.Participant)
		}
	case transport.EventLeft, transport.EventDestroyed:
		switch state {
		case Connecting:
			reason := reasonLeft
			if evt.Type == transport.EventDestroyed {
				reason = reasonDestroyed
			}
			s.failConnecting(&TransportError{Kind: ErrTransportConnect, Reason: reason})
		case Joined:
			s.log.Info().Str("event", evt.Type.String()).Msg("transport ended the call")
			s.finish(false)
		}
	case transport.EventError:
		cause := evt.Err
		if cause == nil {
			cause = &transport.Error{Message: "unknown transport error"}
		}
		switch state {
		case Connecting:
			s.failConnecting(classify(cause, ErrTransportConnect))
		case Joined:
			s.failJoined(classify(cause, ErrSessionFailed))
		}
	}
}

func (s *Session) onJoined() {
	s.stopConnectTimer()
	now := s.clock.Now()
	s.joinedAt = now
	s.duration.Store(0)
	s.checkpointed.Store(0)
	s.setState(Joined)

	s.tick = s.clock.NewTicker(s.cfg.TickInterval)
	s.checkpoint = s.clock.NewTicker(s.cfg.CheckpointInterval)
	s.writer = s.newCheckpointWriter()
	s.stats.Incr(stats.ActiveSessions)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	record := types.CallSession{
		RoomId:             s.cfg.RoomId,
		UserId:             s.cfg.UserId,
		TransportSessionId: s.ts.Id(),
		JoinedAt:           now,
		IsActive:           true,
	}
	if err := s.recorder.StartCallSession(ctx, record); err != nil {
		s.stats.Incr(stats.StoreWriteFailures)
		s.log.Warn().Err(err).Msg("error writing call session start")
	}

	s.reconciler.OnParticipantJoined(ctx, transport.Participant{
		SessionId:   s.ts.Id(),
		UserId:      s.cfg.UserId,
		DisplayName: s.cfg.Display.Name,
		Local:       true,
	})

	s.log.Info().Time("joined_at", now).Msg("joined call")
	s.replyWaiters(nil)
}

// updateDuration advances the counter to now. The counter never goes
// backwards.
func (s *Session) updateDuration(now time.Time) uint64 {
	if s.joinedAt.IsZero() {
		return s.duration.Load()
	}
	elapsed := now.Sub(s.joinedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	d := uint64(elapsed / time.Second)
	if prev := s.duration.Load(); d < prev {
		d = prev
	}
	s.duration.Store(d)
	return d
}

func (s *Session) handleStop(req stopReq) {
	switch s.State() {
	case Connecting:
		s.log.Info().Msg("canceling join")
		s.setState(Leaving)
		s.abortConnecting()
		s.setState(Idle)
		s.replyWaiters(ErrCanceled)
	case Joined:
		s.finish(req.graceful)
	case Error:
		s.lastErr = nil
		s.setState(Idle)
	}
	req.reply <- nil
}

func (s *Session) failConnecting(err *TransportError) {
	if s.State() != Connecting {
		return
	}
	s.log.Warn().Err(err).Msg("error joining call")
	s.abortConnecting()
	s.setState(Idle)
	s.replyWaiters(err)
}

func (s *Session) abortConnecting() {
	s.stopConnectTimer()
	if s.joinCancel != nil {
		s.joinCancel()
		s.joinCancel = nil
	}
	s.destroyTransport()
}

func (s *Session) failJoined(err *TransportError) {
	s.log.Error().Err(err).Msg("call failed")
	s.finish(false)
	s.lastErr = err
	s.setState(Error)

	select {
	case <-s.errs:
	default:
	}
	s.errs <- err
}

// finish ends a joined call: timers stop, the checkpoint writer drains,
// and the final record goes to the reconciler before the transport is
// destroyed.
func (s *Session) finish(graceful bool) {
	s.setState(Leaving)
	now := s.clock.Now()
	s.stopTickers()
	duration := s.updateDuration(now)
	s.writer.close()
	s.writer = nil

	if graceful {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LeaveTimeout)
		if err := s.ts.Leave(ctx); err != nil {
			s.log.Warn().Err(err).Msg("error leaving call")
		}
		cancel()
	}

	leftAt := now
	final := types.CallSession{
		RoomId:                      s.cfg.RoomId,
		UserId:                      s.cfg.UserId,
		TransportSessionId:          s.ts.Id(),
		JoinedAt:                    s.joinedAt,
		LeftAt:                      &leftAt,
		IsActive:                    false,
		DurationSeconds:             duration,
		CheckpointedDurationSeconds: s.checkpointed.Load(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	if err := s.reconciler.OnLocalUserLeft(ctx, final); err != nil {
		s.stats.Incr(stats.StoreWriteFailures)
		s.log.Error().Err(err).Uint64("duration_seconds", duration).Msg("error finalizing call session")
	}
	cancel()

	if s.joinCancel != nil {
		s.joinCancel()
		s.joinCancel = nil
	}
	s.destroyTransport()
	s.joinedAt = time.Time{}
	s.stats.Decr(stats.ActiveSessions)
	s.setState(Idle)
	s.log.Info().Uint64("duration_seconds", duration).Msg("left call")
}

func (s *Session) shutdown() {
	switch s.State() {
	case Connecting:
		s.abortConnecting()
		s.setState(Idle)
		s.replyWaiters(ErrClosed)
	case Joined:
		s.finish(false)
	}
}

func (s *Session) destroyTransport() {
	if s.ts != nil {
		s.ts.Destroy()
		s.ts = nil
	}
}

func (s *Session) replyWaiters(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

func (s *Session) stopConnectTimer() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

func (s *Session) stopTickers() {
	if s.tick != nil {
		s.tick.Stop()
		s.tick = nil
	}
	if s.checkpoint != nil {
		s.checkpoint.Stop()
		s.checkpoint = nil
	}
}

func tickerC(t clock.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func timerC(t clock.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}
