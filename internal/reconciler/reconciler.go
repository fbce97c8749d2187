// Package reconciler keeps the stored membership of a room in step with the
// participants the call transport reports.
package reconciler

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/npezzotti/go-meetup/internal/stats"
	"github.com/npezzotti/go-meetup/internal/store"
	"github.com/npezzotti/go-meetup/internal/transport"
	"github.com/npezzotti/go-meetup/internal/types"
	"github.com/rs/zerolog"
)

const readTimeout = 5 * time.Second

var ErrClosed = errors.New("reconciler closed")

type Repository interface {
	GetMembers(ctx context.Context, roomId string) (map[string]types.Member, error)
	SetMemberInCall(ctx context.Context, roomId, userId string, inCall bool) error
	FinalizeCallSession(ctx context.Context, s types.CallSession) error
	SubscribeMembers(ctx context.Context, roomId string, onChange func()) (store.Unsubscribe, error)
}

// Reconciler serves one room. It caches the room's members from the store
// subscription, writes inCall transitions for participants and defers
// participants whose member record has not arrived yet.
type Reconciler struct {
	roomId string
	repo   Repository
	log    zerolog.Logger
	stats  stats.StatsProvider

	mu          sync.Mutex
	members     map[string]types.Member
	pending     map[string]transport.Participant
	watchers    map[int]chan types.MemberSnapshot
	nextWatcher int
	closed      bool

	refresh     chan struct{}
	unsubscribe store.Unsubscribe
	quit        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

func New(roomId string, repo Repository, logger zerolog.Logger, st stats.StatsProvider) *Reconciler {
	return &Reconciler{
		roomId:   roomId,
		repo:     repo,
		log:      logger.With().Str("module", "reconciler").Str("room_id", roomId).Logger(),
		stats:    st,
		members:  make(map[string]types.Member),
		pending:  make(map[string]transport.Participant),
		watchers: make(map[int]chan types.MemberSnapshot),
		refresh:  make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start loads the current members and subscribes to changes.
func (r *Reconciler) Start(ctx context.Context) error {
	members, err := r.repo.GetMembers(ctx, r.roomId)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.members = members
	r.mu.Unlock()

	unsub, err := r.repo.SubscribeMembers(ctx, r.roomId, r.notify)
	if err != nil {
		return err
	}
	r.unsubscribe = unsub

	go r.loop()
	return nil
}

// notify coalesces change notifications into at most one pending refresh.
func (r *Reconciler) notify() {
	select {
	case r.refresh <- struct{}{}:
	default:
	}
}

func (r *Reconciler) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.refresh:
			r.reload()
		case <-r.quit:
			return
		}
	}
}

func (r *Reconciler) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	members, err := r.repo.GetMembers(ctx, r.roomId)
	if err != nil {
		r.log.Warn().Err(err).Msg("error reloading members")
		return
	}

	r.mu.Lock()
	r.members = members
	var ready []transport.Participant
	for sessionId, p := range r.pending {
		if _, ok := members[p.UserId]; ok {
			ready = append(ready, p)
			delete(r.pending, sessionId)
		}
	}
	r.broadcastLocked()
	r.mu.Unlock()

	for _, p := range ready {
		r.log.Debug().Str("user_id", p.UserId).Msg("reconciling deferred participant")
		r.setInCall(ctx, p.UserId, true)
	}
}

func (r *Reconciler) OnParticipantJoined(ctx context.Context, p transport.Participant) {
	if p.UserId == "" {
		r.log.Warn().Str("transport_session_id", p.SessionId).Msg("ignoring participant without user id")
		return
	}

	r.mu.Lock()
	_, known := r.members[p.UserId]
	if !known {
		r.pending[p.SessionId] = p
	}
	r.mu.Unlock()

	if !known {
		r.log.Debug().Str("user_id", p.UserId).Msg("participant has no member record yet, deferring")
		return
	}
	r.setInCall(ctx, p.UserId, true)
}

func (r *Reconciler) OnParticipantLeft(ctx context.Context, p transport.Participant) {
	r.mu.Lock()
	delete(r.pending, p.SessionId)
	_, known := r.members[p.UserId]
	r.mu.Unlock()

	if known {
		r.setInCall(ctx, p.UserId, false)
	}
}

// OnLocalUserLeft clears the user's inCall flag and persists the final
// session record. Only the finalize error is returned; a failed presence
// write heals on the next transition.
func (r *Reconciler) OnLocalUserLeft(ctx context.Context, final types.CallSession) error {
	r.mu.Lock()
	delete(r.pending, final.TransportSessionId)
	r.mu.Unlock()

	r.setInCall(ctx, final.UserId, false)
	return r.repo.FinalizeCallSession(ctx, final)
}

func (r *Reconciler) setInCall(ctx context.Context, userId string, inCall bool) {
	if err := r.repo.SetMemberInCall(ctx, r.roomId, userId, inCall); err != nil {
		r.stats.Incr(stats.StoreWriteFailures)
		r.log.Warn().Err(err).Str("user_id", userId).Bool("in_call", inCall).Msg("error writing in call flag")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[userId]; ok && m.InCall != inCall {
		m.InCall = inCall
		r.members[userId] = m
		r.broadcastLocked()
	}
}

// Pending is the number of participants waiting for a member record.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reconciler) Members() map[string]types.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.members)
}

func (r *Reconciler) Snapshot() types.MemberSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Project(r.roomId, r.members)
}

// Watch streams member snapshots, starting with the current one, until ctx
// is done or the reconciler closes. Slow readers only see the latest
// snapshot.
func (r *Reconciler) Watch(ctx context.Context) (<-chan types.MemberSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	id := r.nextWatcher
	r.nextWatcher++
	ch := make(chan types.MemberSnapshot, 1)
	ch <- Project(r.roomId, r.members)
	r.watchers[id] = ch

	go func() {
		select {
		case <-ctx.Done():
		case <-r.quit:
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if w, ok := r.watchers[id]; ok {
			delete(r.watchers, id)
			close(w)
		}
	}()
	return ch, nil
}

func (r *Reconciler) broadcastLocked() {
	snap := Project(r.roomId, r.members)
	for _, ch := range r.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// Close stops the subscription and ends every watch stream.
func (r *Reconciler) Close() {
	r.closeOnce.Do(func() {
		if r.unsubscribe != nil {
			r.unsubscribe()
		}
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		close(r.quit)
		if r.unsubscribe != nil {
			<-r.done
		}
	})
}
