package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-meetup/internal/clock"
	"github.com/npezzotti/go-meetup/internal/credential"
	"github.com/npezzotti/go-meetup/internal/session"
	"github.com/npezzotti/go-meetup/internal/stats"
	"github.com/npezzotti/go-meetup/internal/store"
	"github.com/npezzotti/go-meetup/internal/testutil"
	"github.com/npezzotti/go-meetup/internal/transport"
	"github.com/npezzotti/go-meetup/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type countingIssuer struct {
	mu    sync.Mutex
	clk   clock.Clock
	calls int
	err   error
	delay time.Duration
}

func (i *countingIssuer) Issue(ctx context.Context, req credential.Request) (credential.Credential, error) {
	if i.delay > 0 {
		time.Sleep(i.delay)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	if i.err != nil {
		return credential.Credential{}, i.err
	}
	return credential.Credential{
		Token:      fmt.Sprintf("tok-%d", i.calls),
		RoomURL:    "https://call.example/room-" + req.RoomId,
		ProviderId: "room-" + req.RoomId,
		ExpiresAt:  i.clk.Now().Add(time.Hour),
	}, nil
}

func (i *countingIssuer) Calls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls
}

type harness struct {
	clk    *clock.Mock
	repo   *store.RoomRepository
	client *transport.FakeClient
	issuer *countingIssuer
	coord  *Coordinator
	roomId string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewMock(testStart)
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	h := &harness{
		clk:    clk,
		repo:   store.NewRoomRepository(s, clk),
		client: transport.NewFakeClient(),
		issuer: &countingIssuer{clk: clk},
	}
	h.client.SetAutoJoin(true)
	h.coord = New(Config{}, h.repo, h.issuer,
		WithClock(clk),
		WithLogger(testutil.TestLogger(t)),
		WithDefaultTransport(h.client),
	)
	t.Cleanup(func() { h.coord.Shutdown(context.Background()) })

	room, err := h.repo.CreateRoom(context.Background(), store.CreateRoomParams{
		Name:         "drive",
		OwnerId:      "u1",
		OwnerDisplay: types.DisplayInfo{Name: "Ada"},
		Invitees:     []store.Invitee{{UserId: "u2", Display: types.DisplayInfo{Name: "Grace"}}},
	})
	require.NoError(t, err)
	h.roomId = room.Id
	return h
}

func (h *harness) member(t *testing.T, userId string) types.Member {
	t.Helper()
	m, err := h.repo.GetMember(context.Background(), h.roomId, userId)
	require.NoError(t, err)
	return m
}

func (h *harness) joinRoom(userId string) (*Handle, error) {
	return h.coord.JoinRoom(context.Background(), h.roomId, userId, types.DisplayInfo{Name: userId})
}

func TestJoinRoomConcurrentCallsShareOneJoin(t *testing.T) {
	h := newHarness(t)
	h.issuer.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	handles := make([]*Handle, 2)
	errs := make([]error, 2)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = h.joinRoom("u2")
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Same(t, handles[0], handles[1], "expected both calls to return the same handle")
	assert.Equal(t, 1, h.issuer.Calls(), "expected a single credential fetch")
	assert.Equal(t, 1, h.client.JoinCount(), "expected a single transport join")
	assert.Len(t, h.client.Sessions(), 1)

	cs, err := h.repo.GetCallSession(context.Background(), h.roomId, "u2")
	require.NoError(t, err)
	assert.True(t, cs.IsActive)
	assert.Equal(t, session.Joined, handles[0].State())
}

func TestJoinRoomWhileJoinedReturnsHandle(t *testing.T) {
	h := newHarness(t)

	first, err := h.joinRoom("u2")
	require.NoError(t, err)
	second, err := h.joinRoom("u2")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, h.client.JoinCount())
}

func TestAcceptedRoundTripNonOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.False(t, h.member(t, "u2").Accepted, "expected invitee not accepted after creation")

	handle, err := h.joinRoom("u2")
	require.NoError(t, err)
	assert.True(t, h.member(t, "u2").Accepted)
	assert.True(t, h.member(t, "u2").InCall)

	h.clk.Advance(12 * time.Second)
	require.NoError(t, h.coord.LeaveRoom(ctx, handle))

	m := h.member(t, "u2")
	assert.False(t, m.Accepted, "expected invitee not accepted after leaving")
	assert.False(t, m.InCall)
	assert.True(t, m.Invited)

	cs, err := h.repo.GetCallSession(ctx, h.roomId, "u2")
	require.NoError(t, err)
	assert.False(t, cs.IsActive)
	assert.Equal(t, uint64(12), cs.DurationSeconds)

	assert.ErrorIs(t, h.coord.LeaveRoom(ctx, handle), ErrUnknownHandle, "expected second leave to be rejected")
}

func TestAcceptedRoundTripOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.True(t, h.member(t, "u1").Accepted, "expected owner accepted after creation")

	handle, err := h.joinRoom("u1")
	require.NoError(t, err)
	assert.True(t, handle.IsOwner)
	require.NoError(t, h.coord.LeaveRoom(ctx, handle))
	assert.True(t, h.member(t, "u1").Accepted, "expected owner to stay accepted after leaving")

	handle, err = h.joinRoom("u1")
	require.NoError(t, err)
	require.NoError(t, h.coord.OnUnexpectedTermination(handle))
	assert.True(t, h.member(t, "u1").Accepted, "expected owner to stay accepted after termination")
}

func TestOnUnexpectedTermination(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.joinRoom("u2")
	require.NoError(t, err)
	h.clk.Advance(3 * time.Second)

	require.NoError(t, h.coord.OnUnexpectedTermination(handle))
	assert.False(t, h.member(t, "u2").Accepted, "expected accepted cleared before returning")

	fs := h.client.Last()
	require.Eventually(t, fs.Destroyed, waitFor, tick, "expected the transport to be torn down")
	assert.Zero(t, fs.Leaves(), "expected no leave handshake")

	require.Eventually(t, func() bool {
		cs, err := h.repo.GetCallSession(ctx, h.roomId, "u2")
		return err == nil && !cs.IsActive
	}, waitFor, tick)
	cs, err := h.repo.GetCallSession(ctx, h.roomId, "u2")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cs.DurationSeconds)

	assert.ErrorIs(t, h.coord.OnUnexpectedTermination(handle), ErrUnknownHandle)
}

func TestJoinRoomNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.JoinRoom(context.Background(), "missing", "u2", types.DisplayInfo{})
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.Zero(t, h.issuer.Calls())
}

func TestJoinRoomNotMember(t *testing.T) {
	h := newHarness(t)
	_, err := h.joinRoom("stranger")
	assert.ErrorIs(t, err, ErrNotMember)
	assert.Zero(t, h.issuer.Calls())
}

func TestJoinRoomCredentialError(t *testing.T) {
	h := newHarness(t)
	h.issuer.err = errors.New("provider down")

	_, err := h.joinRoom("u2")
	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.ErrorIs(t, err, ErrCredential)
	assert.False(t, h.member(t, "u2").Accepted, "expected accepted untouched on credential failure")
	assert.Empty(t, h.client.Sessions())
	assert.Equal(t, genericMessage, UserMessage(err))
}

func TestJoinRoomPermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.client.SetAutoJoin(false)

	res := make(chan error, 1)
	go func() {
		_, err := h.joinRoom("u2")
		res <- err
	}()

	require.Eventually(t, func() bool {
		fs := h.client.Last()
		return fs != nil && fs.Joins() == 1
	}, waitFor, tick)
	require.NoError(t, h.client.Last().Emit(transport.Event{
		Type: transport.EventError,
		Err:  &transport.Error{Reason: transport.ReasonPermission},
	}))

	var err error
	select {
	case err = <-res:
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for join to fail")
	}
	assert.ErrorIs(t, err, session.ErrPermissionDenied)
	assert.True(t, IsPermissionDenied(err))
	assert.Equal(t, permissionMessage, UserMessage(err))
	assert.False(t, h.member(t, "u2").Accepted, "expected accepted reverted after a failed join")

	h.client.SetAutoJoin(true)
	handle, err := h.joinRoom("u2")
	require.NoError(t, err, "expected a retry to succeed")
	assert.Equal(t, session.Joined, handle.State())
	assert.Equal(t, 1, h.issuer.Calls(), "expected the cached credential to be reused")
}

func TestCredentialRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.joinRoom("u2")
	require.NoError(t, err)
	require.NoError(t, h.coord.LeaveRoom(ctx, handle))

	h.clk.Advance(59*time.Minute + 30*time.Second)
	handle, err = h.joinRoom("u2")
	require.NoError(t, err)
	assert.Equal(t, 2, h.issuer.Calls(), "expected a credential close to expiry to be replaced")
	_, token := h.client.Last().Credential()
	assert.Equal(t, "tok-2", token)
	require.NoError(t, h.coord.LeaveRoom(ctx, handle))
}

func TestCallRoomLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner, err := h.joinRoom("u1")
	require.NoError(t, err)
	guest, err := h.joinRoom("u2")
	require.NoError(t, err)

	cr, err := h.repo.GetCallRoom(ctx, h.roomId)
	require.NoError(t, err)
	assert.Equal(t, types.CallRoomActive, cr.Status)
	assert.Equal(t, "https://call.example/room-"+h.roomId, cr.URL)

	require.NoError(t, h.coord.LeaveRoom(ctx, owner))
	cr, err = h.repo.GetCallRoom(ctx, h.roomId)
	require.NoError(t, err)
	assert.Equal(t, types.CallRoomActive, cr.Status, "expected call room open while a member is in call")

	require.NoError(t, h.coord.LeaveRoom(ctx, guest))
	cr, err = h.repo.GetCallRoom(ctx, h.roomId)
	require.NoError(t, err)
	assert.Equal(t, types.CallRoomEnded, cr.Status)
	assert.NotNil(t, cr.EndedAt)
}

func TestStaleHandleIsReplaced(t *testing.T) {
	h := newHarness(t)

	first, err := h.joinRoom("u2")
	require.NoError(t, err)
	require.NoError(t, h.client.Last().Emit(transport.Event{Type: transport.EventLeft}))
	require.Eventually(t, func() bool { return first.State() == session.Idle }, waitFor, tick)

	second, err := h.joinRoom("u2")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, h.client.JoinCount())
	assert.ErrorIs(t, h.coord.LeaveRoom(context.Background(), first), ErrUnknownHandle)
}

func TestSnapshotAndStreams(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snap, err := h.coord.Snapshot(ctx, h.roomId)
	require.NoError(t, err)
	require.Len(t, snap.Accepted, 1)
	assert.Equal(t, "u1", snap.Accepted[0].UserId)
	require.Len(t, snap.Invited, 1)
	assert.Equal(t, "u2", snap.Invited[0].UserId)

	_, err = h.coord.Snapshot(ctx, "missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = h.coord.InCallMembers(ctx, "missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	inCall, err := h.coord.InCallMembers(ctx, h.roomId)
	require.NoError(t, err)
	assert.Empty(t, <-inCall)

	invited, err := h.coord.InvitedMembers(ctx, h.roomId)
	require.NoError(t, err)
	assert.Len(t, <-invited, 1)

	_, err = h.joinRoom("u2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case members := <-inCall:
			return len(members) == 1 && members[0].UserId == "u2"
		default:
			return false
		}
	}, waitFor, tick, "expected u2 to show up in call")

	require.Eventually(t, func() bool {
		snap, err := h.coord.Snapshot(ctx, h.roomId)
		return err == nil && len(snap.Accepted) == 2 && len(snap.Invited) == 0
	}, waitFor, tick, "expected u2 to move from invited to accepted")
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)

	handle, err := h.joinRoom("u2")
	require.NoError(t, err)

	require.NoError(t, h.coord.Shutdown(context.Background()))
	assert.True(t, h.client.Last().Destroyed())
	assert.Equal(t, session.Idle, handle.State())

	_, err = h.joinRoom("u2")
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestJoinRoomStats(t *testing.T) {
	h := newHarness(t)
	st := &stats.MockStatsUpdater{}
	st.On("Incr", stats.JoinAttempts).Return()
	st.On("Incr", stats.JoinFailures).Return()
	h.coord.stats = st

	_, err := h.joinRoom("stranger")
	require.Error(t, err)
	st.AssertCalled(t, "Incr", stats.JoinAttempts)
	st.AssertCalled(t, "Incr", stats.JoinFailures)
}

func TestNoTransport(t *testing.T) {
	h := newHarness(t)
	c := New(Config{}, h.repo, h.issuer)
	_, err := c.JoinRoom(context.Background(), h.roomId, "u2", types.DisplayInfo{})
	assert.ErrorIs(t, err, ErrNoTransport)
}

// slowRepo delays finalize writes and holds member reads of one room until
// gate is closed.
type slowRepo struct {
	*store.RoomRepository
	finalizeDelay time.Duration
	gateRoom      string
	gate          chan struct{}
}

func (r *slowRepo) FinalizeCallSession(ctx context.Context, s types.CallSession) error {
	time.Sleep(r.finalizeDelay)
	return r.RoomRepository.FinalizeCallSession(ctx, s)
}

func (r *slowRepo) GetMembers(ctx context.Context, roomId string) (map[string]types.Member, error) {
	if roomId == r.gateRoom {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.RoomRepository.GetMembers(ctx, roomId)
}

func (h *harness) coordinatorWith(t *testing.T, repo Repository) *Coordinator {
	t.Helper()
	c := New(Config{}, repo, h.issuer,
		WithClock(h.clk),
		WithLogger(testutil.TestLogger(t)),
		WithDefaultTransport(h.client),
	)
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

func TestRejoinWaitsForPreviousFinalize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coord := h.coordinatorWith(t, &slowRepo{RoomRepository: h.repo, finalizeDelay: 100 * time.Millisecond})

	first, err := coord.JoinRoom(ctx, h.roomId, "u2", types.DisplayInfo{Name: "Grace"})
	require.NoError(t, err)
	h.clk.Advance(2 * time.Second)
	require.NoError(t, coord.OnUnexpectedTermination(first))

	second, err := coord.JoinRoom(ctx, h.roomId, "u2", types.DisplayInfo{Name: "Grace"})
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, session.Idle, first.State())
	assert.Equal(t, session.Joined, second.State())

	cs, err := h.repo.GetCallSession(ctx, h.roomId, "u2")
	require.NoError(t, err)
	assert.True(t, cs.IsActive, "expected the new session record to stay active")
	assert.Equal(t, h.client.Last().Id(), cs.TransportSessionId)
	assert.True(t, h.member(t, "u2").InCall, "expected the new call to keep in_call set")

	history, err := h.repo.CallHistory(ctx, h.roomId, "u2")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, uint64(2), history[0].DurationSeconds)
}

func TestRejoinWaitCanceled(t *testing.T) {
	h := newHarness(t)
	coord := h.coordinatorWith(t, &slowRepo{RoomRepository: h.repo, finalizeDelay: 200 * time.Millisecond})

	first, err := coord.JoinRoom(context.Background(), h.roomId, "u2", types.DisplayInfo{})
	require.NoError(t, err)
	require.NoError(t, coord.OnUnexpectedTermination(first))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = coord.JoinRoom(ctx, h.roomId, "u2", types.DisplayInfo{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSlowRoomOpenDoesNotBlockOtherRooms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	other, err := h.repo.CreateRoom(ctx, store.CreateRoomParams{
		Name:         "standup",
		OwnerId:      "u3",
		OwnerDisplay: types.DisplayInfo{Name: "Linus"},
	})
	require.NoError(t, err)

	repo := &slowRepo{RoomRepository: h.repo, gateRoom: h.roomId, gate: make(chan struct{})}
	coord := h.coordinatorWith(t, repo)

	slowJoin := make(chan error, 1)
	go func() {
		_, err := coord.JoinRoom(ctx, h.roomId, "u2", types.DisplayInfo{})
		slowJoin <- err
	}()
	require.Eventually(t, func() bool {
		coord.roomsMu.Lock()
		defer coord.roomsMu.Unlock()
		_, ok := coord.rooms[h.roomId]
		return ok
	}, waitFor, tick, "expected the slow room to be opening")

	handle, err := coord.JoinRoom(ctx, other.Id, "u3", types.DisplayInfo{})
	require.NoError(t, err, "expected another room to join while the first is opening")
	assert.Equal(t, session.Joined, handle.State())

	snap, err := coord.Snapshot(ctx, h.roomId)
	require.NoError(t, err)
	assert.Len(t, snap.Accepted, 2, "expected an opening room to be read from the store")

	close(repo.gate)
	select {
	case err := <-slowJoin:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("slow join did not finish")
	}
}

func TestJoinRoomFromAnotherTransport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.joinRoom("u2")
	require.NoError(t, err)

	otherTab := transport.NewFakeClient()
	otherTab.SetAutoJoin(true)
	_, err = h.coord.JoinRoom(ctx, h.roomId, "u2", types.DisplayInfo{}, WithTransport(otherTab))
	assert.ErrorIs(t, err, ErrJoinedElsewhere)
	assert.Zero(t, otherTab.JoinCount())
	assert.Equal(t, session.Joined, first.State(), "expected the first call to be untouched")

	require.NoError(t, h.coord.LeaveRoom(ctx, first))
	second, err := h.coord.JoinRoom(ctx, h.roomId, "u2", types.DisplayInfo{}, WithTransport(otherTab))
	require.NoError(t, err)
	assert.Equal(t, 1, otherTab.JoinCount())
	assert.Equal(t, session.Joined, second.State())
}
