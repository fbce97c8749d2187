package coordinator

import (
	"context"
	"errors"

	"github.com/npezzotti/go-meetup/internal/reconciler"
	"github.com/npezzotti/go-meetup/internal/store"
	"github.com/npezzotti/go-meetup/internal/types"
)

// Snapshot returns the member projections of a room. Rooms with an active
// call are served from their reconciler, others are read from the store.
func (c *Coordinator) Snapshot(ctx context.Context, roomId string) (types.MemberSnapshot, error) {
	c.roomsMu.Lock()
	ref, ok := c.rooms[roomId]
	c.roomsMu.Unlock()
	if ok {
		select {
		case <-ref.ready:
			if ref.err == nil {
				return ref.rec.Snapshot(), nil
			}
		default:
		}
	}

	room, err := c.repo.GetRoom(ctx, roomId)
	if errors.Is(err, store.ErrNotFound) {
		return types.MemberSnapshot{}, ErrRoomNotFound
	}
	if err != nil {
		return types.MemberSnapshot{}, err
	}
	return reconciler.Project(roomId, room.Members), nil
}

// WatchMembers streams member snapshots of a room until ctx is done. The
// room stays open for as long as the stream is read.
func (c *Coordinator) WatchMembers(ctx context.Context, roomId string) (<-chan types.MemberSnapshot, error) {
	if _, err := c.repo.GetRoom(ctx, roomId); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	rec, err := c.acquireRoom(ctx, roomId)
	if err != nil {
		return nil, err
	}

	snaps, err := rec.Watch(ctx)
	if err != nil {
		c.releaseRoom(roomId)
		return nil, err
	}

	go func() {
		<-ctx.Done()
		c.releaseRoom(roomId)
	}()
	return snaps, nil
}

func (c *Coordinator) InvitedMembers(ctx context.Context, roomId string) (<-chan []types.Member, error) {
	return c.watchProjection(ctx, roomId, func(s types.MemberSnapshot) []types.Member { return s.Invited })
}

func (c *Coordinator) AcceptedMembers(ctx context.Context, roomId string) (<-chan []types.Member, error) {
	return c.watchProjection(ctx, roomId, func(s types.MemberSnapshot) []types.Member { return s.Accepted })
}

func (c *Coordinator) InCallMembers(ctx context.Context, roomId string) (<-chan []types.Member, error) {
	return c.watchProjection(ctx, roomId, func(s types.MemberSnapshot) []types.Member { return s.InCall })
}

func (c *Coordinator) watchProjection(ctx context.Context, roomId string, pick func(types.MemberSnapshot) []types.Member) (<-chan []types.Member, error) {
	snaps, err := c.WatchMembers(ctx, roomId)
	if err != nil {
		return nil, err
	}

	out := make(chan []types.Member)
	go func() {
		defer close(out)
		for snap := range snaps {
			select {
			case out <- pick(snap):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
