package session

import (
	"context"

	"github.com/npezzotti/go-meetup/internal/stats"
)

// checkpointWriter persists the latest duration in the background. Offers
// that arrive while a write is in flight replace each other, so the writer
// always catches up to the newest value and the actor never waits on it.
type checkpointWriter struct {
	latest chan uint64
	done   chan struct{}
}

func (s *Session) newCheckpointWriter() *checkpointWriter {
	w := &checkpointWriter{
		latest: make(chan uint64, 1),
		done:   make(chan struct{}),
	}
	go s.writeCheckpoints(w)
	return w
}

func (s *Session) writeCheckpoints(w *checkpointWriter) {
	defer close(w.done)
	for d := range w.latest {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := s.recorder.CheckpointCallSession(ctx, s.cfg.RoomId, s.cfg.UserId, d)
		cancel()
		if err != nil {
			s.stats.Incr(stats.CheckpointFailures)
			s.log.Warn().Err(err).Uint64("duration_seconds", d).Msg("error writing checkpoint, retrying on next tick")
			continue
		}
		s.stats.Incr(stats.CheckpointWrites)
		if d > s.checkpointed.Load() {
			s.checkpointed.Store(d)
		}
	}
}

// offer must only be called from the actor.
func (w *checkpointWriter) offer(d uint64) {
	select {
	case <-w.latest:
	default:
	}
	w.latest <- d
}

// close waits for the write in flight so nothing lands after the final
// record.
func (w *checkpointWriter) close() {
	close(w.latest)
	<-w.done
}
