package database

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/go-meetup/internal/types"
)

var ErrActiveSession = errors.New("cannot archive an active call session")

func (db *PgCallHistoryRepository) CreateCallRecord(ctx context.Context, s types.CallSession) error {
	if s.IsActive {
		return ErrActiveSession
	}

	leftAt := time.Now().UTC()
	if s.LeftAt != nil {
		leftAt = s.LeftAt.UTC()
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO call_records (room_id, user_id, transport_session_id, joined_at, left_at, duration_seconds, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7)",
		s.RoomId,
		s.UserId,
		s.TransportSessionId,
		s.JoinedAt.UTC(),
		leftAt,
		int64(s.DurationSeconds),
		time.Now().UTC(),
	)
	return err
}

// ListCallRecords returns the newest records of a room first. An empty
// userId lists every member.
func (db *PgCallHistoryRepository) ListCallRecords(ctx context.Context, roomId, userId string, limit int) ([]CallRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, room_id, user_id, transport_session_id, joined_at, left_at, duration_seconds, created_at "+
			"FROM call_records WHERE room_id = $1 AND ($2 = '' OR user_id = $2) "+
			"ORDER BY left_at DESC LIMIT $3",
		roomId,
		userId,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []CallRecord
	for rows.Next() {
		var (
			r        CallRecord
			duration int64
		)
		if err := rows.Scan(
			&r.Id,
			&r.RoomId,
			&r.UserId,
			&r.TransportSessionId,
			&r.JoinedAt,
			&r.LeftAt,
			&duration,
			&r.CreatedAt,
		); err != nil {
			return nil, err
		}
		r.DurationSeconds = uint64(duration)
		records = append(records, r)
	}

	return records, rows.Err()
}
