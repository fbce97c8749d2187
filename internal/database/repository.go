package database

import (
	"context"

	"github.com/npezzotti/go-meetup/internal/types"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

type CallHistoryRepository interface {
	Ping(ctx context.Context) error
	CreateCallRecord(ctx context.Context, s types.CallSession) error
	ListCallRecords(ctx context.Context, roomId, userId string, limit int) ([]CallRecord, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
