package database

import (
	"context"

	"github.com/npezzotti/go-meetup/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockCallHistoryRepository struct {
	mock.Mock
}

func (m *MockCallHistoryRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockCallHistoryRepository) CreateCallRecord(ctx context.Context, s types.CallSession) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockCallHistoryRepository) ListCallRecords(ctx context.Context, roomId, userId string, limit int) ([]CallRecord, error) {
	args := m.Called(ctx, roomId, userId, limit)
	if records, ok := args.Get(0).([]CallRecord); ok {
		return records, args.Error(1)
	}
	return nil, args.Error(1)
}
