package store

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Get(ctx context.Context, path string) (Document, error) {
	args := m.Called(ctx, path)
	if doc, ok := args.Get(0).(Document); ok {
		return doc, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) Set(ctx context.Context, path string, patch Document) error {
	args := m.Called(ctx, path, patch)
	return args.Error(0)
}
func (m *MockStore) Children(ctx context.Context, path string) ([]string, error) {
	args := m.Called(ctx, path)
	if names, ok := args.Get(0).([]string); ok {
		return names, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) Subscribe(ctx context.Context, path string, onChange func(path string)) (Unsubscribe, error) {
	args := m.Called(ctx, path, onChange)
	if unsub, ok := args.Get(0).(Unsubscribe); ok {
		return unsub, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
