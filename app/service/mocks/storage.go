package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Divinical/Waymark/app/store"
)

// Storage is a mock for service.Storage
type Storage struct {
	mock.Mock
}

// SweepAge mock
func (m *Storage) SweepAge(ctx context.Context) (store.SweepResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(store.SweepResult), args.Error(1)
}

// Close mock
func (m *Storage) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
