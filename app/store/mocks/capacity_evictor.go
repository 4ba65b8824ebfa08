package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// CapacityEvictor is a mock for store.CapacityEvictor
type CapacityEvictor struct {
	mock.Mock
}

// EvictCapacity mock
func (m *CapacityEvictor) EvictCapacity(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
