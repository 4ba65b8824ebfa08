package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Divinical/Waymark/app/blob"
)

// BlobStats is a mock for web.BlobStats
type BlobStats struct {
	mock.Mock
}

// Stats mock
func (m *BlobStats) Stats(ctx context.Context) (blob.Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(blob.Stats), args.Error(1)
}
