package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/Divinical/Waymark/app/blob"
)

// Blobs is a mock for store.Blobs
type Blobs struct {
	mock.Mock
}

// Save mock
func (m *Blobs) Save(ctx context.Context, markerID, sessionKey string, payload []byte) (string, error) {
	args := m.Called(ctx, markerID, sessionKey, payload)
	return args.String(0), args.Error(1)
}

// Get mock
func (m *Blobs) Get(ctx context.Context, id string) ([]byte, bool, error) {
	args := m.Called(ctx, id)
	var res []byte
	if v := args.Get(0); v != nil {
		res = v.([]byte)
	}
	return res, args.Bool(1), args.Error(2)
}

// Delete mock
func (m *Blobs) Delete(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

// DeleteByOwner mock
func (m *Blobs) DeleteByOwner(ctx context.Context, sessionKey string) (int, error) {
	args := m.Called(ctx, sessionKey)
	return args.Int(0), args.Error(1)
}

// DeleteOlderThan mock
func (m *Blobs) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

// Stats mock
func (m *Blobs) Stats(ctx context.Context) (blob.Stats, error) {
	args := m.Called(ctx)
	var res blob.Stats
	if v := args.Get(0); v != nil {
		res = v.(blob.Stats)
	}
	return res, args.Error(1)
}
