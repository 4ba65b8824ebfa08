package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Divinical/Waymark/app/store"
)

// Storage is a mock for web.Storage
type Storage struct {
	mock.Mock
}

// List mock
func (m *Storage) List(ctx context.Context) []store.Session {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]store.Session)
}

// Get mock
func (m *Storage) Get(ctx context.Context, key string) (store.Session, bool) {
	args := m.Called(ctx, key)
	return args.Get(0).(store.Session), args.Bool(1)
}

// Delete mock
func (m *Storage) Delete(ctx context.Context, key string) (int, error) {
	args := m.Called(ctx, key)
	return args.Int(0), args.Error(1)
}

// Stats mock
func (m *Storage) Stats(ctx context.Context) store.Stats {
	args := m.Called(ctx)
	return args.Get(0).(store.Stats)
}

// Settings mock
func (m *Storage) Settings(ctx context.Context) store.Settings {
	args := m.Called(ctx)
	return args.Get(0).(store.Settings)
}

// SetSettings mock
func (m *Storage) SetSettings(ctx context.Context, settings store.Settings) error {
	args := m.Called(ctx, settings)
	return args.Error(0)
}

// ExportAll mock
func (m *Storage) ExportAll(ctx context.Context) (store.Export, error) {
	args := m.Called(ctx)
	return args.Get(0).(store.Export), args.Error(1)
}

// ImportAll mock
func (m *Storage) ImportAll(ctx context.Context, ex store.Export) (bool, error) {
	args := m.Called(ctx, ex)
	return args.Bool(0), args.Error(1)
}

// SweepAge mock
func (m *Storage) SweepAge(ctx context.Context) (store.SweepResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(store.SweepResult), args.Error(1)
}
