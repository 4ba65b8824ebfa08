package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// Notifier is a mock for service.Notifier
type Notifier struct {
	mock.Mock
}

// Send mock
func (m *Notifier) Send(ctx context.Context, subj, text string) error {
	args := m.Called(ctx, subj, text)
	return args.Error(0)
}

// IsOnCapacity mock
func (m *Notifier) IsOnCapacity() bool {
	args := m.Called()
	return args.Bool(0)
}

// IsOnWriteFailed mock
func (m *Notifier) IsOnWriteFailed() bool {
	args := m.Called()
	return args.Bool(0)
}

// IsOnQuotaWarning mock
func (m *Notifier) IsOnQuotaWarning() bool {
	args := m.Called()
	return args.Bool(0)
}

// MakeCapacityHTML mock
func (m *Notifier) MakeCapacityHTML(key string, used, limit int64) (string, error) {
	args := m.Called(key, used, limit)
	return args.String(0), args.Error(1)
}

// MakeWriteFailedHTML mock
func (m *Notifier) MakeWriteFailedHTML(key, errorLog string) (string, error) {
	args := m.Called(key, errorLog)
	return args.String(0), args.Error(1)
}

// MakeQuotaWarningHTML mock
func (m *Notifier) MakeQuotaWarningHTML(used, limit int64) (string, error) {
	args := m.Called(used, limit)
	return args.String(0), args.Error(1)
}
