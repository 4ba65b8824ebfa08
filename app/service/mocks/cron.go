package mocks

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/mock"
)

// Cron is a mock for service.Cron
type Cron struct {
	mock.Mock
}

// Start mock
func (m *Cron) Start() {
	m.Called()
}

// Stop mock
func (m *Cron) Stop() context.Context {
	args := m.Called()
	return args.Get(0).(context.Context)
}

// Schedule mock
func (m *Cron) Schedule(schedule cron.Schedule, cmd cron.Job) cron.EntryID {
	args := m.Called(schedule, cmd)
	return cron.EntryID(args.Int(0))
}
