package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// WebServer is a mock for service.WebServer
type WebServer struct {
	mock.Mock
}

// Run mock
func (m *WebServer) Run(ctx context.Context, address string) error {
	args := m.Called(ctx, address)
	return args.Error(0)
}
