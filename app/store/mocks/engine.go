// Package mocks provides testify mocks for store interfaces.
package mocks

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"
)

// Engine is a mock for store.Engine
type Engine struct {
	mock.Mock
}

// GetAll mock
func (m *Engine) GetAll(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	args := m.Called(ctx, keys)
	var res map[string]json.RawMessage
	if v := args.Get(0); v != nil {
		res = v.(map[string]json.RawMessage)
	}
	return res, args.Error(1)
}

// SetAll mock
func (m *Engine) SetAll(ctx context.Context, vals map[string]json.RawMessage) error {
	args := m.Called(ctx, vals)
	return args.Error(0)
}

// Clear mock
func (m *Engine) Clear(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
