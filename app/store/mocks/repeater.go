package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// Repeater is a mock for store.Repeater
type Repeater struct {
	mock.Mock
}

// Do mock, calls fun once and returns its error unless expectations override
func (m *Repeater) Do(ctx context.Context, fun func() error, errs ...error) error {
	args := m.Called(ctx, fun, errs)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	return fun()
}
