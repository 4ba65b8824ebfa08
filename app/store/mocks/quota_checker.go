package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// QuotaChecker is a mock for store.QuotaChecker
type QuotaChecker struct {
	mock.Mock
}

// Check mock
func (m *QuotaChecker) Check(ctx context.Context) (bool, int64, int64, error) {
	args := m.Called(ctx)
	return args.Bool(0), int64(args.Int(1)), int64(args.Int(2)), args.Error(3)
}
