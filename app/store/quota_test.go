package store

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Divinical/Waymark/app/store/mocks"
)

func kvOfSize(key string, size int) map[string]json.RawMessage {
	val := `"` + strings.Repeat("x", size-len(key)-2) + `"`
	return map[string]json.RawMessage{key: json.RawMessage(val)}
}

func TestQuotaMonitor_UnderLimit(t *testing.T) {
	eng := &mocks.Engine{}
	evictor := &mocks.CapacityEvictor{}
	eng.On("GetAll", mock.Anything, mock.Anything).Return(kvOfSize("sessions", 100), nil)

	q := NewQuotaMonitor(eng, evictor, 1000, 0.8, nil)
	ok, used, limit, err := q.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(100), used)
	assert.Equal(t, int64(1000), limit)
	evictor.AssertNotCalled(t, "EvictCapacity", mock.Anything)
}

func TestQuotaMonitor_WarnBand(t *testing.T) {
	eng := &mocks.Engine{}
	evictor := &mocks.CapacityEvictor{}
	eng.On("GetAll", mock.Anything, mock.Anything).Return(kvOfSize("sessions", 850), nil)

	var warnedUsed, warnedLimit int64
	q := NewQuotaMonitor(eng, evictor, 1000, 0.8, func(used, limit int64) {
		warnedUsed, warnedLimit = used, limit
	})

	ok, _, _, err := q.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "warn band still allows the write")
	assert.Equal(t, int64(850), warnedUsed)
	assert.Equal(t, int64(1000), warnedLimit)
	evictor.AssertNotCalled(t, "EvictCapacity", mock.Anything)
}

func TestQuotaMonitor_AtLimitEvicts(t *testing.T) {
	eng := &mocks.Engine{}
	evictor := &mocks.CapacityEvictor{}
	eng.On("GetAll", mock.Anything, mock.Anything).Return(kvOfSize("sessions", 1200), nil)
	evictor.On("EvictCapacity", mock.Anything).Return(3, nil).Once()

	q := NewQuotaMonitor(eng, evictor, 1000, 0.8, nil)
	ok, used, limit, err := q.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "write must not proceed this cycle")
	assert.Equal(t, int64(1200), used, "measured usage reported for notifications")
	assert.Equal(t, int64(1000), limit)
	evictor.AssertExpectations(t)
}

func TestQuotaMonitor_EvictionFailureStillBlocksWrite(t *testing.T) {
	eng := &mocks.Engine{}
	evictor := &mocks.CapacityEvictor{}
	eng.On("GetAll", mock.Anything, mock.Anything).Return(kvOfSize("sessions", 1200), nil)
	evictor.On("EvictCapacity", mock.Anything).Return(0, assert.AnError)

	q := NewQuotaMonitor(eng, evictor, 1000, 0.8, nil)
	ok, _, _, err := q.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuotaMonitor_MeasureFailure(t *testing.T) {
	eng := &mocks.Engine{}
	evictor := &mocks.CapacityEvictor{}
	eng.On("GetAll", mock.Anything, mock.Anything).Return(nil, assert.AnError)

	q := NewQuotaMonitor(eng, evictor, 1000, 0.8, nil)
	ok, _, _, err := q.Check(context.Background())
	require.Error(t, err)
	assert.True(t, ok, "measurement failure reported to caller, not treated as over-quota")
}

func TestQuotaMonitor_Defaults(t *testing.T) {
	eng := &mocks.Engine{}
	q := NewQuotaMonitor(eng, &mocks.CapacityEvictor{}, 0, 0, nil)
	assert.Equal(t, int64(DefaultQuotaLimit), q.limit)
	assert.InDelta(t, DefaultWarnPct, q.warnPct, 0.001)
}

func TestQuotaMonitor_Usage(t *testing.T) {
	eng := &mocks.Engine{}
	eng.On("GetAll", mock.Anything, mock.Anything).Return(map[string]json.RawMessage{
		"sessions": json.RawMessage(`{"a":1}`),
		"settings": json.RawMessage(`{}`),
	}, nil)

	q := NewQuotaMonitor(eng, &mocks.CapacityEvictor{}, 1000, 0.8, nil)
	used, err := q.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len("sessions")+len(`{"a":1}`)+len("settings")+len(`{}`)), used)
}
