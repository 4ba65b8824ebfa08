package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Divinical/Waymark/app/engine"
	"github.com/Divinical/Waymark/app/store/mocks"
)

func makeTestKV(t *testing.T) *engine.KV {
	t.Helper()
	kv, err := engine.NewKV(filepath.Join(t.TempDir(), "kv.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func seedSessions(t *testing.T, kv *engine.KV, sessions map[string]Session) {
	t.Helper()
	raw, err := encodeSessions(sessions)
	require.NoError(t, err)
	require.NoError(t, kv.SetAll(context.Background(), map[string]json.RawMessage{SessionsKey: raw}))
}

func loadTestSessions(t *testing.T, kv *engine.KV) map[string]Session {
	t.Helper()
	vals, err := kv.GetAll(context.Background(), []string{SessionsKey})
	require.NoError(t, err)
	sessions, err := decodeSessions(vals[SessionsKey])
	require.NoError(t, err)
	return sessions
}

func TestEviction_Capacity(t *testing.T) {
	kv := makeTestKV(t)
	blobs := &mocks.Blobs{}
	ctx := context.Background()
	now := time.Now()

	sessions := map[string]Session{}
	for i, key := range []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7"} {
		// s1 is the most stale, s7 the most recent
		sessions[key] = Session{Key: key, UpdatedAt: now.Add(time.Duration(i-7) * time.Hour)}
	}
	seedSessions(t, kv, sessions)

	blobs.On("DeleteByOwner", mock.Anything, "s1").Return(2, nil).Once()
	blobs.On("DeleteByOwner", mock.Anything, "s2").Return(1, nil).Once()

	ev := NewEviction(kv, blobs, 5, 0, 0)
	deleted, err := ev.EvictCapacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	left := loadTestSessions(t, kv)
	assert.Len(t, left, 5)
	assert.NotContains(t, left, "s1")
	assert.NotContains(t, left, "s2")
	assert.Contains(t, left, "s7")
	blobs.AssertExpectations(t)

	vals, err := kv.GetAll(ctx, []string{SettingsKey})
	require.NoError(t, err)
	settings, err := decodeSettings(vals[SettingsKey])
	require.NoError(t, err)
	assert.False(t, settings.LastCleanupAt.IsZero(), "sweep stamps the cleanup time")
}

func TestEviction_CapacityNothingToDelete(t *testing.T) {
	kv := makeTestKV(t)
	blobs := &mocks.Blobs{}
	now := time.Now()

	seedSessions(t, kv, map[string]Session{
		"s1": {Key: "s1", UpdatedAt: now},
		"s2": {Key: "s2", UpdatedAt: now},
	})

	ev := NewEviction(kv, blobs, 5, 0, 0)
	deleted, err := ev.EvictCapacity(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Len(t, loadTestSessions(t, kv), 2)
	blobs.AssertNotCalled(t, "DeleteByOwner", mock.Anything, mock.Anything)
}

func TestEviction_Age(t *testing.T) {
	kv := makeTestKV(t)
	blobs := &mocks.Blobs{}
	ctx := context.Background()
	now := time.Now()

	seedSessions(t, kv, map[string]Session{
		"stale":  {Key: "stale", UpdatedAt: now.Add(-91 * 24 * time.Hour)},
		"recent": {Key: "recent", UpdatedAt: now.Add(-time.Hour)},
	})

	blobs.On("DeleteOlderThan", mock.Anything, mock.Anything).Return(4, nil).Once()
	blobs.On("DeleteByOwner", mock.Anything, "stale").Return(1, nil).Once()

	ev := NewEviction(kv, blobs, 0, 0, 0)
	res, err := ev.EvictAge(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Sessions: 1, Blobs: 5}, res)

	left := loadTestSessions(t, kv)
	assert.Len(t, left, 1)
	assert.Contains(t, left, "recent")
	blobs.AssertExpectations(t)

	t.Run("idempotent within a day", func(t *testing.T) {
		res, err := ev.EvictAge(ctx)
		require.NoError(t, err)
		assert.Equal(t, SweepResult{}, res)
		blobs.AssertNumberOfCalls(t, "DeleteOlderThan", 1) // second call same day is a no-op
	})
}

func TestEviction_AgeCutoffPassedToBlobs(t *testing.T) {
	kv := makeTestKV(t)
	blobs := &mocks.Blobs{}
	now := time.Now()

	var gotCutoff time.Time
	blobs.On("DeleteOlderThan", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		gotCutoff = args.Get(1).(time.Time)
	}).Return(0, nil).Once()

	ev := NewEviction(kv, blobs, 0, 0, 0)
	_, err := ev.EvictAge(context.Background())
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(-DefaultBlobTTL), gotCutoff, time.Minute)
}

func TestEviction_AgeBlobBackendDownTolerated(t *testing.T) {
	kv := makeTestKV(t)
	blobs := &mocks.Blobs{}
	now := time.Now()

	seedSessions(t, kv, map[string]Session{
		"stale": {Key: "stale", UpdatedAt: now.Add(-100 * 24 * time.Hour)},
	})

	blobs.On("DeleteOlderThan", mock.Anything, mock.Anything).Return(0, assert.AnError)
	blobs.On("DeleteByOwner", mock.Anything, "stale").Return(0, assert.AnError)

	ev := NewEviction(kv, blobs, 0, 0, 0)
	res, err := ev.EvictAge(context.Background())
	require.NoError(t, err, "blob backend outage does not abort the sweep")
	assert.Equal(t, SweepResult{Sessions: 1, Blobs: 0}, res)
	assert.Empty(t, loadTestSessions(t, kv), "session sweep still committed")
}

func TestEviction_ReentrantNoOp(t *testing.T) {
	kv := makeTestKV(t)
	blobs := &mocks.Blobs{}
	seedSessions(t, kv, map[string]Session{
		"stale": {Key: "stale", UpdatedAt: time.Now().Add(-100 * 24 * time.Hour)},
	})

	ev := NewEviction(kv, blobs, 0, 0, 0)
	atomic.StoreInt32(&ev.busy, 1) // simulate a sweep in progress

	deleted, err := ev.EvictCapacity(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)

	res, err := ev.EvictAge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	blobs.AssertNotCalled(t, "DeleteOlderThan", mock.Anything, mock.Anything)
}
