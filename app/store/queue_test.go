package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Divinical/Waymark/app/engine"
	"github.com/Divinical/Waymark/app/store/mocks"
)

// eventTrap collects queue events for assertions
type eventTrap struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventTrap) add(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventTrap) all() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := make([]Event, len(e.events))
	copy(res, e.events)
	return res
}

func (e *eventTrap) kinds() []EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := make([]EventKind, 0, len(e.events))
	for _, ev := range e.events {
		res = append(res, ev.Kind)
	}
	return res
}

func fastRepeater() Repeater {
	return repeater.New(&LinearBackoff{Repeats: 3, Delay: time.Millisecond})
}

func TestQueue_WriteSuccess(t *testing.T) {
	eng := &mocks.Engine{}
	quota := &mocks.QuotaChecker{}
	quota.On("Check", mock.Anything).Return(true, 0, 0, nil)
	eng.On("SetAll", mock.Anything, mock.Anything).Return(nil).Once()

	q := NewQueue(eng, quota, fastRepeater(), nil)
	res := q.Enqueue("sessions", json.RawMessage(`{"a":1}`))

	require.NoError(t, <-res)
	eng.AssertExpectations(t)
	quota.AssertExpectations(t)
	require.NoError(t, q.Close(context.Background()))
}

func TestQueue_Coalescing(t *testing.T) {
	eng := &mocks.Engine{}
	quota := &mocks.QuotaChecker{}
	trap := &eventTrap{}

	gate := make(chan struct{})
	// the first drained entry parks in its quota check while saves pile up
	quota.On("Check", mock.Anything).Run(func(mock.Arguments) { <-gate }).Return(true, 0, 0, nil).Once()
	quota.On("Check", mock.Anything).Return(true, 0, 0, nil)

	var mu sync.Mutex
	sessionWrites := []string{}
	eng.On("SetAll", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		vals := args.Get(1).(map[string]json.RawMessage)
		if v, ok := vals["sessions"]; ok {
			mu.Lock()
			sessionWrites = append(sessionWrites, string(v))
			mu.Unlock()
		}
	}).Return(nil)

	q := NewQueue(eng, quota, fastRepeater(), trap.add)

	blocker := q.Enqueue("other", json.RawMessage(`1`))
	time.Sleep(20 * time.Millisecond) // let the drain loop park on "other"

	results := []<-chan error{}
	for i := 0; i < 10; i++ {
		raw, err := json.Marshal(map[string]int{"rev": i})
		require.NoError(t, err)
		results = append(results, q.Enqueue("sessions", json.RawMessage(raw)))
	}
	close(gate)

	require.NoError(t, <-blocker)
	for _, res := range results {
		require.NoError(t, <-res, "every coalesced waiter observes the single write")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sessionWrites, 1, "10 rapid saves collapse into one physical write")
	assert.JSONEq(t, `{"rev":9}`, sessionWrites[0], "the last enqueued value wins")
	assert.Empty(t, trap.kinds())
}

func TestQueue_RetryThenSuccess(t *testing.T) {
	eng := &mocks.Engine{}
	quota := &mocks.QuotaChecker{}
	quota.On("Check", mock.Anything).Return(true, 0, 0, nil)
	eng.On("SetAll", mock.Anything, mock.Anything).Return(errors.New("transient")).Twice()
	eng.On("SetAll", mock.Anything, mock.Anything).Return(nil).Once()

	trap := &eventTrap{}
	q := NewQueue(eng, quota, fastRepeater(), trap.add)

	require.NoError(t, <-q.Enqueue("sessions", json.RawMessage(`1`)))
	eng.AssertNumberOfCalls(t, "SetAll", 3)
	assert.Empty(t, trap.kinds(), "recovered write is not an event")
}

func TestQueue_RetryExhausted(t *testing.T) {
	eng := &mocks.Engine{}
	quota := &mocks.QuotaChecker{}
	quota.On("Check", mock.Anything).Return(true, 0, 0, nil)
	eng.On("SetAll", mock.Anything, mock.Anything).Return(errors.New("still broken"))

	trap := &eventTrap{}
	q := NewQueue(eng, quota, fastRepeater(), trap.add)

	err := <-q.Enqueue("sessions", json.RawMessage(`1`))
	require.Error(t, err)
	eng.AssertNumberOfCalls(t, "SetAll", 3) // full retry budget spent
	assert.Equal(t, []EventKind{EventWriteFailed}, trap.kinds())
}

func TestQueue_CapacityDropsWrite(t *testing.T) {
	eng := &mocks.Engine{}
	quota := &mocks.QuotaChecker{}
	quota.On("Check", mock.Anything).Return(false, 5400000, 5242880, nil)

	trap := &eventTrap{}
	q := NewQueue(eng, quota, fastRepeater(), trap.add)

	err := <-q.Enqueue("sessions", json.RawMessage(`1`))
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrCapacity)
	eng.AssertNotCalled(t, "SetAll", mock.Anything, mock.Anything)
	require.Equal(t, []EventKind{EventCapacity}, trap.kinds())

	ev := trap.all()[0]
	assert.Equal(t, int64(5400000), ev.Used, "capacity event carries the measured usage")
	assert.Equal(t, int64(5242880), ev.Limit)
}

func TestQueue_CapacityErrorNotRetried(t *testing.T) {
	eng := &mocks.Engine{}
	quota := &mocks.QuotaChecker{}
	quota.On("Check", mock.Anything).Return(true, 0, 0, nil)
	eng.On("SetAll", mock.Anything, mock.Anything).Return(engine.ErrCapacity)

	trap := &eventTrap{}
	q := NewQueue(eng, quota, fastRepeater(), trap.add)

	err := <-q.Enqueue("sessions", json.RawMessage(`1`))
	assert.ErrorIs(t, err, engine.ErrCapacity)
	eng.AssertNumberOfCalls(t, "SetAll", 1) // capacity-class errors skip the retry budget
	assert.Equal(t, []EventKind{EventCapacity}, trap.kinds())
}

func TestQueue_QuotaCheckFailureDoesNotBlockWrite(t *testing.T) {
	eng := &mocks.Engine{}
	quota := &mocks.QuotaChecker{}
	quota.On("Check", mock.Anything).Return(false, 0, 0, errors.New("can't measure"))
	eng.On("SetAll", mock.Anything, mock.Anything).Return(nil).Once()

	q := NewQueue(eng, quota, fastRepeater(), nil)
	require.NoError(t, <-q.Enqueue("sessions", json.RawMessage(`1`)))
	eng.AssertExpectations(t)
}

func TestQueue_WriteNowSupersedesPending(t *testing.T) {
	eng := &mocks.Engine{}
	quota := &mocks.QuotaChecker{}

	gate := make(chan struct{})
	quota.On("Check", mock.Anything).Run(func(mock.Arguments) { <-gate }).Return(true, 0, 0, nil).Once()
	quota.On("Check", mock.Anything).Return(true, 0, 0, nil)

	var mu sync.Mutex
	sessionWrites := []string{}
	eng.On("SetAll", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		vals := args.Get(1).(map[string]json.RawMessage)
		if v, ok := vals["sessions"]; ok {
			mu.Lock()
			sessionWrites = append(sessionWrites, string(v))
			mu.Unlock()
		}
	}).Return(nil)

	q := NewQueue(eng, quota, fastRepeater(), nil)

	blocker := q.Enqueue("other", json.RawMessage(`1`))
	time.Sleep(20 * time.Millisecond)

	queued := q.Enqueue("sessions", json.RawMessage(`{"state":"queued"}`))
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()
	require.NoError(t, q.WriteNow(context.Background(), "sessions", json.RawMessage(`{"state":"final"}`)))

	require.NoError(t, <-blocker)
	require.NoError(t, <-queued, "superseded waiter observes the immediate write outcome")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sessionWrites, 1)
	assert.JSONEq(t, `{"state":"final"}`, sessionWrites[0], "queued stale value never written")
}

func TestQueue_CloseRejectsNewWrites(t *testing.T) {
	eng := &mocks.Engine{}
	quota := &mocks.QuotaChecker{}
	q := NewQueue(eng, quota, fastRepeater(), nil)

	require.NoError(t, q.Close(context.Background()))

	err := <-q.Enqueue("sessions", json.RawMessage(`1`))
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.Error(t, q.WriteNow(context.Background(), "sessions", json.RawMessage(`1`)))
}

func TestQueue_Pending(t *testing.T) {
	eng := &mocks.Engine{}
	quota := &mocks.QuotaChecker{}

	gate := make(chan struct{})
	quota.On("Check", mock.Anything).Run(func(mock.Arguments) { <-gate }).Return(true, 0, 0, nil).Once()
	quota.On("Check", mock.Anything).Return(true, 0, 0, nil)
	eng.On("SetAll", mock.Anything, mock.Anything).Return(nil)

	q := NewQueue(eng, quota, fastRepeater(), nil)
	blocker := q.Enqueue("other", json.RawMessage(`1`))
	time.Sleep(20 * time.Millisecond)

	res := q.Enqueue("sessions", json.RawMessage(`{"a":1}`))
	val, ok := q.Pending("sessions")
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(val))

	close(gate)
	require.NoError(t, <-blocker)
	require.NoError(t, <-res)

	_, ok = q.Pending("sessions")
	assert.False(t, ok, "applied write leaves no pending value")
}

func TestQueue_PendingReportsInFlight(t *testing.T) {
	eng := &mocks.Engine{}
	quota := &mocks.QuotaChecker{}

	gate := make(chan struct{})
	quota.On("Check", mock.Anything).Run(func(mock.Arguments) { <-gate }).Return(true, 0, 0, nil).Once()
	quota.On("Check", mock.Anything).Return(true, 0, 0, nil)
	eng.On("SetAll", mock.Anything, mock.Anything).Return(nil)

	q := NewQueue(eng, quota, fastRepeater(), nil)
	res := q.Enqueue("sessions", json.RawMessage(`{"a":1}`))
	time.Sleep(20 * time.Millisecond) // the entry is popped and parked mid-write

	val, ok := q.Pending("sessions")
	require.True(t, ok, "in-flight value stays observable until its write commits")
	assert.JSONEq(t, `{"a":1}`, string(val))

	close(gate)
	require.NoError(t, <-res)
	_, ok = q.Pending("sessions")
	assert.False(t, ok)
}

func TestQueue_WriteNowSupersedesInFlight(t *testing.T) {
	eng := &mocks.Engine{}
	quota := &mocks.QuotaChecker{}

	gate := make(chan struct{})
	quota.On("Check", mock.Anything).Run(func(mock.Arguments) { <-gate }).Return(true, 0, 0, nil).Once()
	quota.On("Check", mock.Anything).Return(true, 0, 0, nil)

	var mu sync.Mutex
	writes := []string{}
	eng.On("SetAll", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		vals := args.Get(1).(map[string]json.RawMessage)
		mu.Lock()
		writes = append(writes, string(vals["sessions"]))
		mu.Unlock()
	}).Return(nil)

	q := NewQueue(eng, quota, fastRepeater(), nil)
	queued := q.Enqueue("sessions", json.RawMessage(`{"state":"stale"}`))
	time.Sleep(20 * time.Millisecond) // drained and parked pre-write

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()
	require.NoError(t, q.WriteNow(context.Background(), "sessions", json.RawMessage(`{"state":"final"}`)))
	require.NoError(t, <-queued, "superseded in-flight waiter observes the immediate write")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, writes)
	assert.JSONEq(t, `{"state":"final"}`, writes[len(writes)-1], "immediate write lands last")
}

func TestQueue_WriteAllNowSupersedesPending(t *testing.T) {
	eng := &mocks.Engine{}
	quota := &mocks.QuotaChecker{}

	gate := make(chan struct{})
	quota.On("Check", mock.Anything).Run(func(mock.Arguments) { <-gate }).Return(true, 0, 0, nil).Once()
	quota.On("Check", mock.Anything).Return(true, 0, 0, nil)

	var mu sync.Mutex
	sessionWrites := []string{}
	eng.On("SetAll", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		vals := args.Get(1).(map[string]json.RawMessage)
		if v, ok := vals["sessions"]; ok {
			mu.Lock()
			sessionWrites = append(sessionWrites, string(v))
			mu.Unlock()
		}
	}).Return(nil)

	q := NewQueue(eng, quota, fastRepeater(), nil)
	blocker := q.Enqueue("other", json.RawMessage(`1`))
	time.Sleep(20 * time.Millisecond)

	queued := q.Enqueue("sessions", json.RawMessage(`{"state":"stale"}`))
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()
	err := q.WriteAllNow(context.Background(), map[string]json.RawMessage{
		"sessions": json.RawMessage(`{"state":"imported"}`),
		"settings": json.RawMessage(`{"quality":90}`),
	})
	require.NoError(t, err)

	require.NoError(t, <-blocker)
	require.NoError(t, <-queued, "superseded waiter observes the multi-key write")
	require.NoError(t, q.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sessionWrites, 1, "stale queued snapshot never written")
	assert.JSONEq(t, `{"state":"imported"}`, sessionWrites[0])
}

func TestLinearBackoff(t *testing.T) {
	t.Run("tick per attempt", func(t *testing.T) {
		lb := &LinearBackoff{Repeats: 3, Delay: time.Millisecond}
		count := 0
		for range lb.Start(context.Background()) {
			count++
		}
		assert.Equal(t, 3, count)
	})

	t.Run("delays grow linearly", func(t *testing.T) {
		lb := &LinearBackoff{Repeats: 3, Delay: 20 * time.Millisecond}
		st := time.Now()
		for range lb.Start(context.Background()) {
		}
		elapsed := time.Since(st)
		assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond, "waits 1x then 2x the delay")
	})

	t.Run("canceled context stops ticks", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		lb := &LinearBackoff{Repeats: 100, Delay: 10 * time.Millisecond}
		count := 0
		for range lb.Start(ctx) {
			count++
			if count == 2 {
				cancel()
			}
		}
		assert.Less(t, count, 100)
	})

	t.Run("zero repeats defaults to one attempt", func(t *testing.T) {
		lb := &LinearBackoff{}
		count := 0
		for range lb.Start(context.Background()) {
			count++
		}
		assert.Equal(t, 1, count)
	})
}
