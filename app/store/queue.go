package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/Divinical/Waymark/app/engine"
)

//go:generate moq -out mocks/engine.go -pkg mocks -skip-ensure -fmt goimports . Engine
//go:generate moq -out mocks/quota_checker.go -pkg mocks -skip-ensure -fmt goimports . QuotaChecker
//go:generate moq -out mocks/repeater.go -pkg mocks -skip-ensure -fmt goimports . Repeater

// Engine defines the primary key-value backend operations used by the store.
type Engine interface {
	GetAll(ctx context.Context, keys []string) (map[string]json.RawMessage, error)
	SetAll(ctx context.Context, vals map[string]json.RawMessage) error
	Clear(ctx context.Context) error
}

// QuotaChecker gates physical writes. Check reports whether the write may
// proceed this cycle along with the measured usage; at capacity it runs
// eviction itself before reporting false.
type QuotaChecker interface {
	Check(ctx context.Context) (ok bool, used, limit int64, err error)
}

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) (err error)
}

// EventKind classifies queue and quota events surfaced to the caller.
type EventKind int

// queue event kinds
const (
	EventCapacity EventKind = iota // write dropped, capacity eviction triggered
	EventWriteFailed               // write failed after the full retry budget
	EventQuotaWarning              // usage crossed the warn threshold
)

func (k EventKind) String() string {
	switch k {
	case EventCapacity:
		return "capacity"
	case EventWriteFailed:
		return "write-failed"
	case EventQuotaWarning:
		return "quota-warning"
	}
	return "unknown"
}

// Event is a surfaced storage event, delivered via the queue's event callback.
type Event struct {
	Kind  EventKind
	Key   string
	Err   error
	Used  int64 // measured usage, capacity and quota warning events
	Limit int64 // configured limit, capacity and quota warning events
}

// LinearBackoff is a repeater strategy waiting attempt*Delay between tries,
// i.e. 1s then 2s for a 3-attempt budget with a 1s delay.
type LinearBackoff struct {
	Repeats int
	Delay   time.Duration
}

// Start returns a channel with a tick per allowed attempt
func (l *LinearBackoff) Start(ctx context.Context) <-chan struct{} {
	repeats := l.Repeats
	if repeats <= 0 {
		repeats = 1
	}
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		for i := 0; i < repeats; i++ {
			if i > 0 {
				select {
				case <-time.After(time.Duration(i) * l.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Queue serializes and retries writes to the primary backend, collapsing
// redundant pending values for the same key. A single drain goroutine applies
// pending entries one at a time; no two physical writes run concurrently.
type Queue struct {
	engine  Engine
	quota   QuotaChecker
	rep     Repeater
	onEvent func(Event)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex // guards pending, waiters, inflight, draining, closed
	pending  map[string]json.RawMessage
	waiters  map[string][]chan error
	inflight map[string]inflightEntry
	gen      uint64
	draining bool
	closed   bool
	wg       sync.WaitGroup

	writeMu sync.Mutex // serializes physical writes and quota checks
}

// inflightEntry is a drained value whose physical write has not committed yet.
// It stays observable through Pending and can be superseded by an immediate
// write, in which case the superseder resolves its waiters.
type inflightEntry struct {
	value   json.RawMessage
	waiters []chan error
	gen     uint64
}

// ErrQueueClosed rejects enqueues after shutdown started.
var ErrQueueClosed = errors.New("write queue closed")

// NewQueue makes a write queue over the engine. onEvent may be nil; when set
// it receives capacity and write-failure events and must not block.
func NewQueue(eng Engine, quota QuotaChecker, rep Repeater, onEvent func(Event)) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		engine:   eng,
		quota:    quota,
		rep:      rep,
		onEvent:  onEvent,
		ctx:      ctx,
		cancel:   cancel,
		pending:  map[string]json.RawMessage{},
		waiters:  map[string][]chan error{},
		inflight: map[string]inflightEntry{},
	}
}

// Enqueue schedules a write of value under key, overwriting any unresolved
// pending value for the same key. The returned channel reports the final
// outcome of the coalesced write, nil on success.
func (q *Queue) Enqueue(key string, value json.RawMessage) <-chan error {
	ch := make(chan error, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		ch <- ErrQueueClosed
		return ch
	}
	q.pending[key] = value
	q.waiters[key] = append(q.waiters[key], ch)
	if !q.draining {
		q.draining = true
		q.wg.Add(1)
		go q.drain()
	}
	q.mu.Unlock()
	return ch
}

// Pending returns the not-yet-committed value for a key, if any, preferring a
// queued value over one whose write is in flight. Used by read paths to
// observe their own queued writes.
func (q *Queue) Pending(key string) (json.RawMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if val, ok := q.pending[key]; ok {
		return val, true
	}
	if entry, ok := q.inflight[key]; ok {
		return entry.value, true
	}
	return nil, false
}

// drain applies pending entries until none remain. For each entry the quota
// is checked first: over-quota entries are dropped with a capacity event, not
// retried. Writes get the full retry budget, capacity errors short-circuit.
// An entry moves to inflight for the duration of its physical write, so it
// stays observable and an immediate write can still supersede it.
func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		var key string
		var found bool
		for k := range q.pending {
			key, found = k, true
			break
		}
		if !found {
			q.draining = false
			q.mu.Unlock()
			return
		}
		value := q.pending[key]
		waiters := q.waiters[key]
		delete(q.pending, key)
		delete(q.waiters, key)
		q.gen++
		gen := q.gen
		q.inflight[key] = inflightEntry{value: value, waiters: waiters, gen: gen}
		q.mu.Unlock()

		err := q.writeInflight(key, gen)

		q.mu.Lock()
		if entry, owned := q.inflight[key]; owned && entry.gen == gen {
			delete(q.inflight, key)
		} else {
			waiters = nil // superseded, the immediate write resolves them
		}
		q.mu.Unlock()
		for _, ch := range waiters {
			ch <- err
		}
	}
}

// writeInflight commits a drained entry unless an immediate write superseded
// it while this one waited for the writer lock.
func (q *Queue) writeInflight(key string, gen uint64) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	q.mu.Lock()
	entry, owned := q.inflight[key]
	q.mu.Unlock()
	if !owned || entry.gen != gen {
		log.Printf("[DEBUG] drained write for %q superseded, skipped", key)
		return nil
	}
	return q.writeLocked(key, entry.value)
}

// writeLocked performs one physical write with quota gating, caller holds the
// writer lock
func (q *Queue) writeLocked(key string, value json.RawMessage) error {
	ok, used, limit, err := q.quota.Check(q.ctx)
	if err != nil {
		// quota measuring is a read, its failure should not block writes
		log.Printf("[WARN] quota check failed, proceeding with write: %v", err)
	}
	if err == nil && !ok {
		log.Printf("[WARN] over quota, dropped write for %q", key)
		capErr := fmt.Errorf("write for %q dropped: %w", key, engine.ErrCapacity)
		q.emit(Event{Kind: EventCapacity, Key: key, Err: capErr, Used: used, Limit: limit})
		return capErr
	}

	werr := q.rep.Do(q.ctx, func() error {
		return q.engine.SetAll(q.ctx, map[string]json.RawMessage{key: value})
	}, engine.ErrCapacity) // capacity-class errors are not worth retrying

	if werr != nil {
		if errors.Is(werr, engine.ErrCapacity) {
			log.Printf("[WARN] capacity error writing %q: %v", key, werr)
			q.emit(Event{Kind: EventCapacity, Key: key, Err: werr, Used: used, Limit: limit})
			return werr
		}
		log.Printf("[ERROR] write for %q failed after retries: %v", key, werr)
		q.emit(Event{Kind: EventWriteFailed, Key: key, Err: werr})
		return werr
	}
	return nil
}

// supersede detaches queued and in-flight values for the key, returning their
// waiters for the caller to resolve with its own write outcome.
func (q *Queue) supersede(key string) ([]chan error, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	waiters := q.waiters[key]
	delete(q.pending, key)
	delete(q.waiters, key)
	if entry, ok := q.inflight[key]; ok {
		waiters = append(waiters, entry.waiters...)
		delete(q.inflight, key)
	}
	return waiters, nil
}

// WriteNow performs an immediate serialized write, bypassing coalescing. Any
// pending or in-flight value for the same key is superseded; its waiters
// observe this write's outcome. Used for finalization which must hit the
// backend even if saves for the same key are still queued or mid-write.
func (q *Queue) WriteNow(ctx context.Context, key string, value json.RawMessage) error {
	waiters, err := q.supersede(key)
	if err != nil {
		return err
	}

	q.writeMu.Lock()
	err = q.writeLocked(key, value)
	q.writeMu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
	return err
}

// WriteAllNow performs an immediate serialized multi-key write, superseding
// queued and in-flight values for the affected keys so no stale snapshot can
// land after it. Quota gating is bypassed, deletes and imports must commit
// even at capacity. Superseded waiters observe this write's outcome.
func (q *Queue) WriteAllNow(ctx context.Context, vals map[string]json.RawMessage) error {
	var waiters []chan error
	for key := range vals {
		ws, err := q.supersede(key)
		if err != nil {
			return err
		}
		waiters = append(waiters, ws...)
	}

	q.writeMu.Lock()
	err := q.engine.SetAll(ctx, vals)
	q.writeMu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
	if err != nil {
		return fmt.Errorf("immediate write failed: %w", err)
	}
	return nil
}

// Serialized runs fn under the queue's writer lock so direct engine mutations
// (eviction sweeps, settings writes) never race a drained write. Collection
// writes that could be overtaken by a queued snapshot belong in WriteNow or
// WriteAllNow instead.
func (q *Queue) Serialized(fn func() error) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	return fn()
}

// Close stops accepting new writes and waits for the drain loop to finish the
// remaining entries, up to ctx expiry. An in-flight backend call is never
// aborted mid-write.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		q.cancel() // give up on retry backoffs, current backend call still completes
		return fmt.Errorf("queue close interrupted: %w", ctx.Err())
	}
	q.cancel()
	return nil
}

func (q *Queue) emit(ev Event) {
	if q.onEvent != nil {
		q.onEvent(ev)
	}
}
