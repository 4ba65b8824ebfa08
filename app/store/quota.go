package store

import (
	"context"
	"fmt"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/disk"
)

// quota defaults, matching the reference capacity of the primary backend
const (
	DefaultQuotaLimit = 5 * 1024 * 1024 // 5MiB
	DefaultWarnPct    = 0.8
)

//go:generate moq -out mocks/capacity_evictor.go -pkg mocks -skip-ensure -fmt goimports . CapacityEvictor

// CapacityEvictor runs a capacity eviction sweep, returns deleted sessions count.
type CapacityEvictor interface {
	EvictCapacity(ctx context.Context) (int, error)
}

// QuotaMonitor measures aggregate serialized size of the primary backend
// against a fixed limit and triggers capacity eviction when it is reached.
type QuotaMonitor struct {
	engine   Engine
	evictor  CapacityEvictor
	limit    int64
	warnPct  float64
	diskPath string // when set, free space at this path is checked too
	diskMin  int64  // min free bytes, 0 disables the disk check
	onWarn   func(used, limit int64)
}

// NewQuotaMonitor makes a monitor with the given limit (0 for the 5MiB
// default) and warn threshold fraction (0 for the 80% default). onWarn may be
// nil; it fires when usage is in the warn band.
func NewQuotaMonitor(eng Engine, evictor CapacityEvictor, limit int64, warnPct float64, onWarn func(used, limit int64)) *QuotaMonitor {
	if limit <= 0 {
		limit = DefaultQuotaLimit
	}
	if warnPct <= 0 || warnPct >= 1 {
		warnPct = DefaultWarnPct
	}
	return &QuotaMonitor{engine: eng, evictor: evictor, limit: limit, warnPct: warnPct, onWarn: onWarn}
}

// WithDiskCheck enables a free-space floor check at path, treating low disk
// as a capacity condition.
func (q *QuotaMonitor) WithDiskCheck(path string, minFree int64) *QuotaMonitor {
	q.diskPath, q.diskMin = path, minFree
	return q
}

// Usage computes the serialized size of the entire primary backend.
func (q *QuotaMonitor) Usage(ctx context.Context) (int64, error) {
	all, err := q.engine.GetAll(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to measure usage: %w", err)
	}
	var size int64
	for key, val := range all {
		size += int64(len(key) + len(val))
	}
	return size, nil
}

// Check reports whether a write may proceed this cycle along with the
// measured usage and the configured limit. At or above the limit it runs
// capacity eviction synchronously and reports false; in the warn band it
// reports true and fires the warning callback. Callers must hold the writer
// lock, eviction mutates the backend directly.
func (q *QuotaMonitor) Check(ctx context.Context) (ok bool, used, limit int64, err error) {
	used, err = q.Usage(ctx)
	if err != nil {
		return true, 0, q.limit, err
	}

	if q.diskMin > 0 && q.diskPath != "" {
		if du, derr := disk.Usage(q.diskPath); derr != nil {
			log.Printf("[WARN] failed to get disk usage for %s: %v", q.diskPath, derr)
		} else if int64(du.Free) < q.diskMin {
			log.Printf("[WARN] low disk at %s, %d bytes free, floor %d", q.diskPath, du.Free, q.diskMin)
			q.runEviction(ctx)
			return false, used, q.limit, nil
		}
	}

	if used >= q.limit {
		log.Printf("[WARN] storage at %d of %d bytes, running capacity eviction", used, q.limit)
		q.runEviction(ctx)
		return false, used, q.limit, nil
	}

	if float64(used) >= float64(q.limit)*q.warnPct {
		log.Printf("[WARN] storage at %d of %d bytes, %.0f%% warn threshold crossed", used, q.limit, q.warnPct*100)
		if q.onWarn != nil {
			q.onWarn(used, q.limit)
		}
	}
	return true, used, q.limit, nil
}

func (q *QuotaMonitor) runEviction(ctx context.Context) {
	deleted, err := q.evictor.EvictCapacity(ctx)
	if err != nil {
		log.Printf("[ERROR] capacity eviction failed: %v", err)
		return
	}
	log.Printf("[INFO] capacity eviction removed %d sessions", deleted)
}
