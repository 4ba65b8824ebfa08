// Package service provides the top level waymark runner. Combines the session
// store, cleanup scheduler, notifications and the api server together.
package service

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"

	"github.com/Divinical/Waymark/app/store"
)

//go:generate moq -out mocks/cron.go -pkg mocks -skip-ensure -fmt goimports . Cron
//go:generate moq -out mocks/storage.go -pkg mocks -skip-ensure -fmt goimports . Storage
//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports . Notifier
//go:generate moq -out mocks/web_server.go -pkg mocks -skip-ensure -fmt goimports . WebServer

// Service is the top-level runner wiring the store, cron-driven age sweeps,
// event notifications and the optional api server. Do is the blocking entry
// point.
type Service struct {
	Cron
	Store           Storage
	Notifier        Notifier // nil disables notifications
	Web             WebServer
	WebAddress      string
	Events          <-chan store.Event
	CleanupSchedule string // cron spec for the age sweep, default @daily
	NotifyTimeout   time.Duration
	HostName        string
}

// Cron interface defines basic robfig/cron methods used by service
type Cron interface {
	Start()
	Stop() context.Context
	Schedule(schedule cron.Schedule, cmd cron.Job) cron.EntryID
}

// Storage defines the store operations driven by the service
type Storage interface {
	SweepAge(ctx context.Context) (store.SweepResult, error)
	Close(ctx context.Context) error
}

// Notifier interface defines notification delivery for storage events
type Notifier interface {
	Send(ctx context.Context, subj, text string) error
	IsOnCapacity() bool
	IsOnWriteFailed() bool
	IsOnQuotaWarning() bool
	MakeCapacityHTML(key string, used, limit int64) (string, error)
	MakeWriteFailedHTML(key, errorLog string) (string, error)
	MakeQuotaWarningHTML(used, limit int64) (string, error)
}

// WebServer runs the json api, blocking until ctx cancellation
type WebServer interface {
	Run(ctx context.Context, address string) error
}

// Do runs the blocking service loop: schedules the daily sweep, fans out
// storage events to the notifier and serves the api until ctx cancellation.
func (s *Service) Do(ctx context.Context) {
	if s.NotifyTimeout <= 0 {
		s.NotifyTimeout = 30 * time.Second
	}
	if s.CleanupSchedule == "" {
		s.CleanupSchedule = "@daily"
	}

	if err := s.scheduleCleanup(ctx); err != nil {
		log.Printf("[WARN] can't schedule cleanup, %v", err)
		return
	}

	// catch-up sweep for the downtime window, no-op if already done today
	s.sweep(ctx)

	if s.Events != nil {
		go s.listenForEvents(ctx)
	}

	if s.Web != nil {
		go func() {
			if err := s.Web.Run(ctx, s.WebAddress); err != nil {
				log.Printf("[WARN] api server terminated, %v", err)
			}
		}()
	}

	s.Start()
	<-ctx.Done()
	log.Print("[DEBUG] terminate")
	<-s.Stop().Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Store.Close(closeCtx); err != nil {
		log.Printf("[WARN] failed to drain store on shutdown, %v", err)
	}
}

// scheduleCleanup adds the age sweep to cron
func (s *Service) scheduleCleanup(ctx context.Context) error {
	sched, err := cron.ParseStandard(s.CleanupSchedule)
	if err != nil {
		return fmt.Errorf("can't parse %s: %w", s.CleanupSchedule, err)
	}
	id := s.Schedule(sched, cron.FuncJob(func() { s.sweep(ctx) }))
	log.Printf("[INFO] cleanup scheduled %q, first: %s (%v)",
		s.CleanupSchedule, sched.Next(time.Now()).Format(time.RFC3339), id)
	return nil
}

// sweep runs a single age sweep and logs the outcome
func (s *Service) sweep(ctx context.Context) {
	res, err := s.Store.SweepAge(ctx)
	if err != nil {
		log.Printf("[WARN] cleanup failed, %v", err)
		return
	}
	if res.Sessions > 0 || res.Blobs > 0 {
		log.Printf("[INFO] cleanup removed %d sessions and %d screenshots", res.Sessions, res.Blobs)
	}
}

// listenForEvents fans storage events out to the notifier until the channel
// closes or ctx cancels
func (s *Service) listenForEvents(ctx context.Context) {
	for {
		select {
		case ev, ok := <-s.Events:
			if !ok {
				return
			}
			s.notify(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// notify renders and delivers a single event, respecting per-kind toggles
func (s *Service) notify(ctx context.Context, ev store.Event) {
	if s.Notifier == nil {
		return
	}

	var subj, text string
	var err error
	switch ev.Kind {
	case store.EventCapacity:
		if !s.Notifier.IsOnCapacity() {
			return
		}
		subj = fmt.Sprintf("waymark: write dropped over quota on %s", s.HostName)
		text, err = s.Notifier.MakeCapacityHTML(ev.Key, ev.Used, ev.Limit)
	case store.EventWriteFailed:
		if !s.Notifier.IsOnWriteFailed() {
			return
		}
		subj = fmt.Sprintf("waymark: write failed on %s", s.HostName)
		errLog := ""
		if ev.Err != nil {
			errLog = ev.Err.Error()
		}
		text, err = s.Notifier.MakeWriteFailedHTML(ev.Key, errLog)
	case store.EventQuotaWarning:
		if !s.Notifier.IsOnQuotaWarning() {
			return
		}
		subj = fmt.Sprintf("waymark: storage almost full on %s", s.HostName)
		text, err = s.Notifier.MakeQuotaWarningHTML(ev.Used, ev.Limit)
	default:
		return
	}

	if err != nil {
		log.Printf("[WARN] can't make notification for %s event, %v", ev.Kind, err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.NotifyTimeout)
	defer cancel()
	if err := s.Notifier.Send(sendCtx, subj, text); err != nil {
		log.Printf("[WARN] failed to send notification for %s event, %v", ev.Kind, err)
	}
}
