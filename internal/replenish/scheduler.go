package replenish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrCycleInProgress is returned when a trigger overlaps a running cycle
var ErrCycleInProgress = errors.New("replenishment cycle already in progress")

const (
	DefaultInterval     = 300 * time.Second
	DefaultErrorBackoff = 60 * time.Second
	DefaultDebounce     = 2 * time.Second
)

// Cycler runs one replenishment cycle
type Cycler interface {
	RunCycle(ctx context.Context, target, min int) *Report
}

// SchedulerOptions configures a Scheduler
type SchedulerOptions struct {
	Target       int
	Min          int
	Interval     time.Duration
	ErrorBackoff time.Duration
	// WatchDirs trigger an early cycle when credential files land in them
	WatchDirs []string
	Debounce  time.Duration
	Logger    *slog.Logger
}

// Scheduler serializes cycles from the periodic loop, the pool watcher and
// manual triggers
type Scheduler struct {
	cycler Cycler
	opts   SchedulerOptions
	logger *slog.Logger

	run sync.Mutex

	mu   sync.RWMutex
	last *Report
}

// NewScheduler creates a scheduler
func NewScheduler(cycler Cycler, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cycler: cycler, opts: opts, logger: logger}
}

// Trigger runs one cycle now unless one is already running
func (s *Scheduler) Trigger(ctx context.Context) (*Report, error) {
	if !s.run.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer s.run.Unlock()

	report := s.cycler.RunCycle(ctx, s.opts.Target, s.opts.Min)

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report, nil
}

// Last returns the most recent cycle report, or nil
func (s *Scheduler) Last() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run loops until ctx is cancelled. A failed cycle is followed by the error
// backoff instead of the regular interval.
func (s *Scheduler) Run(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if len(s.opts.WatchDirs) > 0 {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create pool watcher: %w", err)
		}
		defer w.Close()
		for _, dir := range s.opts.WatchDirs {
			if err := w.Add(dir); err != nil {
				return fmt.Errorf("watch %s: %w", dir, err)
			}
		}
		events, watchErrs = w.Events, w.Errors
		s.logger.Info("watching pools for new files", "dirs", s.opts.WatchDirs)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			timer.Reset(s.runOnce(ctx))
		case <-debounce:
			debounce = nil
			s.logger.Info("new credential files detected, running early cycle")
			timer.Reset(s.runOnce(ctx))
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if isArrival(ev) && debounce == nil {
				debounce = time.After(s.opts.Debounce)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			s.logger.Warn("pool watcher error", "error", err)
		}
	}
}

// runOnce runs a cycle and returns the wait before the next one
func (s *Scheduler) runOnce(ctx context.Context) time.Duration {
	report, err := s.Trigger(ctx)
	if errors.Is(err, ErrCycleInProgress) {
		s.logger.Debug("skipping scheduled cycle, another is running")
		return s.opts.Interval
	}
	if report.Error != "" {
		s.logger.Warn("cycle failed, backing off", "backoff", s.opts.ErrorBackoff)
		return s.opts.ErrorBackoff
	}
	return s.opts.Interval
}

// isArrival reports whether ev is a credential file landing in a pool. A move
// into a watched dir shows up as Create; Rename fires on the old name when a
// file leaves, so it is not an arrival.
func isArrival(ev fsnotify.Event) bool {
	if filepath.Ext(ev.Name) != ".json" {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)
}
