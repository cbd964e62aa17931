// Package reconcile maps the routing service's channel list onto the local
// status store and moves the files of disabled channels to their pending
// pools.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"poolkeeper/internal/account"
	"poolkeeper/internal/channel"
	"poolkeeper/internal/metrics"
	"poolkeeper/internal/pool"
)

// StatusStore persists reconciled account state
type StatusStore interface {
	ApplyObservation(ctx context.Context, obs account.Observation) (account.Transition, error)
	UpdateFilePath(ctx context.Context, name, path string) error
}

// Relocator moves account files between pools
type Relocator interface {
	Exists(p pool.Pool, name string) bool
	Relocate(name string, from, to pool.Pool, newName string) (string, error)
}

// Relocation records one file moved because its channel was disabled
type Relocation struct {
	Name string    `json:"account_name"`
	From pool.Pool `json:"from"`
	To   pool.Pool `json:"to"`
}

// Result summarizes one reconciliation pass
type Result struct {
	ActiveCount     int                  `json:"active_count"`
	InactiveCount   int                  `json:"inactive_count"`
	Transitions     []account.Transition `json:"transitions"`
	Relocations     []Relocation         `json:"relocations"`
	Misses          int                  `json:"relocation_misses"`
	PersistFailures int                  `json:"persist_failures"`
}

// Engine reconciles channel reports against the status store
type Engine struct {
	store  StatusStore
	pools  Relocator
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a reconciliation engine
func NewEngine(store StatusStore, pools Relocator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, pools: pools, logger: logger, now: time.Now}
}

// IsActivatedName reports whether a channel name carries the activation marker
func IsActivatedName(name string) bool {
	return strings.Contains(name, "-"+pool.ActivatedMarker)
}

// Reconcile applies every channel record in order. Store failures are logged
// and counted; they never stop the pass and never block relocation.
func (e *Engine) Reconcile(ctx context.Context, channels []channel.Channel) Result {
	named := make([]channel.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.Name != "" {
			named = append(named, ch)
		}
	}

	res := Result{ActiveCount: channel.CountActive(named)}
	res.InactiveCount = len(named) - res.ActiveCount
	at := e.now()

	for _, ch := range named {
		obs := account.Observation{
			Name:        ch.Name,
			Status:      account.StatusFromCode(ch.Status),
			UsedQuota:   ch.UsedQuota,
			IsActivated: IsActivatedName(ch.Name),
			At:          at,
		}
		tr, err := e.store.ApplyObservation(ctx, obs)
		if err != nil {
			res.PersistFailures++
			metrics.PersistFailuresTotal.Inc()
			e.logger.Error("failed to persist account status", "account", ch.Name, "error", err)
		} else if tr.Changed {
			res.Transitions = append(res.Transitions, tr)
			metrics.TransitionsTotal.WithLabelValues(string(tr.NewStatus)).Inc()
			e.logger.Info("account status changed", "account", ch.Name,
				"old", tr.OldStatus, "new", tr.NewStatus, "used_quota", ch.UsedQuota)
		}

		if obs.Status == account.StatusDisabled {
			if rel, ok := e.relocate(ctx, obs); ok {
				res.Relocations = append(res.Relocations, rel)
			} else {
				res.Misses++
			}
		}
	}

	if res.Misses > 0 {
		e.logger.Debug("disabled channels without a file to relocate", "count", res.Misses)
	}
	return res
}

// relocate moves a disabled account's file. Activated accounts go to
// exhausted_100, others from uploaded to exhausted_300.
func (e *Engine) relocate(ctx context.Context, obs account.Observation) (Relocation, bool) {
	target := pool.Exhausted300
	sources := []pool.Pool{pool.Uploaded}
	if obs.IsActivated {
		target = pool.Exhausted100
		sources = []pool.Pool{pool.Uploaded, pool.Activated}
	}

	if e.pools.Exists(target, obs.Name) {
		return Relocation{}, false
	}

	for _, from := range sources {
		dst, err := e.pools.Relocate(obs.Name, from, target, "")
		if errors.Is(err, pool.ErrSourceMissing) {
			continue
		}
		if err != nil {
			e.logger.Warn("relocation failed", "account", obs.Name, "from", from, "to", target, "error", err)
			return Relocation{}, false
		}

		metrics.RelocationsTotal.WithLabelValues(string(target)).Inc()
		e.logger.Info("disabled account relocated", "account", obs.Name, "from", from, "to", target)
		if err := e.store.UpdateFilePath(ctx, obs.Name, dst); err != nil {
			e.logger.Warn("failed to record file path", "account", obs.Name, "error", err)
		}
		return Relocation{Name: obs.Name, From: from, To: target}, true
	}

	e.logger.Debug("no file to relocate", "account", obs.Name, "expected", sources)
	return Relocation{}, false
}
