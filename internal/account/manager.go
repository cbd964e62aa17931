package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"poolkeeper/internal/metrics"
	"poolkeeper/internal/pool"
)

// PoolMover is the subset of pool.Store the manager mutates
type PoolMover interface {
	Relocate(name string, from, to pool.Pool, newName string) (string, error)
	Remove(p pool.Pool, name string) error
}

// ActivationStore persists the outcome of an activation
type ActivationStore interface {
	MarkActivated(ctx context.Context, prefix string, names []string, at time.Time) error
}

// Manager moves whole groups between the pending, activated and archive pools
type Manager struct {
	pools  PoolMover
	store  ActivationStore
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a new account manager
func NewManager(pools PoolMover, store ActivationStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pools:  pools,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

type movedFile struct {
	original string
	renamed  string
}

// Activate moves {prefix}-01..03 from exhausted_300 to activated, renaming
// each with the activated marker. Either all three move or none stay moved.
// Status is persisted only after a full move.
func (m *Manager) Activate(ctx context.Context, prefix string) error {
	logger := m.logger.With("prefix", prefix)

	var moved []movedFile
	var moveErr error
	for n := 1; n <= pool.GroupSize; n++ {
		name := pool.MemberName(prefix, n)
		renamed := pool.WithMarker(name, pool.ActivatedMarker)
		if _, err := m.pools.Relocate(name, pool.Exhausted300, pool.Activated, renamed); err != nil {
			moveErr = err
			break
		}
		moved = append(moved, movedFile{original: name, renamed: renamed})
	}

	if len(moved) < pool.GroupSize {
		logger.Warn("activation incomplete, rolling back", "moved", len(moved), "error", moveErr)
		if err := m.rollback(prefix, moved); err != nil {
			metrics.ActivationsTotal.WithLabelValues("rollback_failed").Inc()
			logger.Error("activation rollback failed, group straddles pools",
				"alert", true, "straddled", err.Straddled, "error", err.Err)
			return err
		}
		metrics.ActivationsTotal.WithLabelValues("incomplete").Inc()
		return fmt.Errorf("activate %s: %w: %v", prefix, ErrIncompleteGroup, moveErr)
	}

	names := make([]string, len(moved))
	for i, f := range moved {
		names[i] = f.original
	}
	if err := m.store.MarkActivated(ctx, prefix, names, m.now()); err != nil {
		// Files stay in activated; the next reconciliation of the renamed
		// channels marks them activated by name.
		logger.Error("group activated but status not persisted", "error", err)
		metrics.ActivationsTotal.WithLabelValues("success").Inc()
		return fmt.Errorf("activate %s: %w", prefix, err)
	}

	metrics.ActivationsTotal.WithLabelValues("success").Inc()
	logger.Info("account group activated")
	return nil
}

// rollback moves activated members back to exhausted_300 under their
// original names. It is best effort; failures are collected, not retried.
func (m *Manager) rollback(prefix string, moved []movedFile) *RollbackError {
	var straddled []string
	var errs []error
	for _, f := range moved {
		if _, err := m.pools.Relocate(f.renamed, pool.Activated, pool.Exhausted300, f.original); err != nil {
			straddled = append(straddled, f.renamed)
			errs = append(errs, err)
		}
	}
	if len(straddled) == 0 {
		return nil
	}
	return &RollbackError{Prefix: prefix, Straddled: straddled, Err: errors.Join(errs...)}
}

// Archive retires an exhausted_100 group: members are renamed with the
// archive marker and moved to archive, or deleted when remove is set.
// It returns the number of files handled.
func (m *Manager) Archive(ctx context.Context, prefix string, remove bool) (int, error) {
	logger := m.logger.With("prefix", prefix, "delete", remove)

	handled := 0
	var errs []error
	for n := 1; n <= pool.GroupSize; n++ {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		base := pool.MemberName(prefix, n)
		name := pool.WithMarker(base, pool.ActivatedMarker)

		var err error
		if remove {
			err = m.pools.Remove(pool.Exhausted100, name)
		} else {
			_, err = m.pools.Relocate(name, pool.Exhausted100, pool.Archive, pool.WithMarker(base, pool.ArchivedMarker))
		}
		switch {
		case errors.Is(err, pool.ErrSourceMissing):
			logger.Debug("archive member missing", "file", name)
		case err != nil:
			errs = append(errs, err)
		default:
			handled++
		}
	}

	if err := errors.Join(errs...); err != nil {
		logger.Error("archive failed", "handled", handled, "error", err)
		return handled, err
	}
	if handled == 0 {
		return 0, fmt.Errorf("archive %s: %w", prefix, ErrGroupNotFound)
	}
	logger.Info("account group archived", "files", handled)
	return handled, nil
}
