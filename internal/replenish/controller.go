// Package replenish keeps the number of active channels above a floor by
// uploading whole account groups from the fresh and activated pools.
package replenish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"poolkeeper/internal/channel"
	"poolkeeper/internal/metrics"
	"poolkeeper/internal/pool"
	"poolkeeper/internal/reconcile"
)

// DefaultConcurrency is the upload width when none is configured
const DefaultConcurrency = 5

var (
	ErrInvalidCount  = errors.New("file count must be a positive multiple of 3")
	ErrInvalidSource = errors.New("source pool must be fresh or activated")
)

// StatusFetcher reads the routing service's channel list
type StatusFetcher interface {
	FetchChannels(ctx context.Context) ([]channel.Channel, error)
}

// Reconciler applies a channel list to local state
type Reconciler interface {
	Reconcile(ctx context.Context, channels []channel.Channel) reconcile.Result
}

// ChannelUploader creates one channel per file
type ChannelUploader interface {
	Upload(ctx context.Context, file pool.AccountFile) channel.UploadResult
}

// GroupSource lists candidate groups and moves uploaded files
type GroupSource interface {
	ListCompleteGroups(p pool.Pool) (map[string][]pool.AccountFile, error)
	Relocate(name string, from, to pool.Pool, newName string) (string, error)
}

// Failure is one file that could not be uploaded or moved
type Failure struct {
	Name   string `json:"name"`
	Detail string `json:"detail"`
}

// Report describes one replenishment cycle or batch upload
type Report struct {
	CycleID        string            `json:"cycle_id"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
	Target         int               `json:"target"`
	Min            int               `json:"min"`
	ActiveBefore   int               `json:"active_before"`
	Sufficient     bool              `json:"sufficient"`
	NeededGroups   int               `json:"needed_groups"`
	Reconcile      *reconcile.Result `json:"reconcile,omitempty"`
	SelectedGroups []string          `json:"selected_groups"`
	Succeeded      []string          `json:"succeeded"`
	Failed         []Failure         `json:"failed"`
	FullGroups     []string          `json:"full_groups"`
	PartialGroups  []string          `json:"partial_groups"`
	Error          string            `json:"error,omitempty"`
}

// Options configures a Controller
type Options struct {
	Concurrency int
	Logger      *slog.Logger
}

// Controller runs replenishment cycles
type Controller struct {
	fetcher     StatusFetcher
	reconciler  Reconciler
	uploader    ChannelUploader
	pools       GroupSource
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// NewController creates a replenishment controller
func NewController(fetcher StatusFetcher, reconciler Reconciler, uploader ChannelUploader, pools GroupSource, opts Options) *Controller {
	width := opts.Concurrency
	if width <= 0 {
		width = DefaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		fetcher:     fetcher,
		reconciler:  reconciler,
		uploader:    uploader,
		pools:       pools,
		concurrency: width,
		logger:      logger,
		now:         time.Now,
	}
}

// NeededGroups returns how many groups close the gap between active and target
func NeededGroups(target, active int) int {
	gap := target - active
	if gap <= 0 {
		return 0
	}
	return (gap + pool.GroupSize - 1) / pool.GroupSize
}

// RunCycle fetches, reconciles and, when active channels fall below min,
// uploads enough groups to reach target. Errors end up in the report.
func (c *Controller) RunCycle(ctx context.Context, target, min int) *Report {
	report := c.newReport()
	report.Target, report.Min = target, min
	logger := c.logger.With("cycle_id", report.CycleID)
	defer c.finish(report)

	channels, err := c.fetcher.FetchChannels(ctx)
	if err != nil {
		report.Error = fmt.Sprintf("fetch channel status: %v", err)
		logger.Error("status fetch failed, cycle aborted", "error", err)
		metrics.CyclesTotal.WithLabelValues("aborted").Inc()
		return report
	}

	res := c.reconciler.Reconcile(ctx, channels)
	report.Reconcile = &res
	report.ActiveBefore = res.ActiveCount
	metrics.ActiveChannels.Set(float64(res.ActiveCount))
	logger.Info("channel status reconciled",
		"active", res.ActiveCount, "inactive", res.InactiveCount,
		"transitions", len(res.Transitions), "relocations", len(res.Relocations))

	if res.ActiveCount >= min {
		report.Sufficient = true
		logger.Info("active channels sufficient", "active", res.ActiveCount, "min", min)
		metrics.CyclesTotal.WithLabelValues("sufficient").Inc()
		return report
	}

	report.NeededGroups = NeededGroups(target, res.ActiveCount)
	groups, err := c.selectGroups(report.NeededGroups, pool.Activated, pool.Fresh)
	if err != nil {
		report.Error = fmt.Sprintf("select groups: %v", err)
		logger.Error("group selection failed", "error", err)
		metrics.CyclesTotal.WithLabelValues("aborted").Inc()
		return report
	}
	if len(groups) < report.NeededGroups {
		logger.Warn("not enough complete groups to reach target",
			"needed", report.NeededGroups, "available", len(groups))
	}

	c.uploadGroups(ctx, logger, groups, report)
	metrics.CyclesTotal.WithLabelValues("replenished").Inc()
	return report
}

// Upload pushes fileCount files, in whole groups, from one source pool
func (c *Controller) Upload(ctx context.Context, fileCount int, source pool.Pool) (*Report, error) {
	if fileCount <= 0 || fileCount%pool.GroupSize != 0 {
		return nil, fmt.Errorf("%d: %w", fileCount, ErrInvalidCount)
	}
	if source != pool.Fresh && source != pool.Activated {
		return nil, fmt.Errorf("%s: %w", source, ErrInvalidSource)
	}

	report := c.newReport()
	report.NeededGroups = fileCount / pool.GroupSize
	logger := c.logger.With("cycle_id", report.CycleID, "pool", source)
	defer c.finish(report)

	groups, err := c.selectGroups(report.NeededGroups, source)
	if err != nil {
		return nil, fmt.Errorf("select groups: %w", err)
	}
	if len(groups) < report.NeededGroups {
		logger.Warn("fewer complete groups than requested",
			"requested", report.NeededGroups, "available", len(groups))
	}

	c.uploadGroups(ctx, logger, groups, report)
	return report, nil
}

func (c *Controller) newReport() *Report {
	return &Report{
		CycleID:        uuid.NewString(),
		StartedAt:      c.now(),
		SelectedGroups: []string{},
		Succeeded:      []string{},
		Failed:         []Failure{},
		FullGroups:     []string{},
		PartialGroups:  []string{},
	}
}

func (c *Controller) finish(report *Report) {
	report.FinishedAt = c.now()
	metrics.CycleDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
}

// selectGroups takes complete groups from the pools in order, lowest prefix first
func (c *Controller) selectGroups(needed int, sources ...pool.Pool) ([]pool.Group, error) {
	var selected []pool.Group
	for _, p := range sources {
		if len(selected) >= needed {
			break
		}
		complete, err := c.pools.ListCompleteGroups(p)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", p, err)
		}
		for _, g := range pool.SortedGroups(p, complete) {
			if len(selected) >= needed {
				break
			}
			selected = append(selected, g)
		}
	}
	return selected, nil
}

// uploadGroups uploads every file of the selected groups in parallel, then
// moves each successful file to the uploaded pool
func (c *Controller) uploadGroups(ctx context.Context, logger *slog.Logger, groups []pool.Group, report *Report) {
	var files []pool.AccountFile
	for _, g := range groups {
		report.SelectedGroups = append(report.SelectedGroups, g.Prefix)
		files = append(files, g.Files...)
	}
	if len(files) == 0 {
		return
	}
	logger.Info("uploading groups", "groups", len(groups), "files", len(files), "width", c.concurrency)

	results := make([]channel.UploadResult, len(files))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, f := range files {
		g.Go(func() error {
			results[i] = c.uploader.Upload(ctx, f)
			return nil
		})
	}
	g.Wait()

	moved := make(map[string]bool, len(files))
	for _, r := range results {
		metrics.UploadAttempts.Observe(float64(r.Attempts))
		if !r.OK {
			metrics.UploadsTotal.WithLabelValues("failure").Inc()
			report.Failed = append(report.Failed, Failure{Name: r.Name, Detail: r.Detail})
			logger.Warn("upload failed, file left in place", "account", r.Name, "pool", r.File.Pool, "error", r.Detail)
			continue
		}
		metrics.UploadsTotal.WithLabelValues("success").Inc()

		if _, err := c.pools.Relocate(r.Name, r.File.Pool, pool.Uploaded, ""); err != nil {
			report.Failed = append(report.Failed, Failure{Name: r.Name, Detail: fmt.Sprintf("uploaded but not moved: %v", err)})
			logger.Error("uploaded file could not be moved", "account", r.Name, "pool", r.File.Pool, "error", err)
			continue
		}
		metrics.RelocationsTotal.WithLabelValues(string(pool.Uploaded)).Inc()
		moved[r.Name] = true
		report.Succeeded = append(report.Succeeded, r.Name)
	}

	for _, grp := range groups {
		n := 0
		for _, f := range grp.Files {
			if moved[f.Name] {
				n++
			}
		}
		switch n {
		case len(grp.Files):
			report.FullGroups = append(report.FullGroups, grp.Prefix)
		case 0:
		default:
			report.PartialGroups = append(report.PartialGroups, grp.Prefix)
			logger.Warn("group partially migrated", "prefix", grp.Prefix, "moved", n, "pool", grp.Pool)
		}
	}

	logger.Info("upload finished",
		"succeeded", len(report.Succeeded), "failed", len(report.Failed),
		"full_groups", len(report.FullGroups), "partial_groups", len(report.PartialGroups))
}
