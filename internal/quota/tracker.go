package quota

import (
	"context"
	"fmt"
	"sort"
	"time"

	"poolkeeper/internal/account"
	"poolkeeper/internal/pool"
)

// UnitsPerDollar converts the routing service's quota units to dollars
const UnitsPerDollar = 500000

// FormatQuota renders quota units as a dollar amount
func FormatQuota(units int64) string {
	return fmt.Sprintf("$%.2f", float64(units)/UnitsPerDollar)
}

// PoolLister reads the group view of the pools
type PoolLister interface {
	ListFiles(p pool.Pool) ([]pool.AccountFile, error)
	ListCompleteGroups(p pool.Pool) (map[string][]pool.AccountFile, error)
	ListIncompleteGroups(p pool.Pool) (map[string][]pool.AccountFile, error)
}

// StatusReader reads aggregate state from the status store
type StatusReader interface {
	ListStatuses(ctx context.Context, names []string) (map[string]account.StatusRecord, error)
	CountByStatus(ctx context.Context) (map[account.Status]int, error)
	TransitionsSince(ctx context.Context, t time.Time) (int, error)
	ActivationsSince(ctx context.Context, t time.Time) (int, error)
}

// Tracker tracks quota and pool statistics
type Tracker struct {
	pools  PoolLister
	status StatusReader
	now    func() time.Time
}

// NewTracker creates a new quota tracker
func NewTracker(pools PoolLister, status StatusReader) *Tracker {
	return &Tracker{pools: pools, status: status, now: time.Now}
}

// PoolStats represents per-pool statistics
type PoolStats struct {
	Pool             pool.Pool `json:"pool"`
	CompleteGroups   int       `json:"complete_groups"`
	IncompleteGroups int       `json:"incomplete_groups"`
	Files            int       `json:"files"`
	SizeBytes        int64     `json:"size_bytes"`
	UsedQuota        int64     `json:"used_quota"`
	UsedQuotaDisplay string    `json:"used_quota_display"`
}

// Snapshot represents the overall state of the pools and the status store
type Snapshot struct {
	GeneratedAt    time.Time   `json:"generated_at"`
	Pools          []PoolStats `json:"pools"`
	ActiveAccounts int         `json:"active_accounts"`
	DisabledCount  int         `json:"disabled_accounts"`
	Transitions24h int         `json:"transitions_24h"`
	Activations24h int         `json:"activations_24h"`
}

// GroupSummary represents one group with its stored quota
type GroupSummary struct {
	Prefix           string     `json:"prefix"`
	Pool             pool.Pool  `json:"pool"`
	Complete         bool       `json:"complete"`
	Files            []string   `json:"files"`
	UsedQuota        int64      `json:"used_quota"`
	UsedQuotaDisplay string     `json:"used_quota_display"`
	LastUpdated      *time.Time `json:"last_updated,omitempty"`
}

// GroupListing is a pool's groups plus their quota total
type GroupListing struct {
	Pool              pool.Pool      `json:"pool"`
	Groups            []GroupSummary `json:"groups"`
	TotalQuota        int64          `json:"total_quota"`
	TotalQuotaDisplay string         `json:"total_quota_display"`
}

// Snapshot returns statistics for every pool
func (t *Tracker) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{GeneratedAt: t.now().UTC()}

	for _, p := range pool.All {
		listing, err := t.Groups(ctx, p)
		if err != nil {
			return nil, err
		}
		ps := PoolStats{Pool: p, UsedQuota: listing.TotalQuota, UsedQuotaDisplay: listing.TotalQuotaDisplay}
		for _, g := range listing.Groups {
			if g.Complete {
				ps.CompleteGroups++
			} else {
				ps.IncompleteGroups++
			}
			ps.Files += len(g.Files)
		}
		ps.SizeBytes, err = t.poolSize(p)
		if err != nil {
			return nil, err
		}
		snap.Pools = append(snap.Pools, ps)
	}

	counts, err := t.status.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	snap.ActiveAccounts = counts[account.StatusActive]
	snap.DisabledCount = counts[account.StatusDisabled]

	since := t.now().Add(-24 * time.Hour)
	if snap.Transitions24h, err = t.status.TransitionsSince(ctx, since); err != nil {
		return nil, err
	}
	if snap.Activations24h, err = t.status.ActivationsSince(ctx, since); err != nil {
		return nil, err
	}

	return snap, nil
}

// Groups lists every group in a pool, complete ones and stragglers, with
// the used quota stored for their members
func (t *Tracker) Groups(ctx context.Context, p pool.Pool) (*GroupListing, error) {
	complete, err := t.pools.ListCompleteGroups(p)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p, err)
	}
	incomplete, err := t.pools.ListIncompleteGroups(p)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p, err)
	}

	groups := append(pool.SortedGroups(p, complete), pool.SortedGroups(p, incomplete)...)
	sort.Slice(groups, func(i, j int) bool { return groups[i].Prefix < groups[j].Prefix })

	var names []string
	for _, g := range groups {
		for _, f := range g.Files {
			names = append(names, f.Name)
		}
	}
	records, err := t.status.ListStatuses(ctx, names)
	if err != nil {
		return nil, err
	}

	listing := &GroupListing{Pool: p, Groups: make([]GroupSummary, 0, len(groups))}
	for _, g := range groups {
		sum := GroupSummary{Prefix: g.Prefix, Pool: p, Complete: g.Complete()}
		for _, f := range g.Files {
			sum.Files = append(sum.Files, f.Name)
			rec, ok := records[f.Name]
			if !ok {
				continue
			}
			sum.UsedQuota += rec.UsedQuota
			if sum.LastUpdated == nil || rec.LastUpdated.After(*sum.LastUpdated) {
				updated := rec.LastUpdated
				sum.LastUpdated = &updated
			}
		}
		sum.UsedQuotaDisplay = FormatQuota(sum.UsedQuota)
		listing.TotalQuota += sum.UsedQuota
		listing.Groups = append(listing.Groups, sum)
	}
	listing.TotalQuotaDisplay = FormatQuota(listing.TotalQuota)
	return listing, nil
}

// Pending lists the groups waiting for activation
func (t *Tracker) Pending(ctx context.Context) (*GroupListing, error) {
	return t.Groups(ctx, pool.Exhausted300)
}

// Exhausted lists activated groups that ran dry
func (t *Tracker) Exhausted(ctx context.Context) (*GroupListing, error) {
	return t.Groups(ctx, pool.Exhausted100)
}

func (t *Tracker) poolSize(p pool.Pool) (int64, error) {
	files, err := t.pools.ListFiles(p)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", p, err)
	}
	var total int64
	for _, f := range files {
		total += f.SizeBytes
	}
	return total, nil
}
