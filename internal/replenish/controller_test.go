package replenish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolkeeper/internal/channel"
	"poolkeeper/internal/pool"
	"poolkeeper/internal/reconcile"
)

type fakeFetcher struct {
	channels []channel.Channel
	err      error
}

func (f *fakeFetcher) FetchChannels(context.Context) ([]channel.Channel, error) {
	return f.channels, f.err
}

// countingReconciler only tallies active channels
type countingReconciler struct {
	calls int32
}

func (r *countingReconciler) Reconcile(_ context.Context, channels []channel.Channel) reconcile.Result {
	atomic.AddInt32(&r.calls, 1)
	res := reconcile.Result{}
	for _, ch := range channels {
		if ch.Active() {
			res.ActiveCount++
		} else {
			res.InactiveCount++
		}
	}
	return res
}

type fakeUploader struct {
	mu       sync.Mutex
	fail     map[string]bool
	uploaded []string
	inFlight int32
	peak     int32
	delay    time.Duration
}

func (u *fakeUploader) Upload(_ context.Context, f pool.AccountFile) channel.UploadResult {
	n := atomic.AddInt32(&u.inFlight, 1)
	for {
		p := atomic.LoadInt32(&u.peak)
		if n <= p || atomic.CompareAndSwapInt32(&u.peak, p, n) {
			break
		}
	}
	time.Sleep(u.delay)
	atomic.AddInt32(&u.inFlight, -1)

	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploaded = append(u.uploaded, f.Name)
	if u.fail[f.Name] {
		return channel.UploadResult{Name: f.Name, File: f, Detail: "status 500: boom", Attempts: 3}
	}
	return channel.UploadResult{Name: f.Name, File: f, OK: true, Attempts: 1}
}

func (u *fakeUploader) names() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := append([]string(nil), u.uploaded...)
	sort.Strings(out)
	return out
}

func newPools(t *testing.T) *pool.Store {
	t.Helper()
	s := pool.NewStore(filepath.Join(t.TempDir(), "accounts"), nil)
	require.NoError(t, s.EnsureLayout())
	return s
}

func putGroup(t *testing.T, s *pool.Store, p pool.Pool, prefix string, marker string) {
	t.Helper()
	for n := 1; n <= pool.GroupSize; n++ {
		name := pool.MemberName(prefix, n)
		if marker != "" {
			name = pool.WithMarker(name, marker)
		}
		require.NoError(t, os.WriteFile(s.Path(p, name), []byte(`{"type":"service_account"}`), 0644))
	}
}

func active(n int) []channel.Channel {
	out := make([]channel.Channel, n)
	for i := range out {
		out[i] = channel.Channel{ID: int64(i + 1), Name: fmt.Sprintf("live-x-%02d", i+1), Status: 1}
	}
	return out
}

func TestNeededGroups(t *testing.T) {
	assert.Equal(t, 2, NeededGroups(15, 10))
	assert.Equal(t, 1, NeededGroups(15, 14))
	assert.Equal(t, 5, NeededGroups(15, 0))
	assert.Equal(t, 0, NeededGroups(15, 15))
	assert.Equal(t, 0, NeededGroups(15, 20))
}

func TestRunCyclePrefersActivatedGroups(t *testing.T) {
	pools := newPools(t)
	putGroup(t, pools, pool.Fresh, "aaa-x", "")
	putGroup(t, pools, pool.Fresh, "bbb-x", "")
	putGroup(t, pools, pool.Activated, "zzz-x", pool.ActivatedMarker)

	up := &fakeUploader{}
	c := NewController(&fakeFetcher{channels: active(10)}, &countingReconciler{}, up, pools, Options{})
	report := c.RunCycle(context.Background(), 15, 12)

	require.Empty(t, report.Error)
	assert.Equal(t, 10, report.ActiveBefore)
	assert.Equal(t, 2, report.NeededGroups)
	assert.Equal(t, []string{"zzz-x", "aaa-x"}, report.SelectedGroups)
	assert.Equal(t, []string{"zzz-x", "aaa-x"}, report.FullGroups)
	assert.Empty(t, report.PartialGroups)
	assert.Len(t, report.Succeeded, 6)
	assert.NotEmpty(t, report.CycleID)

	for n := 1; n <= 3; n++ {
		assert.True(t, pools.Exists(pool.Uploaded, pool.WithMarker(pool.MemberName("zzz-x", n), pool.ActivatedMarker)))
		assert.True(t, pools.Exists(pool.Uploaded, pool.MemberName("aaa-x", n)))
		assert.True(t, pools.Exists(pool.Fresh, pool.MemberName("bbb-x", n)))
	}
}

func TestRunCycleFailedUploadsStayInSource(t *testing.T) {
	pools := newPools(t)
	putGroup(t, pools, pool.Fresh, "proj-x", "")

	up := &fakeUploader{fail: map[string]bool{"proj-x-02": true}}
	c := NewController(&fakeFetcher{channels: active(0)}, &countingReconciler{}, up, pools, Options{})
	report := c.RunCycle(context.Background(), 3, 3)

	assert.Equal(t, []string{"proj-x-01", "proj-x-03"}, sorted(report.Succeeded))
	require.Len(t, report.Failed, 1)
	assert.Equal(t, Failure{Name: "proj-x-02", Detail: "status 500: boom"}, report.Failed[0])
	assert.Equal(t, []string{"proj-x"}, report.PartialGroups)
	assert.Empty(t, report.FullGroups)

	assert.True(t, pools.Exists(pool.Fresh, "proj-x-02"))
	assert.True(t, pools.Exists(pool.Uploaded, "proj-x-01"))
	assert.True(t, pools.Exists(pool.Uploaded, "proj-x-03"))
}

func TestRunCycleFetchFailureAborts(t *testing.T) {
	pools := newPools(t)
	putGroup(t, pools, pool.Fresh, "proj-x", "")

	rec := &countingReconciler{}
	up := &fakeUploader{}
	fetchErr := &channel.UnreachableError{URL: "http://upstream", Err: errors.New("connection refused")}
	c := NewController(&fakeFetcher{err: fetchErr}, rec, up, pools, Options{})
	report := c.RunCycle(context.Background(), 15, 10)

	assert.Contains(t, report.Error, "connection refused")
	assert.Nil(t, report.Reconcile)
	assert.Equal(t, int32(0), atomic.LoadInt32(&rec.calls))
	assert.Empty(t, up.names())
	assert.True(t, pools.Exists(pool.Fresh, "proj-x-01"))
}

func TestRunCycleSufficientSkipsUpload(t *testing.T) {
	pools := newPools(t)
	putGroup(t, pools, pool.Fresh, "proj-x", "")

	up := &fakeUploader{}
	c := NewController(&fakeFetcher{channels: active(10)}, &countingReconciler{}, up, pools, Options{})
	report := c.RunCycle(context.Background(), 15, 10)

	assert.True(t, report.Sufficient)
	assert.Empty(t, report.SelectedGroups)
	assert.Empty(t, up.names())
}

func TestRunCycleIgnoresIncompleteGroups(t *testing.T) {
	pools := newPools(t)
	putGroup(t, pools, pool.Fresh, "good-x", "")
	require.NoError(t, os.WriteFile(pools.Path(pool.Fresh, "half-x-01"), []byte(`{}`), 0644))
	require.NoError(t, os.WriteFile(pools.Path(pool.Fresh, "half-x-02"), []byte(`{}`), 0644))

	up := &fakeUploader{}
	c := NewController(&fakeFetcher{}, &countingReconciler{}, up, pools, Options{})
	report := c.RunCycle(context.Background(), 15, 10)

	assert.Equal(t, []string{"good-x"}, report.SelectedGroups)
	assert.Equal(t, []string{"good-x-01", "good-x-02", "good-x-03"}, up.names())
	assert.True(t, pools.Exists(pool.Fresh, "half-x-01"))
}

func TestRunCycleBoundsConcurrency(t *testing.T) {
	pools := newPools(t)
	for _, p := range []string{"a-x", "b-x", "c-x", "d-x"} {
		putGroup(t, pools, pool.Fresh, p, "")
	}

	up := &fakeUploader{delay: 20 * time.Millisecond}
	c := NewController(&fakeFetcher{}, &countingReconciler{}, up, pools, Options{Concurrency: 2})
	report := c.RunCycle(context.Background(), 12, 12)

	assert.Len(t, report.Succeeded, 12)
	assert.LessOrEqual(t, atomic.LoadInt32(&up.peak), int32(2))
}

func TestUploadBatch(t *testing.T) {
	pools := newPools(t)
	putGroup(t, pools, pool.Fresh, "a-x", "")
	putGroup(t, pools, pool.Fresh, "b-x", "")
	putGroup(t, pools, pool.Activated, "c-x", pool.ActivatedMarker)

	up := &fakeUploader{}
	c := NewController(&fakeFetcher{}, &countingReconciler{}, up, pools, Options{})

	report, err := c.Upload(context.Background(), 3, pool.Fresh)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-x"}, report.FullGroups)
	assert.True(t, pools.Exists(pool.Fresh, "b-x-01"))
	assert.True(t, pools.Exists(pool.Activated, "c-x-01-actived"))
}

func TestUploadBatchValidation(t *testing.T) {
	c := NewController(&fakeFetcher{}, &countingReconciler{}, &fakeUploader{}, newPools(t), Options{})

	_, err := c.Upload(context.Background(), 4, pool.Fresh)
	assert.ErrorIs(t, err, ErrInvalidCount)
	_, err = c.Upload(context.Background(), 0, pool.Fresh)
	assert.ErrorIs(t, err, ErrInvalidCount)
	_, err = c.Upload(context.Background(), 3, pool.Uploaded)
	assert.ErrorIs(t, err, ErrInvalidSource)
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
