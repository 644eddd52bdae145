package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperifyio/metaextract/internal/blobstore"
	"github.com/hyperifyio/metaextract/internal/failure"
	"github.com/hyperifyio/metaextract/internal/memwatch"
)

func constant(v string, calls *atomic.Int32) ComputeFunc[string] {
	return func(context.Context) (Computed[string], error) {
		calls.Add(1)
		return Computed[string]{Value: v, Size: int64(len(v))}, nil
	}
}

func TestGetOrComputeCachesResult(t *testing.T) {
	c := New[string](Config{}, nil)
	ctx := context.Background()
	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		v, err := c.GetOrCompute(ctx, "fp", constant("doc", &calls))
		if err != nil || v != "doc" {
			t.Fatalf("v=%q err=%v", v, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("computed %d times", calls.Load())
	}
	if st := c.Stats(); st.Hits != 2 || st.Computations != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestConcurrentMissesComputeOnce(t *testing.T) {
	c := New[string](Config{}, nil)
	var calls atomic.Int32
	slow := func(context.Context) (Computed[string], error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return Computed[string]{Value: "v"}, nil
	}
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "same", slow)
			if err == nil && v != "v" {
				err = fmt.Errorf("got %q", v)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("computation ran %d times", calls.Load())
	}
}

func TestNoStoreIsNotCached(t *testing.T) {
	c := New[string](Config{}, nil)
	var calls atomic.Int32
	f := func(context.Context) (Computed[string], error) {
		calls.Add(1)
		return Computed[string]{Value: "partial", NoStore: true}, nil
	}
	c.GetOrCompute(context.Background(), "k", f)
	c.GetOrCompute(context.Background(), "k", f)
	if calls.Load() != 2 || c.Len() != 0 {
		t.Fatalf("calls=%d len=%d", calls.Load(), c.Len())
	}
}

func TestComputeErrorPropagates(t *testing.T) {
	c := New[string](Config{}, nil)
	boom := errors.New("boom")
	_, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (Computed[string], error) {
		return Computed[string]{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("failure cached")
	}
}

func TestWaiterCancelDoesNotAbortComputation(t *testing.T) {
	c := New[string](Config{}, nil)
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		c.GetOrCompute(context.Background(), "k", func(ctx context.Context) (Computed[string], error) {
			<-release
			if ctx.Err() != nil {
				return Computed[string]{}, ctx.Err()
			}
			return Computed[string]{Value: "late"}, nil
		})
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrCompute(ctx, "k", func(context.Context) (Computed[string], error) {
		t.Error("second computation started")
		return Computed[string]{}, nil
	})
	if !errors.Is(err, failure.ErrCancelled) {
		t.Fatalf("err=%v", err)
	}
	close(release)
	<-done
	if v, ok := c.Get(context.Background(), "k"); !ok || v != "late" {
		t.Fatalf("result not cached after waiter left: %q %v", v, ok)
	}
}

func TestEvictedEntriesSpillToWarmTier(t *testing.T) {
	store := &blobstore.DirStore{Dir: t.TempDir()}
	c := New[string](Config{Shards: 1, TargetEntries: 4, Store: store}, nil)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		c.Put(ctx, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i), 2)
	}
	if c.Len() != 4 {
		t.Fatalf("len=%d", c.Len())
	}
	st := c.Stats()
	if st.Demotions != 2 || st.WarmEntries != 2 {
		t.Fatalf("stats=%+v", st)
	}
	v, ok := c.Get(ctx, "k0")
	if !ok || v != "v0" {
		t.Fatalf("warm hit failed: %q %v", v, ok)
	}
	if c.Stats().WarmHits != 1 {
		t.Fatalf("warm hit not counted")
	}
	if c.Len() != 4 {
		t.Fatalf("promotion broke bound: %d", c.Len())
	}
}

func TestWarmTierIsByteBounded(t *testing.T) {
	store := &blobstore.DirStore{Dir: t.TempDir()}
	c := New[string](Config{Shards: 1, TargetEntries: 1, WarmMaxBytes: 30, Store: store}, nil)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		c.Put(ctx, fmt.Sprintf("k%d", i), "0123456789", 10)
	}
	st := c.Stats()
	if st.WarmBytes > 30 {
		t.Fatalf("warm bytes %d over budget", st.WarmBytes)
	}
	disk, _ := store.Stat(ctx)
	if disk.Bytes > 30 {
		t.Fatalf("store holds %d bytes", disk.Bytes)
	}
	if _, ok := c.Get(ctx, "k0"); ok {
		t.Fatalf("oldest spilled entry should be gone")
	}
}

func TestCorruptWarmEntryIsAMiss(t *testing.T) {
	store := &blobstore.DirStore{Dir: t.TempDir()}
	c := New[string](Config{Store: store}, nil)
	ctx := context.Background()
	if err := store.Put(ctx, "bad", []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	v, err := c.GetOrCompute(ctx, "bad", constant("fresh", &calls))
	if err != nil || v != "fresh" || calls.Load() != 1 {
		t.Fatalf("v=%q err=%v calls=%d", v, err, calls.Load())
	}
	if c.Stats().Corruptions != 1 {
		t.Fatalf("corruption not counted")
	}
	if _, ok, _ := store.Get(ctx, "bad"); ok {
		t.Fatalf("corrupt entry not removed")
	}
}

func TestTargetsFollowPressure(t *testing.T) {
	c := New[string](Config{TargetEntries: 1000, Floor: 50}, nil)
	want := map[memwatch.Level]int{memwatch.Normal: 1000, memwatch.Elevated: 750, memwatch.High: 500, memwatch.Critical: 50}
	for lvl, n := range want {
		if got := c.TargetFor(lvl); got != n {
			t.Fatalf("%s: target=%d want %d", lvl, got, n)
		}
	}
}

func TestTargetBelowShardCountKeepsEveryEntry(t *testing.T) {
	c := New[int](Config{TargetEntries: 4}, nil)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		c.Put(ctx, fmt.Sprintf("k%d", i), i, 1)
	}
	if n := c.Len(); n != 4 {
		t.Fatalf("len=%d want 4", n)
	}
	if st := c.Stats(); st.Dropped != 0 || st.Evictions != 0 {
		t.Fatalf("evicted under the limit: %+v", st)
	}
	for i := 0; i < 4; i++ {
		if _, ok := c.Get(ctx, fmt.Sprintf("k%d", i)); !ok {
			t.Fatalf("k%d missing", i)
		}
	}
}

func TestEvictionIsLeastRecentlyUsedAcrossShards(t *testing.T) {
	c := New[int](Config{Shards: 8, TargetEntries: 3}, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.Put(ctx, fmt.Sprintf("k%d", i), i, 1)
		time.Sleep(time.Millisecond)
	}
	c.Get(ctx, "k0")
	time.Sleep(time.Millisecond)
	c.Put(ctx, "k3", 3, 1)
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Fatalf("k1 was least recently used and should be gone")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if _, ok := c.Get(ctx, k); !ok {
			t.Fatalf("%s evicted", k)
		}
	}
}

func TestSmallCriticalFloor(t *testing.T) {
	c := New[int](Config{TargetEntries: 100, Floor: 10}, nil)
	ctx := context.Background()
	c.Adapt(ctx, memwatch.Critical)
	for i := 0; i < 10; i++ {
		c.Put(ctx, fmt.Sprintf("k%d", i), i, 1)
	}
	if n := c.Len(); n != 10 {
		t.Fatalf("len=%d want the full floor of 10", n)
	}
	c.Put(ctx, "extra", 0, 1)
	if n := c.Len(); n != 10 {
		t.Fatalf("len=%d exceeded floor", n)
	}
}

func TestCriticalShrinksToFloorInOneCall(t *testing.T) {
	c := New[string](Config{TargetEntries: 1000, Floor: 50}, nil)
	ctx := context.Background()
	for i := 0; i < 800; i++ {
		c.Put(ctx, fmt.Sprintf("k%d", i), "v", 1)
	}
	c.Adapt(ctx, memwatch.Critical)
	if n := c.Len(); n > 50 {
		t.Fatalf("len=%d after critical", n)
	}
	for i := 0; i < 100; i++ {
		c.Put(ctx, fmt.Sprintf("n%d", i), "v", 1)
	}
	if n := c.Len(); n > 50 {
		t.Fatalf("len=%d exceeded floor under critical", n)
	}
	c.Adapt(ctx, memwatch.Normal)
	if c.Stats().Target != 1000 {
		t.Fatalf("target not restored")
	}
}

func TestHighPressureTrimsWarmTier(t *testing.T) {
	store := &blobstore.DirStore{Dir: t.TempDir()}
	c := New[string](Config{Shards: 1, TargetEntries: 10, WarmMaxBytes: 200, Store: store}, nil)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		c.Put(ctx, fmt.Sprintf("k%02d", i), "0123456789", 10)
	}
	c.Adapt(ctx, memwatch.High)
	if c.Len() != 5 {
		t.Fatalf("len=%d want 5", c.Len())
	}
	if st := c.Stats(); st.WarmBytes > 100 {
		t.Fatalf("warm bytes=%d, want <= half budget", st.WarmBytes)
	}
	if disk, _ := store.Stat(ctx); disk.Bytes > 100 {
		t.Fatalf("disk bytes=%d", disk.Bytes)
	}
}

func TestHighPressureExpiresStaleStoreEntries(t *testing.T) {
	store := &blobstore.DirStore{Dir: t.TempDir(), TTL: 50 * time.Millisecond}
	ctx := context.Background()
	if err := store.Put(ctx, "left-by-earlier-run", []byte(`"x"`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c := New[string](Config{Shards: 1, TargetEntries: 10, WarmMaxBytes: 1000, Store: store}, nil)
	if st := c.Stats(); st.StoreEntries != 1 || st.StoreBytes != 3 {
		t.Fatalf("store stats %+v", st)
	}
	time.Sleep(80 * time.Millisecond)
	c.Put(ctx, "a", "v", 1)
	c.Adapt(ctx, memwatch.High)
	if st := c.Stats(); st.StoreEntries != 0 {
		t.Fatalf("stale entry survived high pressure: %+v", st)
	}
}

type stepSampler struct{ pct atomic.Int64 }

func (s *stepSampler) Sample(context.Context) (memwatch.Sample, error) {
	return memwatch.Sample{UsedPercent: float64(s.pct.Load())}, nil
}

func TestWatchFollowsMonitor(t *testing.T) {
	sampler := &stepSampler{}
	m, err := memwatch.New(memwatch.Config{Sampler: sampler})
	if err != nil {
		t.Fatal(err)
	}
	c := New[string](Config{TargetEntries: 200, Floor: 10}, nil)
	stop := c.Watch(m)
	defer stop()
	for i := 0; i < 100; i++ {
		c.Put(context.Background(), fmt.Sprintf("k%d", i), "v", 1)
	}
	sampler.pct.Store(95)
	m.Tick(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for (c.Level() != memwatch.Critical || c.Len() > 10) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.Level() != memwatch.Critical || c.Len() > 10 {
		t.Fatalf("len=%d after critical transition", c.Len())
	}
}

func TestFingerprintIsOrderIndependent(t *testing.T) {
	a := Fingerprint("abc", "free", []string{"text", "file"}, map[string]string{"x": "1", "y": "2"})
	b := Fingerprint("abc", "free", []string{"file", "text"}, map[string]string{"y": "2", "x": "1"})
	if a != b {
		t.Fatalf("fingerprints differ")
	}
	if a == Fingerprint("abc", "forensic", []string{"file", "text"}, nil) {
		t.Fatalf("tier must change the fingerprint")
	}
}
