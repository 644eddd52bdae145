package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperifyio/metaextract/internal/failure"
	"github.com/hyperifyio/metaextract/internal/fetch"
	"github.com/hyperifyio/metaextract/internal/plugin"
	"github.com/hyperifyio/metaextract/internal/registry"
	"github.com/hyperifyio/metaextract/internal/scheduler"
	"github.com/hyperifyio/metaextract/internal/stream"
)

type testPlugin struct {
	name    string
	fields  []plugin.FieldSpec
	deps    []plugin.Dependency
	accepts func(name, mime string) bool
	extract func(ctx context.Context, in *plugin.Input) (*plugin.Fields, error)
}

func (p *testPlugin) Name() string                      { return p.name }
func (p *testPlugin) Fields() []plugin.FieldSpec        { return p.fields }
func (p *testPlugin) Dependencies() []plugin.Dependency { return p.deps }
func (p *testPlugin) Init([]string) error               { return nil }
func (p *testPlugin) Accepts(name, mime string) bool {
	if p.accepts == nil {
		return true
	}
	return p.accepts(name, mime)
}
func (p *testPlugin) Extract(ctx context.Context, in *plugin.Input) (*plugin.Fields, error) {
	return p.extract(ctx, in)
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func newEngine(t *testing.T, opts Options, plugins ...plugin.Plugin) *Engine {
	t.Helper()
	opts.Registry = registry.New(plugins...)
	if opts.Scheduler.Workers == 0 {
		opts.Scheduler.Workers = 2
	}
	e, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func sizePlugin(calls *atomic.Int32) *testPlugin {
	return &testPlugin{
		name:   "meta",
		fields: []plugin.FieldSpec{{Name: "size"}, {Name: "name"}},
		extract: func(ctx context.Context, in *plugin.Input) (*plugin.Fields, error) {
			if calls != nil {
				calls.Add(1)
			}
			time.Sleep(20 * time.Millisecond)
			return plugin.NewFields().Set("size", in.Size).Set("name", in.Name), nil
		},
	}
}

func TestNew_RequiresPlugins(t *testing.T) {
	if _, err := New(context.Background(), Options{}); err == nil {
		t.Fatalf("expected error without registry")
	}
	if _, err := New(context.Background(), Options{Registry: registry.New()}); err == nil {
		t.Fatalf("expected error with empty registry")
	}
}

func TestExtract_DegradedDomainEndToEnd(t *testing.T) {
	degraded := &testPlugin{
		name: "sensor",
		fields: []plugin.FieldSpec{
			{Name: "basic"},
			{Name: "deep", Requires: "tool"},
		},
		deps: []plugin.Dependency{{Name: "tool", Check: func(context.Context) error { return errors.New("not installed") }}},
		extract: func(ctx context.Context, in *plugin.Input) (*plugin.Fields, error) {
			return plugin.NewFields().Set("basic", true), nil
		},
	}
	e := newEngine(t, Options{}, degraded, sizePlugin(nil))
	path := writeFile(t, "a.bin", "hello")

	doc, err := e.Extract(context.Background(), Request{Ref: path})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	st := doc.Status["sensor"]
	if st.Outcome != outcomeOK || st.Availability != "degraded" {
		t.Fatalf("sensor status=%+v", st)
	}
	if v, ok := doc.Metadata["sensor"].Get("basic"); !ok || v != true {
		t.Fatalf("sensor metadata=%v", doc.Metadata["sensor"])
	}
	if doc.Status["meta"].Outcome != outcomeOK {
		t.Fatalf("meta status=%+v", doc.Status["meta"])
	}
	if doc.File.Size != 5 || doc.File.SHA256 == "" {
		t.Fatalf("file info=%+v", doc.File)
	}
}

func TestExtract_SingleFlight(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, Options{}, sizePlugin(&calls))
	path := writeFile(t, "a.txt", "same content")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Extract(context.Background(), Request{Ref: path}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("extract: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("plugin ran %d times", calls.Load())
	}
}

func TestExtract_CachedRoundTrip(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, Options{}, sizePlugin(&calls))
	path := writeFile(t, "a.txt", "abc")

	first, err := e.Extract(context.Background(), Request{Ref: path})
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached {
		t.Fatalf("first result marked cached")
	}
	second, err := e.Extract(context.Background(), Request{Ref: path})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached || calls.Load() != 1 {
		t.Fatalf("cached=%v calls=%d", second.Cached, calls.Load())
	}
	if !second.Metadata["meta"].Equal(first.Metadata["meta"]) {
		t.Fatalf("cached metadata differs")
	}

	// A different tier is a different fingerprint.
	if _, err := e.Extract(context.Background(), Request{Ref: path, Tier: plugin.TierForensic}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("tier change reused the cache, calls=%d", calls.Load())
	}

	// NoCache bypasses the stored entry.
	if _, err := e.Extract(context.Background(), Request{Ref: path, NoCache: true}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Fatalf("NoCache read from the cache, calls=%d", calls.Load())
	}
}

func TestExtract_TierRedaction(t *testing.T) {
	p := &testPlugin{
		name: "secrets",
		fields: []plugin.FieldSpec{
			{Name: "public"},
			{Name: "detail", Tier: plugin.TierStandard},
			{Name: "raw", Tier: plugin.TierForensic},
		},
		extract: func(ctx context.Context, in *plugin.Input) (*plugin.Fields, error) {
			return plugin.NewFields().Set("public", 1).Set("detail", 2).Set("raw", 3), nil
		},
	}
	e := newEngine(t, Options{}, p)
	path := writeFile(t, "a.bin", "x")

	cases := []struct {
		tier plugin.Tier
		keys []string
	}{
		{plugin.TierFree, []string{"public"}},
		{plugin.TierStandard, []string{"public", "detail"}},
		{plugin.TierForensic, []string{"public", "detail", "raw"}},
	}
	for _, tc := range cases {
		doc, err := e.Extract(context.Background(), Request{Ref: path, Tier: tc.tier})
		if err != nil {
			t.Fatal(err)
		}
		got := doc.Metadata["secrets"].Keys()
		if strings.Join(got, ",") != strings.Join(tc.keys, ",") {
			t.Fatalf("tier %s: keys=%v", tc.tier, got)
		}
		if doc.Status["secrets"].Redacted != 3-len(tc.keys) {
			t.Fatalf("tier %s: redacted=%d", tc.tier, doc.Status["secrets"].Redacted)
		}
	}
}

func TestExtract_UnknownAndFailingDomains(t *testing.T) {
	var calls atomic.Int32
	broken := &testPlugin{
		name:   "broken",
		fields: []plugin.FieldSpec{{Name: "x"}},
		extract: func(ctx context.Context, in *plugin.Input) (*plugin.Fields, error) {
			return plugin.NewFields().Set("undeclared", 1), nil
		},
	}
	e := newEngine(t, Options{Scheduler: scheduler.Config{Workers: 2, MaxRetries: -1}}, sizePlugin(&calls), broken)
	path := writeFile(t, "a.bin", "x")

	req := Request{Ref: path, Domains: []string{"meta", "nope", "broken", "meta"}}
	doc, err := e.Extract(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status["nope"].Outcome != outcomeNotFound {
		t.Fatalf("nope=%+v", doc.Status["nope"])
	}
	if st := doc.Status["broken"]; st.Outcome != "failed" || st.Kind != "contract_violation" {
		t.Fatalf("broken=%+v", st)
	}
	if doc.Status["meta"].Outcome != outcomeOK || doc.Metadata["meta"] == nil {
		t.Fatalf("meta=%+v", doc.Status["meta"])
	}
	if doc.Complete() {
		t.Fatalf("document with failures reported complete")
	}

	// Incomplete documents are not cached.
	if _, err := e.Extract(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("incomplete document served from cache, calls=%d", calls.Load())
	}
}

func TestExtract_CancelMidStream(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	slow := &testPlugin{
		name:   "slow",
		fields: []plugin.FieldSpec{{Name: "chunks"}},
		extract: func(ctx context.Context, in *plugin.Input) (*plugin.Fields, error) {
			r, err := in.Open(stream.KindBinary)
			if err != nil {
				return nil, err
			}
			n := 0
			for {
				c, err := r.Next(ctx)
				if err == io.EOF {
					break
				}
				if err != nil {
					return nil, err
				}
				n++
				once.Do(func() { close(started) })
				if c.Final {
					break
				}
				time.Sleep(20 * time.Millisecond)
			}
			return plugin.NewFields().Set("chunks", n), nil
		},
	}
	base := stream.OpenHandles()
	e := newEngine(t, Options{Stream: stream.Config{ChunkSize: 16, StreamingThreshold: 1}}, slow)
	path := writeFile(t, "big.bin", strings.Repeat("z", 16*200))

	ctx, cancel := context.WithCancel(context.Background())
	p := e.ExtractAsync(ctx, Request{Ref: path, NoCache: true})
	<-started
	cancel()

	doc, err := p.Wait(context.Background())
	if !errors.Is(err, failure.ErrCancelled) || doc != nil {
		t.Fatalf("doc=%v err=%v", doc, err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		st := e.SchedulerStats()
		if stream.OpenHandles() == base && st.Cancelled == 1 && st.Running == 0 {
			if st.Completed != 0 {
				t.Fatalf("cancelled task completed: %+v", st)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handles=%d base=%d stats=%+v", stream.OpenHandles(), base, st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExtract_AutoSelectsAcceptingPlugins(t *testing.T) {
	csvOnly := &testPlugin{
		name:    "csv_only",
		fields:  []plugin.FieldSpec{{Name: "ok"}},
		accepts: func(name, mime string) bool { return strings.HasSuffix(name, ".csv") },
		extract: func(ctx context.Context, in *plugin.Input) (*plugin.Fields, error) {
			return plugin.NewFields().Set("ok", true), nil
		},
	}
	e := newEngine(t, Options{}, csvOnly, sizePlugin(nil))

	doc, err := e.Extract(context.Background(), Request{Ref: writeFile(t, "a.txt", "x")})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := doc.Status["csv_only"]; ok {
		t.Fatalf("csv plugin ran on a txt file")
	}
	doc, err = e.Extract(context.Background(), Request{Ref: writeFile(t, "b.csv", "a,b\n")})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status["csv_only"].Outcome != outcomeOK {
		t.Fatalf("csv plugin skipped: %+v", doc.Status)
	}
}

func TestExtract_MissingFile(t *testing.T) {
	e := newEngine(t, Options{}, sizePlugin(nil))
	_, err := e.Extract(context.Background(), Request{Ref: filepath.Join(t.TempDir(), "missing")})
	if !errors.Is(err, failure.ErrStreamIO) {
		t.Fatalf("expected stream error, got %v", err)
	}
	if _, err := e.Extract(context.Background(), Request{Ref: "https://example.invalid/x"}); err == nil {
		t.Fatalf("remote ref accepted without a fetcher")
	}
}

func TestSniffMIME(t *testing.T) {
	if got := sniffMIME("a.csv", []byte("a,b\n1,2\n")); !strings.HasPrefix(got, "text/csv") {
		t.Fatalf("csv=%q", got)
	}
	if got := sniffMIME("x", []byte("%PDF-1.4\n")); got != "application/pdf" {
		t.Fatalf("pdf=%q", got)
	}
}

func TestExtract_RemoteRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/report.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "hello")
	}))
	defer srv.Close()

	e := newEngine(t, Options{Fetcher: &fetch.Client{HTTPClient: srv.Client(), MaxAttempts: 1}}, sizePlugin(nil))
	doc, err := e.Extract(context.Background(), Request{Ref: srv.URL + "/files/report.txt"})
	if err != nil {
		t.Fatalf("remote extract: %v", err)
	}
	if doc.File.Name != "report.txt" || doc.File.Size != 5 {
		t.Fatalf("file info %+v", doc.File)
	}
	if v, _ := doc.Metadata["meta"].Get("name"); v != "report.txt" {
		t.Fatalf("plugin saw name %v", v)
	}
	if _, err := e.Extract(context.Background(), Request{Ref: srv.URL + "/missing"}); err == nil {
		t.Fatalf("404 should fail the request")
	}
}

type cpuPlugin struct{ *testPlugin }

func (cpuPlugin) CPUBound() bool { return true }

func TestNew_ProcessCPUBoundRoutesHeavyDomains(t *testing.T) {
	var routed sync.Map
	hash := cpuPlugin{&testPlugin{
		name:   "hash",
		fields: []plugin.FieldSpec{{Name: "digest"}},
		extract: func(ctx context.Context, in *plugin.Input) (*plugin.Fields, error) {
			return plugin.NewFields().Set("digest", "in-process"), nil
		},
	}}
	e := newEngine(t, Options{
		ProcessCPUBound: true,
		Scheduler: scheduler.Config{Runners: map[scheduler.Mode]scheduler.Runner{
			scheduler.ModeProcess: scheduler.RunnerFunc(func(ctx context.Context, tk scheduler.Task) (*plugin.Fields, error) {
				routed.Store(tk.Domain, true)
				return plugin.NewFields().Set("digest", "child"), nil
			}),
		}},
	}, hash, sizePlugin(nil))

	doc, err := e.Extract(context.Background(), Request{Ref: writeFile(t, "a.bin", "hello")})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if v, _ := doc.Metadata["hash"].Get("digest"); v != "child" {
		t.Fatalf("cpu-bound domain ran in process: %v", v)
	}
	if _, ok := routed.Load("meta"); ok {
		t.Fatalf("I/O-bound domain was routed to a worker process")
	}
}

func TestExtract_CachedSizeIsDocumentNotFile(t *testing.T) {
	e := newEngine(t, Options{}, sizePlugin(nil))
	path := writeFile(t, "big.bin", strings.Repeat("x", 1<<20))
	doc, err := e.Extract(context.Background(), Request{Ref: path})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	st := e.CacheStats()
	if st.Entries != 1 || st.MemoryBytes != int64(len(b)) {
		t.Fatalf("memory bytes=%d entries=%d, want %d for one document", st.MemoryBytes, st.Entries, len(b))
	}
	if st.MemoryBytes >= 1<<20 {
		t.Fatalf("cache charged the file size")
	}
}
