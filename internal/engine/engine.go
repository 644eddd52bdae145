// Package engine is the entry point: it resolves the input, fingerprints it,
// consults the cache and fans extraction out to the scheduler, one task per
// domain, merging the results into a single document.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/metaextract/internal/cache"
	"github.com/hyperifyio/metaextract/internal/failure"
	"github.com/hyperifyio/metaextract/internal/fetch"
	"github.com/hyperifyio/metaextract/internal/memwatch"
	"github.com/hyperifyio/metaextract/internal/plugin"
	"github.com/hyperifyio/metaextract/internal/registry"
	"github.com/hyperifyio/metaextract/internal/scheduler"
	"github.com/hyperifyio/metaextract/internal/stream"
)

// Options wires the engine's collaborators.
type Options struct {
	Registry *registry.Registry
	// Scheduler configures the pool. A ModeThread runner is installed when
	// none is given.
	Scheduler scheduler.Config
	Cache     cache.Config
	// Monitor is optional; when set the cache follows its pressure levels.
	Monitor *memwatch.Monitor
	Stream  stream.Config
	// Fetcher is optional; without it remote refs are rejected.
	Fetcher         *fetch.Client
	DefaultPriority int
	// ProcessCPUBound routes every CPU-bound domain without an explicit
	// entry in Scheduler.Modes to ModeProcess.
	ProcessCPUBound bool
}

// Engine is safe for concurrent use.
type Engine struct {
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	cache   *cache.Cache[*Document]
	mon     *memwatch.Monitor
	fetcher *fetch.Client
	stream  stream.Config
	prio    int
	unwatch func()
}

// New discovers plugins and starts the worker pool. It fails only when the
// engine cannot be built at all.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine: registry required")
	}
	if opts.Stream.ChunkSize <= 0 {
		opts.Stream = stream.DefaultConfig()
	}
	descs := opts.Registry.Discover(ctx)
	if len(descs) == 0 {
		return nil, errors.New("engine: no plugins registered")
	}
	sc := opts.Scheduler
	if opts.ProcessCPUBound {
		sc.Modes = cpuBoundModes(sc.Modes, descs)
	}
	runners := make(map[scheduler.Mode]scheduler.Runner, len(sc.Runners)+1)
	for m, r := range sc.Runners {
		runners[m] = r
	}
	if runners[scheduler.ModeThread] == nil {
		runners[scheduler.ModeThread] = &PluginRunner{Registry: opts.Registry, Stream: opts.Stream}
	}
	sc.Runners = runners

	e := &Engine{
		reg:     opts.Registry,
		sched:   scheduler.New(sc),
		cache:   cache.New[*Document](opts.Cache, cache.JSONCodec[*Document]{}),
		mon:     opts.Monitor,
		fetcher: opts.Fetcher,
		stream:  opts.Stream,
		prio:    opts.DefaultPriority,
	}
	if e.mon != nil {
		e.unwatch = e.cache.Watch(e.mon)
	}
	return e, nil
}

func cpuBoundModes(configured map[string]scheduler.Mode, descs []plugin.Descriptor) map[string]scheduler.Mode {
	modes := make(map[string]scheduler.Mode, len(configured)+len(descs))
	for d, m := range configured {
		modes[d] = m
	}
	for _, d := range descs {
		if _, set := modes[d.Domain]; !set && d.CPUBound {
			modes[d.Domain] = scheduler.ModeProcess
		}
	}
	return modes
}

// Close drains the pool and detaches from the monitor.
func (e *Engine) Close(ctx context.Context) error {
	if e.unwatch != nil {
		e.unwatch()
	}
	return e.sched.Shutdown(ctx, true)
}

// ExtractAsync starts Extract on its own goroutine.
func (e *Engine) ExtractAsync(ctx context.Context, req Request) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.doc, p.err = e.Extract(ctx, req)
	}()
	return p
}

// Extract runs the request to completion. Individual domain failures are
// reported in Document.Status; an error is returned only when the input
// itself cannot be read or ctx ends.
func (e *Engine) Extract(ctx context.Context, req Request) (*Document, error) {
	path, name := req.Ref, req.Name
	if fetch.IsRemote(req.Ref) {
		if e.fetcher == nil {
			return nil, fmt.Errorf("remote refs are not enabled: %s", req.Ref)
		}
		d, err := e.fetcher.Fetch(ctx, req.Ref)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", req.Ref, err)
		}
		defer d.Cleanup()
		path = d.Path
		if name == "" {
			name = d.Name
		}
	}
	if name == "" {
		name = filepath.Base(path)
	}

	info, err := e.identify(ctx, path, name)
	if err != nil {
		return nil, err
	}
	domains, status := e.selectDomains(req.Domains, info)
	fp := cache.Fingerprint(info.SHA256, req.Tier.String(), domains, req.Options)

	build := func(ctx context.Context) (*Document, error) {
		return e.build(ctx, req, path, info, fp, domains, status)
	}
	if req.NoCache {
		return build(ctx)
	}

	computed := false
	doc, err := e.cache.GetOrCompute(ctx, fp, func(cctx context.Context) (cache.Computed[*Document], error) {
		computed = true
		d, err := build(cctx)
		if err != nil {
			return cache.Computed[*Document]{}, err
		}
		return cache.Computed[*Document]{Value: d, Size: documentSize(d), NoStore: !d.Complete()}, nil
	})
	if err != nil {
		return nil, err
	}
	if computed {
		return doc, nil
	}
	out := *doc
	out.Cached = true
	return &out, nil
}

// documentSize estimates the memory a cached document holds by its encoded
// length. The extracted file's own size is unrelated.
func documentSize(d *Document) int64 {
	b, err := json.Marshal(d)
	if err != nil {
		return 1
	}
	return int64(len(b))
}

// identify hashes the file through the stream reader and sniffs its type.
func (e *Engine) identify(ctx context.Context, path, name string) (FileInfo, error) {
	cfg := e.stream
	cfg.Kind = stream.KindBinary
	r, err := stream.Open(path, cfg)
	if err != nil {
		return FileInfo{}, err
	}
	defer r.Close()
	h := sha256.New()
	head := make([]byte, 0, 512)
	for {
		c, err := r.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return FileInfo{}, err
		}
		if len(head) < cap(head) {
			n := cap(head) - len(head)
			if n > len(c.Data) {
				n = len(c.Data)
			}
			head = append(head, c.Data[:n]...)
		}
		h.Write(c.Data)
		if c.Final {
			break
		}
	}
	return FileInfo{
		Name:   name,
		Size:   r.Size(),
		MIME:   sniffMIME(name, head),
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Types missing from Go's built-in table on hosts without /etc/mime.types.
var extraTypes = map[string]string{
	".csv":    "text/csv",
	".tsv":    "text/tab-separated-values",
	".md":     "text/markdown",
	".eml":    "message/rfc822",
	".mbox":   "application/mbox",
	".mp4":    "video/mp4",
	".m4a":    "audio/mp4",
	".mov":    "video/quicktime",
	".wav":    "audio/wav",
	".avi":    "video/x-msvideo",
	".jsonl":  "application/jsonl",
	".ndjson": "application/x-ndjson",
}

func init() {
	for ext, typ := range extraTypes {
		if mime.TypeByExtension(ext) == "" {
			_ = mime.AddExtensionType(ext, typ)
		}
	}
}

func sniffMIME(name string, head []byte) string {
	sniffed := http.DetectContentType(head)
	generic := sniffed == "application/octet-stream" || strings.HasPrefix(sniffed, "text/plain")
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" && generic {
		return byExt
	}
	return sniffed
}

// selectDomains returns the runnable domains in sorted order plus status
// entries for requested domains that cannot run.
func (e *Engine) selectDomains(requested []string, info FileInfo) ([]string, map[string]DomainStatus) {
	status := make(map[string]DomainStatus)
	var out []string
	if len(requested) == 0 {
		for _, d := range e.reg.Domains() {
			p, _, ok := e.reg.Plugin(d)
			if ok && p.Accepts(info.Name, info.MIME) {
				out = append(out, d)
			}
		}
		return out, status
	}
	seen := make(map[string]bool)
	for _, d := range requested {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		desc, err := e.reg.Resolve(d)
		switch {
		case err != nil:
			status[d] = DomainStatus{Outcome: outcomeNotFound, Error: err.Error(), Kind: "not_found"}
		case desc.Availability == plugin.Unavailable:
			status[d] = DomainStatus{Outcome: outcomeUnavailable, Availability: desc.Availability.String(), Error: desc.Reason, Kind: "dependency_missing"}
		default:
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out, status
}

func (e *Engine) build(ctx context.Context, req Request, path string, info FileInfo, fp string, domains []string, pre map[string]DomainStatus) (*Document, error) {
	doc := &Document{
		File:        info,
		Tier:        req.Tier,
		Fingerprint: fp,
		Metadata:    make(map[string]*plugin.Fields),
		Status:      make(map[string]DomainStatus, len(pre)+len(domains)),
		ExtractedAt: time.Now().UTC(),
	}
	for d, s := range pre {
		doc.Status[d] = s
	}
	if len(domains) == 0 {
		return doc, nil
	}

	prio := req.Priority
	if prio == 0 {
		prio = e.prio
	}
	tasks := make([]scheduler.Task, 0, len(domains))
	for _, d := range domains {
		tasks = append(tasks, scheduler.Task{
			Path:     path,
			Name:     info.Name,
			MIME:     info.MIME,
			Size:     info.Size,
			Domain:   d,
			Options:  req.Options,
			Priority: prio,
		})
	}
	futs, err := e.sched.SubmitBatch(tasks)
	if err != nil {
		for _, f := range futs {
			f.Cancel()
		}
		return nil, fmt.Errorf("submit: %w", err)
	}

	for _, f := range futs {
		res, err := f.Wait(ctx)
		if err != nil {
			for _, g := range futs {
				g.Cancel()
			}
			return nil, fmt.Errorf("%w: %w", failure.ErrCancelled, err)
		}
		e.merge(doc, res)
	}
	return doc, nil
}

// merge records one domain's result, removing fields above the request tier.
func (e *Engine) merge(doc *Document, res scheduler.Result) {
	desc, _ := e.reg.Resolve(res.Domain)
	st := DomainStatus{
		Outcome:      res.Outcome.String(),
		Availability: desc.Availability.String(),
		Attempts:     res.Attempts,
		DurationMS:   res.Duration.Milliseconds(),
	}
	if res.Outcome != scheduler.Succeeded {
		if res.Err != nil {
			st.Error = res.Err.Error()
			st.Kind = res.ErrorKind()
		}
		doc.Status[res.Domain] = st
		log.Debug().Str("domain", res.Domain).Str("outcome", st.Outcome).Err(res.Err).Msg("domain extraction failed")
		return
	}
	st.Outcome = outcomeOK
	kept := res.Fields.Filter(func(k string) bool { return desc.FieldTier(k) <= doc.Tier })
	st.Redacted = res.Fields.Len() - kept.Len()
	doc.Metadata[res.Domain] = kept
	doc.Status[res.Domain] = st
}

// RegistryStatus lists every plugin descriptor.
func (e *Engine) RegistryStatus() []plugin.Descriptor { return e.reg.Status() }

// Reload re-checks plugin dependencies.
func (e *Engine) Reload(ctx context.Context) []plugin.Descriptor { return e.reg.Reload(ctx) }

func (e *Engine) CacheStats() cache.Stats { return e.cache.Stats() }

func (e *Engine) SchedulerStats() scheduler.Stats { return e.sched.Stats() }

// MemoryStatus returns the monitor's view, or a single fresh sample when no
// monitor is attached.
func (e *Engine) MemoryStatus(historyN int) memwatch.Status {
	if e.mon == nil {
		return memwatch.Status{Level: memwatch.Normal}
	}
	return e.mon.Status(historyN)
}

// Invalidate drops a cached document.
func (e *Engine) Invalidate(ctx context.Context, fingerprint string) {
	e.cache.Invalidate(ctx, fingerprint)
}

// Status bundles every component view.
type Status struct {
	Plugins   []plugin.Descriptor `json:"plugins"`
	Cache     cache.Stats         `json:"cache"`
	Scheduler scheduler.Stats     `json:"scheduler"`
	Memory    memwatch.Status     `json:"memory"`
	Handles   int64               `json:"open_stream_handles"`
}

func (e *Engine) Status() Status {
	return Status{
		Plugins:   e.RegistryStatus(),
		Cache:     e.CacheStats(),
		Scheduler: e.SchedulerStats(),
		Memory:    e.MemoryStatus(10),
		Handles:   stream.OpenHandles(),
	}
}
