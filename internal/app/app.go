// Package app wires configuration into a running engine and drives the CLI.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/metaextract/internal/blobstore"
	"github.com/hyperifyio/metaextract/internal/cache"
	"github.com/hyperifyio/metaextract/internal/engine"
	"github.com/hyperifyio/metaextract/internal/fetch"
	"github.com/hyperifyio/metaextract/internal/llm"
	"github.com/hyperifyio/metaextract/internal/memwatch"
	"github.com/hyperifyio/metaextract/internal/plugin"
	"github.com/hyperifyio/metaextract/internal/plugins"
	"github.com/hyperifyio/metaextract/internal/procexec"
	"github.com/hyperifyio/metaextract/internal/registry"
	"github.com/hyperifyio/metaextract/internal/scheduler"
	"github.com/hyperifyio/metaextract/internal/stream"
)

// ErrNoDocuments is returned by Run when every input failed.
var ErrNoDocuments = errors.New("no input could be extracted")

type App struct {
	cfg    Config
	tier   plugin.Tier
	engine *engine.Engine
	mon    *memwatch.Monitor
	store  blobstore.Store
	out    io.Writer
}

// New builds the warm store, memory monitor, plugin registry and engine.
// Optional plugin dependencies that are unreachable degrade their plugins
// instead of failing startup.
func New(ctx context.Context, cfg Config) (*App, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	tier, _ := plugin.ParseTier(cfg.Tier)
	strategy, _ := scheduler.ParseStrategy(cfg.Strategy)

	store, err := blobstore.Open(blobstore.Config{
		Backend:     cfg.WarmBackend,
		Location:    cfg.WarmLocation,
		StrictPerms: cfg.WarmStrictPerms,
		TTL:         cfg.WarmTTL,
		Clear:       cfg.WarmClear,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		KeyPrefix:   cfg.RedisPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("open warm tier: %w", err)
	}

	mon, err := memwatch.New(memwatch.Config{
		Interval:        cfg.MonitorInterval,
		Thresholds:      cfg.thresholds(),
		HistorySize:     cfg.MonitorHistory,
		QueueSize:       cfg.SubscriberQueue,
		CallbackTimeout: cfg.SubscriberTimeout,
	})
	if err != nil {
		closeStore(store)
		return nil, fmt.Errorf("memory monitor: %w", err)
	}
	if err := mon.Start(0); err != nil {
		closeStore(store)
		return nil, err
	}

	sc := stream.Config{ChunkSize: cfg.ChunkSize, StreamingThreshold: cfg.StreamingThreshold}
	if sc.ChunkSize <= 0 {
		sc.ChunkSize = stream.DefaultChunkSize
	}
	if sc.StreamingThreshold <= 0 {
		sc.StreamingThreshold = stream.DefaultStreamingThreshold
	}

	reg := NewRegistry(cfg)
	schedCfg := scheduler.Config{
		Workers:           cfg.Workers,
		Strategy:          strategy,
		NoPriorityBarrier: cfg.NoPriorityBarrier,
		MaxRetries:        cfg.MaxRetries,
		BackoffBase:       cfg.BackoffBase,
		BackoffMax:        cfg.BackoffMax,
		Timeout:           cfg.TaskTimeout,
	}
	if len(cfg.ProcessDomains) > 0 || cfg.ProcessCPUBound {
		schedCfg.Modes = make(map[string]scheduler.Mode, len(cfg.ProcessDomains))
		for _, d := range cfg.ProcessDomains {
			schedCfg.Modes[d] = scheduler.ModeProcess
		}
		schedCfg.Runners = map[scheduler.Mode]scheduler.Runner{
			scheduler.ModeProcess: &procexec.Runner{Env: workerEnv(cfg), Stream: sc},
		}
	}

	eng, err := engine.New(ctx, engine.Options{
		Registry:  reg,
		Scheduler: schedCfg,
		Cache: cache.Config{
			Shards:        cfg.CacheShards,
			TargetEntries: cfg.CacheEntries,
			Floor:         cfg.CacheFloor,
			WarmMaxBytes:  cfg.WarmMaxBytes,
			Store:         store,
		},
		Monitor: mon,
		Stream:  sc,
		Fetcher: &fetch.Client{
			HTTPClient:        newHTTPClient(0),
			UserAgent:         "metaextract/" + BuildVersion,
			MaxAttempts:       cfg.FetchAttempts,
			PerRequestTimeout: cfg.FetchTimeout,
			MaxBytes:          cfg.FetchMaxBytes,
		},
		DefaultPriority: cfg.DefaultPriority,
		ProcessCPUBound: cfg.ProcessCPUBound,
	})
	if err != nil {
		mon.Stop()
		closeStore(store)
		return nil, err
	}
	return &App{cfg: cfg, tier: tier, engine: eng, mon: mon, store: store, out: os.Stdout}, nil
}

// NewRegistry builds the registry of built-in plugins for cfg. The worker
// subcommand uses it too, so both sides of a process-mode task agree.
func NewRegistry(cfg Config) *registry.Registry {
	pc := plugins.Config{FFprobePath: cfg.FFprobePath, LLMModel: cfg.LLMModel}
	if strings.TrimSpace(cfg.LLMBaseURL) != "" {
		pc.LLM = llm.New(cfg.LLMBaseURL, cfg.LLMAPIKey, newHTTPClient(2*time.Minute))
	}
	return registry.New(plugins.Builtin(pc)...)
}

// workerEnv forwards the settings a worker child needs to build the same
// plugins.
func workerEnv(cfg Config) []string {
	var env []string
	add := func(k, v string) {
		if v != "" {
			env = append(env, k+"="+v)
		}
	}
	add("LLM_BASE_URL", cfg.LLMBaseURL)
	add("LLM_MODEL", cfg.LLMModel)
	add("LLM_API_KEY", cfg.LLMAPIKey)
	add("FFPROBE_PATH", cfg.FFprobePath)
	return env
}

func closeStore(s blobstore.Store) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		log.Warn().Err(err).Msg("close warm tier")
	}
}

// Close drains the engine and releases the monitor and warm store.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.engine.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("engine shutdown")
	}
	a.mon.Stop()
	closeStore(a.store)
}

// SetOutput redirects JSON output; the default is stdout.
func (a *App) SetOutput(w io.Writer) { a.out = w }

// Engine exposes the wired engine.
func (a *App) Engine() *engine.Engine { return a.engine }

type result struct {
	Ref      string           `json:"ref"`
	Document *engine.Document `json:"document,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type statusReport struct {
	Build  BuildInfo     `json:"build"`
	Engine engine.Status `json:"engine"`
}

// Run extracts every input concurrently and writes one JSON object per input
// in input order. With Status set it writes the engine status instead.
func (a *App) Run(ctx context.Context) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if a.cfg.Status {
		return enc.Encode(statusReport{Build: buildInfo(), Engine: a.engine.Status()})
	}
	if a.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
	}

	pending := make([]*engine.Pending, len(a.cfg.Inputs))
	for i, ref := range a.cfg.Inputs {
		pending[i] = a.engine.ExtractAsync(ctx, engine.Request{
			Ref:     ref,
			Tier:    a.tier,
			Domains: a.cfg.Domains,
			Options: a.cfg.Options,
			NoCache: a.cfg.NoCache,
		})
	}
	ok := 0
	for i, p := range pending {
		ref := a.cfg.Inputs[i]
		doc, err := p.Wait(ctx)
		r := result{Ref: ref, Document: doc}
		if err != nil {
			log.Warn().Err(err).Str("ref", ref).Msg("extraction failed")
			r.Error = err.Error()
		} else {
			ok++
			log.Debug().Str("ref", ref).Bool("cached", doc.Cached).Int("domains", len(doc.Metadata)).Msg("extracted")
		}
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	if ok == 0 {
		return ErrNoDocuments
	}
	return nil
}
