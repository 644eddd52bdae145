package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/metaextract/internal/app"
	"github.com/hyperifyio/metaextract/internal/procexec"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 && os.Args[1] == "worker" {
		// Workers report through their JSON envelope; keep stderr quiet.
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
		os.Exit(runWorker(ctx, os.Args[2:], os.Stdout))
	}

	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(2)
	}
	if cfg.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if err := run(ctx, cfg, os.Stdout); err != nil {
		log.Error().Err(err).Msg("run failed")
		os.Exit(1)
	}
}

// parseFlags builds the configuration: flags first, then the environment
// (after .env files), then the optional config file.
func parseFlags(args []string, stderr io.Writer) (app.Config, error) {
	var (
		cfg        app.Config
		configPath string
		envFiles   string
		domains    string
		procDoms   string
		barrier    bool
	)
	cfg.Options = map[string]string{}

	fs := flag.NewFlagSet("metaextract", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: metaextract [flags] FILE|URL...\n       metaextract worker -domain D -file F\n\n")
		fs.PrintDefaults()
	}
	fs.StringVar(&configPath, "config", os.Getenv("METAEXTRACT_CONFIG"), "Path to YAML or JSON config file")
	fs.StringVar(&envFiles, "env", ".env", "Comma-separated dotenv files to load")
	fs.StringVar(&cfg.Tier, "tier", "", "Access tier: free, standard or forensic")
	fs.StringVar(&domains, "domains", "", "Comma-separated domains to extract (default: every plugin that accepts the file)")
	fs.Func("opt", "Plugin option as key=value; repeatable", func(s string) error {
		k, v, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("option %q is not key=value", s)
		}
		cfg.Options[strings.TrimSpace(k)] = strings.TrimSpace(v)
		return nil
	})
	fs.BoolVar(&cfg.NoCache, "no-cache", false, "Bypass the result cache")
	fs.BoolVar(&cfg.Status, "status", false, "Print registry, cache, scheduler and memory status and exit")
	fs.IntVar(&cfg.Workers, "workers", 0, "Worker pool size (default: number of CPUs)")
	fs.StringVar(&cfg.Strategy, "strategy", "", "Scheduling strategy: least_loaded or size_aware")
	fs.BoolVar(&barrier, "priority.barrier", true, "Hold lower-priority tasks while higher-priority ones are pending")
	fs.IntVar(&cfg.MaxRetries, "retries", 0, "Retries for transient failures (negative disables)")
	fs.DurationVar(&cfg.TaskTimeout, "task.timeout", 0, "Per-domain task timeout")
	fs.DurationVar(&cfg.RequestTimeout, "timeout", 0, "Overall timeout for the whole run")
	fs.StringVar(&procDoms, "process.domains", "", "Comma-separated domains to run in worker processes")
	fs.BoolVar(&cfg.ProcessCPUBound, "process.cpuBound", false, "Run every CPU-bound domain in worker processes")
	fs.IntVar(&cfg.ChunkSize, "chunk.size", 0, "Stream chunk size in bytes")
	fs.Int64Var(&cfg.StreamingThreshold, "stream.threshold", 0, "Files at least this large are streamed")
	fs.IntVar(&cfg.CacheEntries, "cache.entries", 0, "Hot cache target entries")
	fs.StringVar(&cfg.WarmBackend, "cache.warm", "", "Warm tier backend: dir, bolt, redis or none")
	fs.StringVar(&cfg.WarmLocation, "cache.warm.location", "", "Warm tier directory, bbolt file or redis address")
	fs.BoolVar(&cfg.WarmStrictPerms, "cache.strictPerms", false, "Restrict warm tier permissions (0700 dirs, 0600 files)")
	fs.DurationVar(&cfg.WarmTTL, "cache.warm.ttl", 0, "Expire warm tier entries unused for this long (0 = never)")
	fs.BoolVar(&cfg.WarmClear, "cache.clear", false, "Empty the warm tier before running")
	fs.StringVar(&cfg.LLMBaseURL, "llm.base", "", "OpenAI-compatible base URL for the summary plugin")
	fs.StringVar(&cfg.LLMModel, "llm.model", "", "Model name for the summary plugin")
	fs.StringVar(&cfg.LLMAPIKey, "llm.key", "", "API key for the LLM endpoint")
	fs.StringVar(&cfg.FFprobePath, "ffprobe", "", "Path to ffprobe (default: look up on PATH)")
	fs.Int64Var(&cfg.FetchMaxBytes, "fetch.maxBytes", 0, "Maximum download size for remote refs (0 = unlimited)")
	fs.BoolVar(&cfg.Verbose, "v", false, "Verbose logging")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Inputs = fs.Args()
	cfg.NoPriorityBarrier = !barrier
	if s := strings.TrimSpace(domains); s != "" {
		cfg.Domains = strings.Split(s, ",")
	}
	if s := strings.TrimSpace(procDoms); s != "" {
		cfg.ProcessDomains = strings.Split(s, ",")
	}
	return loadConfig(cfg, configPath, strings.Split(envFiles, ","))
}

func loadConfig(cfg app.Config, configPath string, envFiles []string) (app.Config, error) {
	if err := app.LoadEnvFiles(envFiles...); err != nil {
		return cfg, fmt.Errorf("load env files: %w", err)
	}
	app.ApplyEnvToConfig(&cfg)
	if strings.TrimSpace(configPath) != "" {
		fc, err := app.LoadConfigFile(configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		if err := app.ApplyFileConfig(&cfg, fc); err != nil {
			return cfg, err
		}
	}
	return cfg, app.ValidateConfig(cfg)
}

func run(ctx context.Context, cfg app.Config, out io.Writer) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()
	a.SetOutput(out)
	return a.Run(ctx)
}

// runWorker is the child side of a process-mode task.
func runWorker(ctx context.Context, args []string, out io.Writer) int {
	var cfg app.Config
	app.ApplyEnvToConfig(&cfg)
	return procexec.WorkerMain(ctx, args, app.NewRegistry(cfg), out)
}
