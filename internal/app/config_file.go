package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperifyio/metaextract/internal/memwatch"
	"github.com/hyperifyio/metaextract/internal/plugin"
	"github.com/hyperifyio/metaextract/internal/scheduler"
)

// FileConfig is the on-disk configuration schema (YAML or JSON). Durations
// are strings accepted by time.ParseDuration.
type FileConfig struct {
	Tier    string   `yaml:"tier" json:"tier"`
	Domains []string `yaml:"domains" json:"domains"`

	Scheduler struct {
		Workers           int      `yaml:"workers" json:"workers"`
		Strategy          string   `yaml:"strategy" json:"strategy"`
		NoPriorityBarrier bool     `yaml:"noPriorityBarrier" json:"noPriorityBarrier"`
		MaxRetries        int      `yaml:"maxRetries" json:"maxRetries"`
		BackoffBase       string   `yaml:"backoffBase" json:"backoffBase"`
		BackoffMax        string   `yaml:"backoffMax" json:"backoffMax"`
		TaskTimeout       string   `yaml:"taskTimeout" json:"taskTimeout"`
		RequestTimeout    string   `yaml:"requestTimeout" json:"requestTimeout"`
		ProcessDomains    []string `yaml:"processDomains" json:"processDomains"`
		ProcessCPUBound   bool     `yaml:"processCPUBound" json:"processCPUBound"`
		DefaultPriority   int      `yaml:"defaultPriority" json:"defaultPriority"`
	} `yaml:"scheduler" json:"scheduler"`

	Stream struct {
		ChunkSize          int   `yaml:"chunkSize" json:"chunkSize"`
		StreamingThreshold int64 `yaml:"streamingThreshold" json:"streamingThreshold"`
	} `yaml:"stream" json:"stream"`

	Cache struct {
		Entries int `yaml:"entries" json:"entries"`
		Floor   int `yaml:"floor" json:"floor"`
		Shards  int `yaml:"shards" json:"shards"`
		Warm    struct {
			Backend     string `yaml:"backend" json:"backend"`
			Location    string `yaml:"location" json:"location"`
			MaxBytes    int64  `yaml:"maxBytes" json:"maxBytes"`
			StrictPerms bool   `yaml:"strictPerms" json:"strictPerms"`
			TTL         string `yaml:"ttl" json:"ttl"`
			Clear       bool   `yaml:"clear" json:"clear"`
			Password    string `yaml:"password" json:"password"`
			DB          int    `yaml:"db" json:"db"`
			Prefix      string `yaml:"prefix" json:"prefix"`
		} `yaml:"warm" json:"warm"`
	} `yaml:"cache" json:"cache"`

	Memory struct {
		Interval          string              `yaml:"interval" json:"interval"`
		Thresholds        memwatch.Thresholds `yaml:"thresholds" json:"thresholds"`
		History           int                 `yaml:"history" json:"history"`
		SubscriberQueue   int                 `yaml:"subscriberQueue" json:"subscriberQueue"`
		SubscriberTimeout string              `yaml:"subscriberTimeout" json:"subscriberTimeout"`
	} `yaml:"memory" json:"memory"`

	LLM struct {
		BaseURL string `yaml:"base" json:"base"`
		Model   string `yaml:"model" json:"model"`
		APIKey  string `yaml:"key" json:"key"`
	} `yaml:"llm" json:"llm"`

	FFprobe string `yaml:"ffprobe" json:"ffprobe"`

	Fetch struct {
		Attempts int    `yaml:"attempts" json:"attempts"`
		MaxBytes int64  `yaml:"maxBytes" json:"maxBytes"`
		Timeout  string `yaml:"timeout" json:"timeout"`
	} `yaml:"fetch" json:"fetch"`
}

// LoadConfigFile reads YAML or JSON by extension; unknown extensions try
// YAML then JSON.
func LoadConfigFile(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(b, &fc); err != nil {
			if jerr := json.Unmarshal(b, &fc); jerr != nil {
				return fc, fmt.Errorf("parse config: %v (yaml) / %v (json)", err, jerr)
			}
		}
	}
	return fc, nil
}

// ApplyFileConfig overlays file values onto fields that are still unset, so
// flags and env keep precedence. Malformed durations are reported.
func ApplyFileConfig(cfg *Config, fc FileConfig) error {
	if cfg == nil {
		return nil
	}
	var errs []error
	dur := func(dst *time.Duration, name, v string) {
		if *dst != 0 || strings.TrimSpace(v) == "" {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("config file: %s: %w", name, err))
			return
		}
		*dst = d
	}
	str := func(dst *string, v string) {
		if *dst == "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(dst *int, v int) {
		if *dst == 0 {
			*dst = v
		}
	}
	num64 := func(dst *int64, v int64) {
		if *dst == 0 {
			*dst = v
		}
	}

	str(&cfg.Tier, fc.Tier)
	if len(cfg.Domains) == 0 {
		cfg.Domains = fc.Domains
	}

	s := fc.Scheduler
	num(&cfg.Workers, s.Workers)
	str(&cfg.Strategy, s.Strategy)
	cfg.NoPriorityBarrier = cfg.NoPriorityBarrier || s.NoPriorityBarrier
	num(&cfg.MaxRetries, s.MaxRetries)
	dur(&cfg.BackoffBase, "scheduler.backoffBase", s.BackoffBase)
	dur(&cfg.BackoffMax, "scheduler.backoffMax", s.BackoffMax)
	dur(&cfg.TaskTimeout, "scheduler.taskTimeout", s.TaskTimeout)
	dur(&cfg.RequestTimeout, "scheduler.requestTimeout", s.RequestTimeout)
	if len(cfg.ProcessDomains) == 0 {
		cfg.ProcessDomains = s.ProcessDomains
	}
	cfg.ProcessCPUBound = cfg.ProcessCPUBound || s.ProcessCPUBound
	num(&cfg.DefaultPriority, s.DefaultPriority)

	num(&cfg.ChunkSize, fc.Stream.ChunkSize)
	num64(&cfg.StreamingThreshold, fc.Stream.StreamingThreshold)

	c := fc.Cache
	num(&cfg.CacheEntries, c.Entries)
	num(&cfg.CacheFloor, c.Floor)
	num(&cfg.CacheShards, c.Shards)
	str(&cfg.WarmBackend, c.Warm.Backend)
	str(&cfg.WarmLocation, c.Warm.Location)
	num64(&cfg.WarmMaxBytes, c.Warm.MaxBytes)
	cfg.WarmStrictPerms = cfg.WarmStrictPerms || c.Warm.StrictPerms
	dur(&cfg.WarmTTL, "cache.warm.ttl", c.Warm.TTL)
	cfg.WarmClear = cfg.WarmClear || c.Warm.Clear
	str(&cfg.RedisPassword, c.Warm.Password)
	num(&cfg.RedisDB, c.Warm.DB)
	str(&cfg.RedisPrefix, c.Warm.Prefix)

	m := fc.Memory
	dur(&cfg.MonitorInterval, "memory.interval", m.Interval)
	if cfg.ElevatedPercent == 0 {
		cfg.ElevatedPercent = m.Thresholds.Elevated
	}
	if cfg.HighPercent == 0 {
		cfg.HighPercent = m.Thresholds.High
	}
	if cfg.CriticalPercent == 0 {
		cfg.CriticalPercent = m.Thresholds.Critical
	}
	num(&cfg.MonitorHistory, m.History)
	num(&cfg.SubscriberQueue, m.SubscriberQueue)
	dur(&cfg.SubscriberTimeout, "memory.subscriberTimeout", m.SubscriberTimeout)

	str(&cfg.LLMBaseURL, fc.LLM.BaseURL)
	str(&cfg.LLMModel, fc.LLM.Model)
	str(&cfg.LLMAPIKey, fc.LLM.APIKey)
	str(&cfg.FFprobePath, fc.FFprobe)

	num(&cfg.FetchAttempts, fc.Fetch.Attempts)
	num64(&cfg.FetchMaxBytes, fc.Fetch.MaxBytes)
	dur(&cfg.FetchTimeout, "fetch.timeout", fc.Fetch.Timeout)

	return errors.Join(errs...)
}

// ValidateConfig rejects settings the subsystems would refuse or silently
// misread.
func ValidateConfig(cfg Config) error {
	if !cfg.Status && len(cfg.Inputs) == 0 {
		return errors.New("config: at least one input file is required")
	}
	if _, err := plugin.ParseTier(cfg.Tier); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := scheduler.ParseStrategy(cfg.Strategy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Workers < 0 || cfg.ChunkSize < 0 || cfg.StreamingThreshold < 0 ||
		cfg.CacheEntries < 0 || cfg.CacheFloor < 0 || cfg.CacheShards < 0 ||
		cfg.WarmMaxBytes < 0 || cfg.FetchAttempts < 0 || cfg.FetchMaxBytes < 0 {
		return errors.New("config: negative limits are not allowed")
	}
	if cfg.CacheEntries > 0 && cfg.CacheFloor > cfg.CacheEntries {
		return errors.New("config: cache floor exceeds cache entries")
	}
	if th := cfg.thresholds(); th != (memwatch.Thresholds{}) {
		if err := th.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.WarmBackend)) {
	case "", "none":
	case "dir", "bolt", "redis":
		if strings.TrimSpace(cfg.WarmLocation) == "" {
			return fmt.Errorf("config: warm backend %q needs a location", cfg.WarmBackend)
		}
	default:
		return fmt.Errorf("config: unknown warm backend %q", cfg.WarmBackend)
	}
	return nil
}

// thresholds returns the configured levels, taking defaults for any left
// unset when at least one is given.
func (c Config) thresholds() memwatch.Thresholds {
	if c.ElevatedPercent == 0 && c.HighPercent == 0 && c.CriticalPercent == 0 {
		return memwatch.Thresholds{}
	}
	th := memwatch.DefaultThresholds()
	if c.ElevatedPercent != 0 {
		th.Elevated = c.ElevatedPercent
	}
	if c.HighPercent != 0 {
		th.High = c.HighPercent
	}
	if c.CriticalPercent != 0 {
		th.Critical = c.CriticalPercent
	}
	return th
}
