package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvToConfig fills unset fields of cfg from environment variables.
// Fields already set (normally by flags) are left alone.
func ApplyEnvToConfig(cfg *Config) {
	if cfg == nil {
		return
	}
	setString(&cfg.Tier, "METAEXTRACT_TIER")
	setList(&cfg.Domains, "METAEXTRACT_DOMAINS")

	setInt(&cfg.Workers, "METAEXTRACT_WORKERS")
	setString(&cfg.Strategy, "METAEXTRACT_STRATEGY")
	setBool(&cfg.NoPriorityBarrier, "METAEXTRACT_NO_PRIORITY_BARRIER")
	setInt(&cfg.MaxRetries, "METAEXTRACT_MAX_RETRIES")
	setDuration(&cfg.BackoffBase, "METAEXTRACT_BACKOFF_BASE")
	setDuration(&cfg.BackoffMax, "METAEXTRACT_BACKOFF_MAX")
	setDuration(&cfg.TaskTimeout, "METAEXTRACT_TASK_TIMEOUT")
	setDuration(&cfg.RequestTimeout, "METAEXTRACT_REQUEST_TIMEOUT")
	setList(&cfg.ProcessDomains, "METAEXTRACT_PROCESS_DOMAINS")
	setBool(&cfg.ProcessCPUBound, "METAEXTRACT_PROCESS_CPU_BOUND")

	setInt(&cfg.ChunkSize, "METAEXTRACT_CHUNK_SIZE")
	setInt64(&cfg.StreamingThreshold, "METAEXTRACT_STREAMING_THRESHOLD")

	setInt(&cfg.CacheEntries, "METAEXTRACT_CACHE_ENTRIES")
	setInt(&cfg.CacheFloor, "METAEXTRACT_CACHE_FLOOR")
	setInt(&cfg.CacheShards, "METAEXTRACT_CACHE_SHARDS")
	setString(&cfg.WarmBackend, "METAEXTRACT_WARM_BACKEND")
	setString(&cfg.WarmLocation, "METAEXTRACT_WARM_LOCATION")
	setInt64(&cfg.WarmMaxBytes, "METAEXTRACT_WARM_MAX_BYTES")
	setBool(&cfg.WarmStrictPerms, "METAEXTRACT_WARM_STRICT_PERMS")
	setDuration(&cfg.WarmTTL, "METAEXTRACT_WARM_TTL")
	setBool(&cfg.WarmClear, "METAEXTRACT_WARM_CLEAR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.RedisDB, "REDIS_DB")
	setString(&cfg.RedisPrefix, "REDIS_PREFIX")

	setDuration(&cfg.MonitorInterval, "METAEXTRACT_MONITOR_INTERVAL")
	setFloat(&cfg.ElevatedPercent, "METAEXTRACT_MEM_ELEVATED")
	setFloat(&cfg.HighPercent, "METAEXTRACT_MEM_HIGH")
	setFloat(&cfg.CriticalPercent, "METAEXTRACT_MEM_CRITICAL")

	setString(&cfg.LLMBaseURL, "LLM_BASE_URL")
	setString(&cfg.LLMModel, "LLM_MODEL")
	setString(&cfg.LLMAPIKey, "LLM_API_KEY")
	setString(&cfg.FFprobePath, "FFPROBE_PATH")

	setInt(&cfg.FetchAttempts, "METAEXTRACT_FETCH_ATTEMPTS")
	setInt64(&cfg.FetchMaxBytes, "METAEXTRACT_FETCH_MAX_BYTES")
	setDuration(&cfg.FetchTimeout, "METAEXTRACT_FETCH_TIMEOUT")
	setBool(&cfg.Verbose, "METAEXTRACT_VERBOSE")
}

func setString(dst *string, key string) {
	if *dst != "" {
		return
	}
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	if len(*dst) > 0 {
		return
	}
	if v := splitList(os.Getenv(key)); len(v) > 0 {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if *dst != 0 {
		return
	}
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil {
		*dst = n
	}
}

func setInt64(dst *int64, key string) {
	if *dst != 0 {
		return
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 64); err == nil {
		*dst = n
	}
}

func setFloat(dst *float64, key string) {
	if *dst != 0 {
		return
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64); err == nil {
		*dst = f
	}
}

func setDuration(dst *time.Duration, key string) {
	if *dst != 0 {
		return
	}
	if d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key))); err == nil {
		*dst = d
	}
}

// setBool only turns a flag on; an explicit false in the env cannot undo a
// true set by a flag.
func setBool(dst *bool, key string) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		*dst = true
	}
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
