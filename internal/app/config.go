package app

import "time"

// Config holds the runtime configuration. Zero values mean "unset": the env,
// the config file and finally the subsystem defaults fill them in that order.
type Config struct {
	// Inputs are local paths or http(s) URLs.
	Inputs  []string
	Tier    string
	Domains []string
	Options map[string]string
	NoCache bool
	Status  bool

	// Scheduler
	Workers           int
	Strategy          string
	NoPriorityBarrier bool
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	TaskTimeout       time.Duration
	RequestTimeout    time.Duration
	ProcessDomains    []string
	ProcessCPUBound   bool
	DefaultPriority   int

	// Stream reader
	ChunkSize          int
	StreamingThreshold int64

	// Hot tier
	CacheEntries int
	CacheFloor   int
	CacheShards  int

	// Warm tier
	WarmBackend     string
	WarmLocation    string
	WarmMaxBytes    int64
	WarmStrictPerms bool
	WarmTTL         time.Duration
	WarmClear       bool
	RedisPassword   string
	RedisDB         int
	RedisPrefix     string

	// Memory monitor
	MonitorInterval   time.Duration
	ElevatedPercent   float64
	HighPercent       float64
	CriticalPercent   float64
	MonitorHistory    int
	SubscriberQueue   int
	SubscriberTimeout time.Duration

	// Optional plugin dependencies
	LLMBaseURL  string
	LLMModel    string
	LLMAPIKey   string
	FFprobePath string

	// Remote refs
	FetchAttempts int
	FetchMaxBytes int64
	FetchTimeout  time.Duration

	Verbose bool
}
