// Package blobstore provides the byte stores the result cache spills evicted
// entries into: a directory of files, a bbolt database or redis.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Store is a flat key/value byte store.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	// Get reports ok=false with a nil error when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Stat summarizes a store's contents.
type Stat struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// Statter is implemented by stores that can report their size.
type Statter interface {
	Stat(ctx context.Context) (Stat, error)
}

// Pruner is implemented by stores that can trim themselves to a budget,
// removing least recently used entries first. A zero limit is ignored.
type Pruner interface {
	Prune(ctx context.Context, maxBytes int64, maxEntries int) (int, error)
}

// Expirer is implemented by stores that keep entries until a TTL passes
// since their last use and can sweep expired entries on demand.
type Expirer interface {
	Expire(ctx context.Context) (int, error)
}

// Clearer is implemented by stores that can drop every entry at once.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is one of "dir", "bolt", "redis" or "none".
	Backend string
	// Location is a directory, a bbolt file path or a redis address.
	Location    string
	StrictPerms bool
	// TTL expires entries not read or written within it. Zero keeps them
	// until evicted.
	TTL time.Duration
	// Clear empties the store when it is opened.
	Clear     bool
	Password  string
	DB        int
	KeyPrefix string
}

// Open builds the configured store. Backend "none" returns nil, nil. The
// store is cleared or swept of expired entries before it is returned.
func Open(cfg Config) (Store, error) {
	var s Store
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "none":
		return nil, nil
	case "dir":
		if strings.TrimSpace(cfg.Location) == "" {
			return nil, fmt.Errorf("dir store: location required")
		}
		s = &DirStore{Dir: cfg.Location, StrictPerms: cfg.StrictPerms, TTL: cfg.TTL}
	case "bolt":
		b, err := OpenBolt(cfg.Location, cfg.StrictPerms)
		if err != nil {
			return nil, err
		}
		b.TTL = cfg.TTL
		s = b
	case "redis":
		r, err := OpenRedis(RedisConfig{Addr: cfg.Location, Password: cfg.Password, DB: cfg.DB, Prefix: cfg.KeyPrefix, TTL: cfg.TTL})
		if err != nil {
			return nil, err
		}
		s = r
	default:
		return nil, fmt.Errorf("unknown warm tier backend %q", cfg.Backend)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if cfg.Clear {
		if c, ok := s.(Clearer); ok {
			if err := c.Clear(ctx); err != nil {
				s.Close()
				return nil, fmt.Errorf("clear warm tier: %w", err)
			}
		}
	}
	if e, ok := s.(Expirer); ok {
		if n, err := e.Expire(ctx); err != nil {
			log.Warn().Err(err).Msg("warm tier expiry sweep failed")
		} else if n > 0 {
			log.Info().Int("removed", n).Msg("expired warm tier entries")
		}
	}
	return s, nil
}

var safeKey = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// fileKey maps an arbitrary key to a safe file name stem. Hex fingerprints
// pass through unchanged.
func fileKey(key string) string {
	if safeKey.MatchString(key) && !strings.HasPrefix(key, ".") {
		return key
	}
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
