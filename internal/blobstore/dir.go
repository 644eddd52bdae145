package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const blobExt = ".blob"

// DirStore keeps one file per entry under Dir. Reads touch the file's mtime
// so Prune can evict least recently used entries.
type DirStore struct {
	Dir string
	// StrictPerms, when true, enforces 0700 on the directory and 0600 on
	// files.
	StrictPerms bool
	// TTL, when positive, expires entries not read or written within it.
	TTL time.Duration
}

func (s *DirStore) ensureDir() error {
	if s == nil || s.Dir == "" {
		return errors.New("blob dir not configured")
	}
	perm := os.FileMode(0o755)
	if s.StrictPerms {
		perm = 0o700
	}
	if err := os.MkdirAll(s.Dir, perm); err != nil {
		return err
	}
	if s.StrictPerms {
		if info, err := os.Stat(s.Dir); err == nil && info.Mode()&0o777 != 0o700 {
			_ = os.Chmod(s.Dir, 0o700)
		}
	}
	return nil
}

func (s *DirStore) pathFor(key string) string {
	return filepath.Join(s.Dir, fileKey(key)+blobExt)
}

// Put writes to a temp file and renames it into place so readers never see a
// partial entry.
func (s *DirStore) Put(_ context.Context, key string, data []byte) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if s.StrictPerms {
		mode = 0o600
	}
	p := s.pathFor(key)
	tmp, err := os.CreateTemp(s.Dir, ".put-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}

// Get returns the entry and touches its mtime.
func (s *DirStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := s.ensureDir(); err != nil {
		return nil, false, err
	}
	p := s.pathFor(key)
	if s.TTL > 0 {
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		if err == nil && time.Since(info.ModTime()) > s.TTL {
			_ = os.Remove(p)
			return nil, false, nil
		}
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	now := time.Now()
	_ = os.Chtimes(p, now, now)
	return b, true, nil
}

func (s *DirStore) Delete(_ context.Context, key string) error {
	if s == nil || s.Dir == "" {
		return nil
	}
	err := os.Remove(s.pathFor(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *DirStore) Close() error { return nil }

type dirEntry struct {
	path  string
	size  int64
	mtime time.Time
}

func (s *DirStore) entries() ([]dirEntry, error) {
	var out []dirEntry
	err := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != s.Dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), blobExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, dirEntry{path: path, size: info.Size(), mtime: info.ModTime()})
		return nil
	})
	return out, err
}

func (s *DirStore) Stat(_ context.Context) (Stat, error) {
	es, err := s.entries()
	if err != nil {
		return Stat{}, err
	}
	st := Stat{Entries: len(es)}
	for _, e := range es {
		st.Bytes += e.size
	}
	return st, nil
}

// Prune removes least recently used entries until both limits hold.
func (s *DirStore) Prune(_ context.Context, maxBytes int64, maxEntries int) (int, error) {
	es, err := s.entries()
	if err != nil {
		return 0, err
	}
	sort.Slice(es, func(i, j int) bool { return es[i].mtime.Before(es[j].mtime) })
	var total int64
	for _, e := range es {
		total += e.size
	}
	removed := 0
	count := len(es)
	for _, e := range es {
		overBytes := maxBytes > 0 && total > maxBytes
		overCount := maxEntries > 0 && count > maxEntries
		if !overBytes && !overCount {
			break
		}
		if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		total -= e.size
		count--
		removed++
	}
	return removed, nil
}

// PurgeByAge removes entries not read or written within maxAge.
func (s *DirStore) PurgeByAge(_ context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	es, err := s.entries()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range es {
		if e.mtime.After(cutoff) {
			continue
		}
		if err := os.Remove(e.path); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Expire applies TTL to every entry.
func (s *DirStore) Expire(ctx context.Context) (int, error) {
	return s.PurgeByAge(ctx, s.TTL)
}

// Clear removes the directory and recreates it empty.
func (s *DirStore) Clear(_ context.Context) error {
	if strings.TrimSpace(s.Dir) == "" {
		return errors.New("empty dir")
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		return err
	}
	return s.ensureDir()
}
