package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperifyio/metaextract/internal/blobstore"
)

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	t.Setenv("PATH", t.TempDir())
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func decodeResults(t *testing.T, b []byte) []result {
	t.Helper()
	var out []result
	dec := json.NewDecoder(bytes.NewReader(b))
	for dec.More() {
		var r result
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("decode output: %v\n%s", err, b)
		}
		out = append(out, r)
	}
	return out
}

func TestRun_ExtractsAndCaches(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "notes.txt")
	writeFile(t, txt, "alpha beta\ngamma delta\n")
	missing := filepath.Join(dir, "gone.txt")

	a := newTestApp(t, Config{
		Inputs:       []string{txt, missing},
		Tier:         "standard",
		Workers:      2,
		WarmBackend:  "dir",
		WarmLocation: filepath.Join(dir, "warm"),
	})
	var buf bytes.Buffer
	a.SetOutput(&buf)
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := decodeResults(t, buf.Bytes())
	if len(res) != 2 {
		t.Fatalf("want 2 results, got %d", len(res))
	}
	if res[0].Ref != txt || res[0].Document == nil || res[0].Error != "" {
		t.Fatalf("first result %+v", res[0])
	}
	doc := res[0].Document
	if doc.Cached {
		t.Fatalf("first extraction reported cached")
	}
	for _, d := range []string{"file", "text"} {
		if _, ok := doc.Metadata[d]; !ok {
			t.Fatalf("domain %s missing: %v", d, doc.Status)
		}
	}
	if res[1].Error == "" || res[1].Document != nil {
		t.Fatalf("missing file should fail: %+v", res[1])
	}

	buf.Reset()
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	res = decodeResults(t, buf.Bytes())
	if !res[0].Document.Cached {
		t.Fatalf("second extraction should be served from cache")
	}
}

func TestRun_AllInputsFail(t *testing.T) {
	a := newTestApp(t, Config{Inputs: []string{filepath.Join(t.TempDir(), "nope")}})
	a.SetOutput(&bytes.Buffer{})
	if err := a.Run(context.Background()); !errors.Is(err, ErrNoDocuments) {
		t.Fatalf("expected ErrNoDocuments, got %v", err)
	}
}

func TestRun_Status(t *testing.T) {
	a := newTestApp(t, Config{Status: true})
	var buf bytes.Buffer
	a.SetOutput(&buf)
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var rep struct {
		Build  BuildInfo `json:"build"`
		Engine struct {
			Plugins []struct {
				Domain       string `json:"domain"`
				Availability string `json:"availability"`
			} `json:"plugins"`
		} `json:"engine"`
	}
	if err := json.Unmarshal(buf.Bytes(), &rep); err != nil {
		t.Fatalf("decode status: %v\n%s", err, buf.String())
	}
	if rep.Build.Version != BuildVersion {
		t.Fatalf("build version %q", rep.Build.Version)
	}
	avail := map[string]string{}
	for _, p := range rep.Engine.Plugins {
		avail[p.Domain] = p.Availability
	}
	if avail["file"] != "available" {
		t.Fatalf("file plugin %q", avail["file"])
	}
	// No LLM endpoint and no ffprobe on PATH.
	if avail["summary"] != "degraded" || avail["media"] != "degraded" {
		t.Fatalf("optional dependencies should degrade: %v", avail)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Config{Inputs: []string{"x"}, WarmBackend: "tape", WarmLocation: "/dev/null"})
	if err == nil || !strings.Contains(err.Error(), "warm backend") {
		t.Fatalf("expected warm backend error, got %v", err)
	}
}

func TestNew_ClearsWarmTier(t *testing.T) {
	warm := filepath.Join(t.TempDir(), "warm")
	if err := (&blobstore.DirStore{Dir: warm}).Put(context.Background(), "stale", []byte("{}")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	a := newTestApp(t, Config{Status: true, WarmBackend: "dir", WarmLocation: warm})
	if st := a.Engine().CacheStats(); st.StoreEntries != 1 {
		t.Fatalf("seeded entry not visible: %+v", st)
	}
	b := newTestApp(t, Config{Status: true, WarmBackend: "dir", WarmLocation: warm, WarmClear: true})
	if st := b.Engine().CacheStats(); st.StoreEntries != 0 {
		t.Fatalf("warm tier not cleared: %+v", st)
	}
}

func TestWorkerEnv(t *testing.T) {
	env := workerEnv(Config{LLMModel: "m", FFprobePath: "/bin/ffprobe"})
	got := strings.Join(env, " ")
	if got != "LLM_MODEL=m FFPROBE_PATH=/bin/ffprobe" {
		t.Fatalf("worker env %q", got)
	}
}
