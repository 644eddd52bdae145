package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseFlags_Precedence(t *testing.T) {
	dir := t.TempDir()
	conf := filepath.Join(dir, "metaextract.yaml")
	if err := os.WriteFile(conf, []byte("tier: forensic\nscheduler:\n  workers: 6\n  taskTimeout: 9s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("METAEXTRACT_WORKERS", "")
	t.Setenv("METAEXTRACT_TASK_TIMEOUT", "3s")
	t.Setenv("METAEXTRACT_TIER", "")

	cfg, err := parseFlags([]string{"-env=", "-config", conf, "-workers", "2", "-opt", "summary=off", "-domains", "file,text", "a.txt", "b.txt"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.Workers != 2 {
		t.Fatalf("flag should win, workers=%d", cfg.Workers)
	}
	if cfg.TaskTimeout != 3*time.Second {
		t.Fatalf("env should beat file, timeout=%v", cfg.TaskTimeout)
	}
	if cfg.Tier != "forensic" {
		t.Fatalf("file should fill tier, got %q", cfg.Tier)
	}
	if cfg.Options["summary"] != "off" || strings.Join(cfg.Domains, ",") != "file,text" {
		t.Fatalf("options/domains %+v %v", cfg.Options, cfg.Domains)
	}
	if strings.Join(cfg.Inputs, ",") != "a.txt,b.txt" {
		t.Fatalf("inputs %v", cfg.Inputs)
	}
}

func TestParseFlags_PriorityBarrierDefaultsOn(t *testing.T) {
	t.Setenv("METAEXTRACT_NO_PRIORITY_BARRIER", "")
	cfg, err := parseFlags([]string{"-env=", "a.txt"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.NoPriorityBarrier {
		t.Fatalf("barrier should be on by default")
	}
	cfg, err = parseFlags([]string{"-env=", "-priority.barrier=false", "a.txt"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if !cfg.NoPriorityBarrier {
		t.Fatalf("-priority.barrier=false not honored")
	}
}

func TestParseFlags_Errors(t *testing.T) {
	if _, err := parseFlags([]string{"-env="}, io.Discard); err == nil {
		t.Fatalf("expected error without inputs")
	}
	if _, err := parseFlags([]string{"-env=", "-opt", "novalue", "x"}, io.Discard); err == nil {
		t.Fatalf("expected error for malformed -opt")
	}
}

func TestRun_PrintsDocuments(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	dir := t.TempDir()
	in := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(in, []byte("a,b\n1,2\n3,4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := parseFlags([]string{"-env=", "-tier", "standard", in}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	var out bytes.Buffer
	if err := run(context.Background(), cfg, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	var res struct {
		Ref      string `json:"ref"`
		Document struct {
			Metadata map[string]map[string]any `json:"metadata"`
		} `json:"document"`
	}
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	tab := res.Document.Metadata["tabular"]
	if tab == nil || tab["rows"] != float64(2) || tab["columns"] != float64(2) {
		t.Fatalf("tabular metadata %v", res.Document.Metadata)
	}
}

func TestRunWorker_Envelope(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	in := filepath.Join(t.TempDir(), "x.txt")
	if err := os.WriteFile(in, []byte("one two\nthree\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	code := runWorker(context.Background(), []string{"-domain", "text", "-file", in}, &out)
	if code != 0 {
		t.Fatalf("exit code %d: %s", code, out.String())
	}
	var env struct {
		Domain string         `json:"domain"`
		Fields map[string]any `json:"fields"`
		Error  string         `json:"error"`
	}
	if err := json.Unmarshal(out.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Domain != "text" || env.Error != "" || env.Fields["lines"] != float64(2) {
		t.Fatalf("envelope %+v", env)
	}

	out.Reset()
	if code := runWorker(context.Background(), []string{"-domain", "nosuch", "-file", in}, &out); code == 0 {
		t.Fatalf("unknown domain should fail")
	}
}
