// Package plugins holds the built-in extractors. Each one declares its
// fields, their minimum tiers and the optional tools that unlock extra
// fields; the registry decides what is usable on this host.
package plugins

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/hyperifyio/metaextract/internal/llm"
	"github.com/hyperifyio/metaextract/internal/plugin"
	"github.com/hyperifyio/metaextract/internal/stream"
)

// Config carries the host-specific settings plugins need.
type Config struct {
	// FFprobePath is the ffprobe binary; empty looks it up on PATH.
	FFprobePath string
	// LLM is optional; without it the summary plugin runs degraded.
	LLM      llm.Client
	LLMModel string
	// MaxMarkupBytes bounds how much of an HTML file is parsed. Default 32 MiB.
	MaxMarkupBytes int64
	// MaxSummaryBytes bounds the text sample sent to the model. Default 16 KiB.
	MaxSummaryBytes int
}

// Builtin returns every built-in plugin in registration order.
func Builtin(cfg Config) []plugin.Plugin {
	return []plugin.Plugin{
		&File{},
		&Text{},
		&Markup{MaxBytes: cfg.MaxMarkupBytes},
		&Tabular{},
		&Document{},
		&Email{},
		&Image{},
		&Media{FFprobePath: cfg.FFprobePath},
		&Summary{Client: cfg.LLM, Model: cfg.LLMModel, MaxBytes: cfg.MaxSummaryBytes},
	}
}

func ext(name string) string { return strings.ToLower(filepath.Ext(name)) }

func hasExt(name string, exts ...string) bool {
	e := ext(name)
	for _, x := range exts {
		if e == x {
			return true
		}
	}
	return false
}

func mimeIs(mime string, prefixes ...string) bool {
	mime = strings.ToLower(mime)
	for _, p := range prefixes {
		if strings.HasPrefix(mime, p) {
			return true
		}
	}
	return false
}

// readHead returns up to n bytes from the start of the input.
func readHead(ctx context.Context, in *plugin.Input, n int) ([]byte, error) {
	r, err := in.Open(stream.KindBinary)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf := make([]byte, 0, n)
	for len(buf) < n {
		c, err := r.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		take := n - len(buf)
		if take > len(c.Data) {
			take = len(c.Data)
		}
		buf = append(buf, c.Data[:take]...)
		if c.Final {
			break
		}
	}
	return buf, nil
}

// openBytes exposes the input as a byte stream.
func openBytes(ctx context.Context, in *plugin.Input) (io.Reader, error) {
	r, err := in.Open(stream.KindBinary)
	if err != nil {
		return nil, err
	}
	return stream.AsReader(ctx, r), nil
}
