package engine

import (
	"context"
	"time"

	"github.com/hyperifyio/metaextract/internal/plugin"
)

// Request describes one extraction.
type Request struct {
	// Ref is a local path or an http(s) URL.
	Ref string
	// Name overrides the file name used for format detection.
	Name string
	Tier plugin.Tier
	// Domains restricts extraction; empty selects every usable plugin that
	// accepts the file.
	Domains  []string
	Options  map[string]string
	Priority int
	// NoCache bypasses the result cache in both directions.
	NoCache bool
}

// FileInfo identifies the input.
type FileInfo struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	MIME   string `json:"mime"`
	SHA256 string `json:"sha256"`
}

// DomainStatus records how one domain fared.
type DomainStatus struct {
	Outcome      string `json:"outcome"`
	Availability string `json:"availability,omitempty"`
	Error        string `json:"error,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
	Redacted     int    `json:"redacted_fields,omitempty"`
}

const (
	outcomeOK          = "ok"
	outcomeNotFound    = "not_found"
	outcomeUnavailable = "unavailable"
)

// Document is the merged result, keyed by domain.
type Document struct {
	File        FileInfo                  `json:"file"`
	Tier        plugin.Tier               `json:"tier"`
	Fingerprint string                    `json:"fingerprint"`
	Metadata    map[string]*plugin.Fields `json:"metadata"`
	Status      map[string]DomainStatus   `json:"status"`
	ExtractedAt time.Time                 `json:"extracted_at"`
	Cached      bool                      `json:"cached"`
}

// Complete reports whether every requested domain produced fields.
func (d *Document) Complete() bool {
	for _, s := range d.Status {
		if s.Outcome != outcomeOK {
			return false
		}
	}
	return true
}

// Pending is the handle returned by ExtractAsync.
type Pending struct {
	done chan struct{}
	doc  *Document
	err  error
}

func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the extraction finishes or ctx ends.
func (p *Pending) Wait(ctx context.Context) (*Document, error) {
	select {
	case <-p.done:
		return p.doc, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
