package stream

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Kind selects a reader specialization.
type Kind int

const (
	KindAuto Kind = iota
	// KindBinary produces fixed-size windows.
	KindBinary
	// KindContainer produces fixed-size windows annotated with the ISO-BMFF
	// boxes or RIFF chunks that start inside them.
	KindContainer
	// KindRow cuts windows on the last newline so no record spans two chunks
	// unless a single record is longer than the window.
	KindRow
)

func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindContainer:
		return "container"
	case KindRow:
		return "row"
	default:
		return "auto"
	}
}

// ParseKind accepts the names produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return KindAuto, nil
	case "binary":
		return KindBinary, nil
	case "container":
		return KindContainer, nil
	case "row":
		return KindRow, nil
	}
	return KindAuto, fmt.Errorf("unknown reader kind %q", s)
}

var rowExts = map[string]bool{
	".csv": true, ".tsv": true, ".txt": true, ".log": true,
	".jsonl": true, ".ndjson": true, ".psv": true,
}

var containerExts = map[string]bool{
	".mp4": true, ".m4a": true, ".m4v": true, ".mov": true, ".3gp": true,
	".heic": true, ".avif": true, ".wav": true, ".avi": true, ".webp": true,
}

// KindFor picks a specialization from a file name and optional MIME type.
func KindFor(name, mime string) Kind {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case rowExts[ext]:
		return KindRow
	case containerExts[ext]:
		return KindContainer
	}
	mime = strings.ToLower(mime)
	switch {
	case strings.HasPrefix(mime, "video/"), strings.HasPrefix(mime, "audio/"):
		return KindContainer
	case strings.HasPrefix(mime, "text/csv"), strings.HasPrefix(mime, "text/tab-separated-values"):
		return KindRow
	}
	return KindBinary
}
