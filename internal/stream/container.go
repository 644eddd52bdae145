package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hyperifyio/metaextract/internal/failure"
)

var isoTopLevel = map[string]bool{
	"ftyp": true, "styp": true, "moov": true, "mdat": true, "free": true,
	"skip": true, "wide": true, "meta": true, "moof": true, "sidx": true,
}

// boxWalker discovers top-level container structure with small positioned
// reads, so the reader never buffers more than one window plus a header.
type boxWalker struct {
	src    io.ReaderAt
	size   int64
	format string
	next   int64
	ended  bool
	hdr    [16]byte
	// pending holds the RIFF header boundary until the first chunk.
	pending []Boundary
}

func newBoxWalker(src io.ReaderAt, size int64) *boxWalker {
	w := &boxWalker{src: src, size: size}
	n, _ := src.ReadAt(w.hdr[:12], 0)
	switch {
	case n >= 12 && string(w.hdr[0:4]) == "RIFF":
		w.format = "riff"
		declared := int64(binary.LittleEndian.Uint32(w.hdr[4:8])) + 8
		w.pending = append(w.pending, Boundary{Kind: "riff", Offset: 0, Size: declared, Label: "RIFF/" + string(w.hdr[8:12])})
		w.next = 12
	case n >= 8 && isoTopLevel[string(w.hdr[4:8])]:
		w.format = "isobmff"
	default:
		w.ended = true
	}
	return w
}

// annotate returns the boundaries that start before end and have not been
// reported yet.
func (w *boxWalker) annotate(end int64) ([]Boundary, error) {
	out := w.pending
	w.pending = nil
	for !w.ended && w.next < end {
		b, err := w.readHeader()
		if err != nil {
			w.ended = true
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return out, err
		}
		if b.Size <= 0 {
			w.ended = true
			break
		}
		out = append(out, b)
		w.next += b.Size
		if w.next >= w.size {
			w.ended = true
		}
	}
	return out, nil
}

func (w *boxWalker) readHeader() (Boundary, error) {
	n, err := w.src.ReadAt(w.hdr[:16], w.next)
	if n < 8 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return Boundary{}, err
	}
	switch w.format {
	case "riff":
		sz := int64(binary.LittleEndian.Uint32(w.hdr[4:8]))
		return Boundary{Kind: "chunk", Offset: w.next, Size: 8 + sz + sz&1, Label: string(w.hdr[0:4])}, nil
	default:
		sz := int64(binary.BigEndian.Uint32(w.hdr[0:4]))
		typ := string(w.hdr[4:8])
		switch sz {
		case 0:
			sz = w.size - w.next
		case 1:
			if n < 16 {
				return Boundary{}, io.ErrUnexpectedEOF
			}
			sz = int64(binary.BigEndian.Uint64(w.hdr[8:16]))
		}
		if sz < 8 {
			return Boundary{}, nil
		}
		return Boundary{Kind: "box", Offset: w.next, Size: sz, Label: typ}, nil
	}
}

// RemainingBoundaries walks the rest of the top-level structure with
// header-sized reads, skipping box bodies, and closes the reader. Boundaries
// already reported by Next are not repeated. Readers of other kinds return
// nil.
func (r *Reader) RemainingBoundaries(ctx context.Context) ([]Boundary, error) {
	defer r.Close()
	r.done = true
	if r.walker == nil {
		return nil, nil
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("stream %s: %w: %w", r.path, failure.ErrCancelled, err)
		}
	}
	bs, err := r.walker.annotate(r.size)
	if err != nil {
		return bs, fmt.Errorf("%w: walk %s at %d: %w", failure.ErrStreamIO, r.path, r.walker.next, err)
	}
	return bs, nil
}

// Format reports the detected container family, or "" when unrecognized.
func (r *Reader) Format() string {
	if r.walker == nil {
		return ""
	}
	return r.walker.format
}
