// Package stream reads files in bounded windows so extraction of very large
// inputs never loads the whole file into memory.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/hyperifyio/metaextract/internal/failure"
)

const (
	DefaultChunkSize          = 1 << 20
	DefaultStreamingThreshold = 10 << 20
)

// Config controls window size and whether a file is streamed at all.
type Config struct {
	// ChunkSize bounds the payload of a single chunk and the memory the
	// reader holds for a streamed file.
	ChunkSize int
	// StreamingThreshold: files smaller than this are read whole and then
	// sliced into the same chunk sequence a streamed read would produce.
	StreamingThreshold int64
	// Kind selects the format-aware specialization. KindAuto picks one from
	// the file name.
	Kind Kind
}

// DefaultConfig returns 1 MiB windows with a 10 MiB streaming threshold.
func DefaultConfig() Config {
	return Config{ChunkSize: DefaultChunkSize, StreamingThreshold: DefaultStreamingThreshold}
}

func (c Config) normalized() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.StreamingThreshold < 0 {
		c.StreamingThreshold = 0
	}
	return c
}

// Boundary is format metadata attached to the chunk in which it starts.
type Boundary struct {
	Kind   string `json:"kind"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	Label  string `json:"label"`
}

// Chunk is one window of the file. Data is only valid until the next call to
// Next on the same reader; consumers that keep bytes must copy them.
type Chunk struct {
	Seq    int
	Offset int64
	Data   []byte
	Final  bool
	// Err is set on a terminal error chunk.
	Err error
	// RowAligned is true when a row reader cut the window on a newline.
	RowAligned bool
	Rows       int
	Boundaries []Boundary
}

var openHandles atomic.Int64

// OpenHandles reports how many file handles readers currently hold.
func OpenHandles() int64 { return openHandles.Load() }

// Reader produces chunks strictly in file order.
type Reader struct {
	path string
	cfg  Config
	kind Kind

	f     *os.File
	src   io.ReaderAt
	size  int64
	whole bool

	buf     []byte
	cut     int // bytes of buf handed out by the previous chunk
	filled  int // bytes of buf filled by the previous read
	readPos int64
	nextOff int64
	seq     int
	done    bool

	walker *boxWalker
}

// Open prepares path for chunked reading. Files below the streaming threshold
// are loaded in one read and the handle is released immediately.
func Open(path string, cfg Config) (*Reader, error) {
	cfg = cfg.normalized()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", failure.ErrStreamIO, path, err)
	}
	openHandles.Add(1)
	r := &Reader{path: path, cfg: cfg, f: f, src: f}

	info, err := f.Stat()
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%w: stat %s: %w", failure.ErrStreamIO, path, err)
	}
	if info.IsDir() {
		r.Close()
		return nil, fmt.Errorf("%w: %s is a directory", failure.ErrStreamIO, path)
	}
	r.size = info.Size()
	r.kind = cfg.Kind
	if r.kind == KindAuto {
		r.kind = KindFor(path, "")
	}

	if r.size < cfg.StreamingThreshold {
		data := make([]byte, r.size)
		if _, err := io.ReadFull(f, data); err != nil {
			r.Close()
			return nil, fmt.Errorf("%w: read %s: %w", failure.ErrStreamIO, path, err)
		}
		r.Close()
		r.src = bytes.NewReader(data)
		r.whole = true
	}

	bufSize := cfg.ChunkSize
	if r.whole && int64(bufSize) > r.size && r.size > 0 {
		bufSize = int(r.size)
	}
	r.buf = make([]byte, bufSize)
	if r.kind == KindContainer {
		r.walker = newBoxWalker(r.src, r.size)
	}
	return r, nil
}

// Kind returns the specialization in use.
func (r *Reader) Kind() Kind { return r.kind }

// Size returns the file size observed at open time.
func (r *Reader) Size() int64 { return r.size }

// Path returns the file being read.
func (r *Reader) Path() string { return r.path }

// Streamed reports whether the file is read window by window rather than
// loaded whole.
func (r *Reader) Streamed() bool { return !r.whole }

// Next returns the next chunk, or io.EOF after the final chunk. A read failure
// yields a terminal chunk carrying the error and closes the reader.
// Cancellation is checked before every window.
func (r *Reader) Next(ctx context.Context) (*Chunk, error) {
	if r.done {
		return nil, io.EOF
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			r.done = true
			r.Close()
			return nil, fmt.Errorf("stream %s: %w: %w", r.path, failure.ErrCancelled, err)
		}
	}

	carry := 0
	if r.filled > r.cut {
		carry = copy(r.buf, r.buf[r.cut:r.filled])
	}
	want := len(r.buf) - carry
	m := 0
	if want > 0 && r.readPos < r.size {
		var err error
		m, err = r.src.ReadAt(r.buf[carry:carry+want], r.readPos)
		if err != nil && !errors.Is(err, io.EOF) {
			return r.fail(err)
		}
		r.readPos += int64(m)
	}
	total := carry + m
	eof := r.readPos >= r.size || (want > 0 && m < want)

	cut := total
	aligned := false
	if r.kind == KindRow && !eof {
		if i := bytes.LastIndexByte(r.buf[:total], '\n'); i >= 0 {
			cut = i + 1
			aligned = true
		}
	}
	r.cut, r.filled = cut, total

	c := &Chunk{
		Seq:    r.seq,
		Offset: r.nextOff,
		Data:   r.buf[:cut],
		Final:  eof && cut == total,
	}
	if r.kind == KindRow {
		c.RowAligned = aligned || c.Final
		c.Rows = bytes.Count(c.Data, []byte{'\n'})
		if c.Final && len(c.Data) > 0 && c.Data[len(c.Data)-1] != '\n' {
			c.Rows++
		}
	}
	if r.walker != nil {
		bs, err := r.walker.annotate(r.nextOff + int64(cut))
		if err != nil {
			return r.fail(err)
		}
		c.Boundaries = bs
	}

	r.seq++
	r.nextOff += int64(cut)
	if c.Final {
		r.done = true
		r.Close()
	}
	return c, nil
}

func (r *Reader) fail(err error) (*Chunk, error) {
	r.done = true
	r.Close()
	wrapped := fmt.Errorf("%w: read %s at %d: %w", failure.ErrStreamIO, r.path, r.readPos, err)
	return &Chunk{Seq: r.seq, Offset: r.nextOff, Final: true, Err: wrapped}, wrapped
}

// Close releases the file handle. It is safe to call more than once.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	openHandles.Add(-1)
	return err
}
