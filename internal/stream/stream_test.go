package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/hyperifyio/metaextract/internal/failure"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func collect(t *testing.T, path string, cfg Config) []Chunk {
	t.Helper()
	r, err := Open(path, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	var out []Chunk
	for {
		c, err := r.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		cp := *c
		cp.Data = append([]byte(nil), c.Data...)
		out = append(out, cp)
	}
	return out
}

func TestWholeAndStreamedProduceIdenticalChunks(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, size := range []int{0, 1, 63, 64, 65, 1000, 4096} {
		data := make([]byte, size)
		rng.Read(data)
		for i := range data {
			if i%37 == 0 {
				data[i] = '\n'
			}
		}
		for _, kind := range []Kind{KindBinary, KindRow} {
			p := writeFile(t, "f.bin", data)
			whole := collect(t, p, Config{ChunkSize: 64, StreamingThreshold: 1 << 20, Kind: kind})
			streamed := collect(t, p, Config{ChunkSize: 64, StreamingThreshold: 0, Kind: kind})
			if len(whole) != len(streamed) {
				t.Fatalf("size=%d kind=%s: chunk counts differ %d vs %d", size, kind, len(whole), len(streamed))
			}
			var joined []byte
			for i := range whole {
				w, s := whole[i], streamed[i]
				if w.Seq != s.Seq || w.Offset != s.Offset || w.Final != s.Final || !bytes.Equal(w.Data, s.Data) || w.Rows != s.Rows {
					t.Fatalf("size=%d kind=%s: chunk %d differs", size, kind, i)
				}
				if len(w.Data) > 64 {
					t.Fatalf("chunk exceeds window: %d", len(w.Data))
				}
				joined = append(joined, w.Data...)
			}
			if !bytes.Equal(joined, data) {
				t.Fatalf("size=%d kind=%s: reassembled bytes differ", size, kind)
			}
			if !whole[len(whole)-1].Final {
				t.Fatalf("last chunk not flagged final")
			}
		}
	}
}

func TestRowReaderCutsOnNewlines(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("alpha,beta,gamma\n")
	}
	p := writeFile(t, "rows.csv", []byte(b.String()))
	chunks := collect(t, p, Config{ChunkSize: 40, StreamingThreshold: 0})
	rows := 0
	for _, c := range chunks {
		if !c.RowAligned {
			t.Fatalf("chunk %d not row aligned", c.Seq)
		}
		if len(c.Data) > 0 && c.Data[len(c.Data)-1] != '\n' {
			t.Fatalf("chunk %d does not end on newline", c.Seq)
		}
		rows += c.Rows
	}
	if rows != 50 {
		t.Fatalf("rows=%d, want 50", rows)
	}
}

func isoBox(typ string, payload int) []byte {
	b := make([]byte, 8+payload)
	binary.BigEndian.PutUint32(b[0:4], uint32(8+payload))
	copy(b[4:8], typ)
	return b
}

func TestContainerReaderReportsBoxes(t *testing.T) {
	var data []byte
	data = append(data, isoBox("ftyp", 16)...)
	data = append(data, isoBox("moov", 200)...)
	data = append(data, isoBox("mdat", 500)...)
	p := writeFile(t, "clip.mp4", data)

	r, err := Open(p, Config{ChunkSize: 128, StreamingThreshold: 0})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	if r.Kind() != KindContainer || r.Format() != "isobmff" {
		t.Fatalf("kind=%s format=%q", r.Kind(), r.Format())
	}
	var labels []string
	for {
		c, err := r.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		for _, b := range c.Boundaries {
			if b.Offset < c.Offset || b.Offset >= c.Offset+int64(len(c.Data)) {
				t.Fatalf("box %s at %d reported in chunk [%d,%d)", b.Label, b.Offset, c.Offset, c.Offset+int64(len(c.Data)))
			}
			labels = append(labels, b.Label)
		}
	}
	if strings.Join(labels, ",") != "ftyp,moov,mdat" {
		t.Fatalf("labels=%v", labels)
	}
}

func TestRemainingBoundariesSkipsBoxBodies(t *testing.T) {
	var data []byte
	data = append(data, isoBox("ftyp", 16)...)
	data = append(data, isoBox("mdat", 4<<20)...)
	data = append(data, isoBox("moov", 64)...)
	p := writeFile(t, "late-moov.mp4", data)

	r, err := Open(p, Config{ChunkSize: 4096})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c, err := r.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	labels := []string{}
	for _, b := range c.Boundaries {
		labels = append(labels, b.Label)
	}
	rest, err := r.RemainingBoundaries(context.Background())
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	for _, b := range rest {
		labels = append(labels, b.Label)
	}
	if strings.Join(labels, ",") != "ftyp,mdat,moov" {
		t.Fatalf("labels=%v", labels)
	}
	if r.readPos > 4096 {
		t.Fatalf("read %d bytes of chunk data, want one window", r.readPos)
	}
	if _, err := r.Next(context.Background()); err != io.EOF {
		t.Fatalf("reader should be finished, got %v", err)
	}
	if r.f != nil {
		t.Fatalf("handle left open")
	}
}

func TestOpenMissingFileIsStreamIOError(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"), DefaultConfig())
	if !errors.Is(err, failure.ErrStreamIO) {
		t.Fatalf("expected ErrStreamIO, got %v", err)
	}
}

func TestCancelReleasesHandle(t *testing.T) {
	p := writeFile(t, "big.bin", bytes.Repeat([]byte("x"), 4096))
	before := OpenHandles()
	r, err := Open(p, Config{ChunkSize: 256, StreamingThreshold: 0})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if OpenHandles() != before+1 {
		t.Fatalf("handle not tracked")
	}
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := r.Next(ctx); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	cancel()
	_, err = r.Next(ctx)
	if !errors.Is(err, failure.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if OpenHandles() != before {
		t.Fatalf("handle leaked: %d open", OpenHandles())
	}
	if _, err := r.Next(context.Background()); err != io.EOF {
		t.Fatalf("reader should stay finished, got %v", err)
	}
}

func TestSmallFileReleasesHandleAtOpen(t *testing.T) {
	p := writeFile(t, "small.txt", []byte("hello\n"))
	before := OpenHandles()
	r, err := Open(p, DefaultConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	if r.Streamed() {
		t.Fatalf("small file should not be streamed")
	}
	if OpenHandles() != before {
		t.Fatalf("whole read kept a handle open")
	}
}

func TestPumpAndAsReader(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 100)
	p := writeFile(t, "digits.bin", data)

	r, err := Open(p, Config{ChunkSize: 33, StreamingThreshold: 0})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	g, ctx := errgroup.WithContext(context.Background())
	var got []byte
	for c := range Pump(ctx, g, r, 2) {
		got = append(got, c.Data...)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("pump: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("pump bytes differ")
	}

	r2, err := Open(p, Config{ChunkSize: 33, StreamingThreshold: 0})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r2.Close()
	all, err := io.ReadAll(AsReader(context.Background(), r2))
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if !bytes.Equal(all, data) {
		t.Fatalf("AsReader bytes differ")
	}
}

func TestKindFor(t *testing.T) {
	if KindFor("a.CSV", "") != KindRow {
		t.Fatalf("csv should be row")
	}
	if KindFor("a.bin", "video/mp4") != KindContainer {
		t.Fatalf("video mime should be container")
	}
	if KindFor("a.bin", "") != KindBinary {
		t.Fatalf("default should be binary")
	}
}
