package plugins

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/hyperifyio/metaextract/internal/plugin"
	"github.com/hyperifyio/metaextract/internal/stream"
)

// File reports generic properties every input has.
type File struct{}

func (*File) Name() string { return "file" }

func (*File) Fields() []plugin.FieldSpec {
	return []plugin.FieldSpec{
		{Name: "size"},
		{Name: "extension"},
		{Name: "mime"},
		{Name: "sha256"},
		{Name: "md5", Tier: plugin.TierStandard},
		{Name: "entropy", Tier: plugin.TierForensic},
		{Name: "null_bytes", Tier: plugin.TierForensic},
	}
}

func (*File) Dependencies() []plugin.Dependency { return nil }
func (*File) Accepts(string, string) bool       { return true }
func (*File) Init([]string) error               { return nil }
func (*File) CPUBound() bool                    { return true }

func (*File) Extract(ctx context.Context, in *plugin.Input) (*plugin.Fields, error) {
	r, err := in.Open(stream.KindBinary)
	if err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	chunks := stream.Pump(gctx, g, r, 2)

	sh, mh := sha256.New(), md5.New()
	var hist [256]int64
	var total int64
	head := make([]byte, 0, 512)
	for c := range chunks {
		sh.Write(c.Data)
		mh.Write(c.Data)
		for _, b := range c.Data {
			hist[b]++
		}
		total += int64(len(c.Data))
		if room := cap(head) - len(head); room > 0 {
			if room > len(c.Data) {
				room = len(c.Data)
			}
			head = append(head, c.Data[:room]...)
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return plugin.NewFields().
		Set("size", total).
		Set("extension", ext(in.Name)).
		Set("mime", http.DetectContentType(head)).
		Set("sha256", hex.EncodeToString(sh.Sum(nil))).
		Set("md5", hex.EncodeToString(mh.Sum(nil))).
		Set("entropy", entropy(hist[:], total)).
		Set("null_bytes", hist[0]), nil
}

// entropy is Shannon entropy in bits per byte, rounded to 4 places.
func entropy(hist []int64, total int64) float64 {
	if total == 0 {
		return 0
	}
	var h float64
	for _, n := range hist {
		if n == 0 {
			continue
		}
		p := float64(n) / float64(total)
		h -= p * math.Log2(p)
	}
	return math.Round(h*1e4) / 1e4
}
