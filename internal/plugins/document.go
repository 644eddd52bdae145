package plugins

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/hyperifyio/metaextract/internal/failure"
	"github.com/hyperifyio/metaextract/internal/plugin"
)

// Document reads PDF structure and the info dictionary.
type Document struct{}

func (*Document) Name() string { return "document" }

func (*Document) Fields() []plugin.FieldSpec {
	return []plugin.FieldSpec{
		{Name: "version"},
		{Name: "encrypted"},
		{Name: "pages"},
		{Name: "title"},
		{Name: "author"},
		{Name: "subject", Tier: plugin.TierStandard},
		{Name: "creator", Tier: plugin.TierStandard},
		{Name: "producer", Tier: plugin.TierStandard},
		{Name: "created", Tier: plugin.TierStandard},
		{Name: "modified", Tier: plugin.TierStandard},
		{Name: "text_chars", Tier: plugin.TierForensic},
	}
}

func (*Document) Dependencies() []plugin.Dependency { return nil }
func (*Document) Init([]string) error               { return nil }

func (*Document) Accepts(name, mime string) bool {
	return mimeIs(mime, "application/pdf") || hasExt(name, ".pdf")
}

var pdfVersionRe = regexp.MustCompile(`%PDF-(\d\.\d)`)

func (*Document) Extract(ctx context.Context, in *plugin.Input) (out *plugin.Fields, err error) {
	head, err := readHead(ctx, in, 1024)
	if err != nil {
		return nil, err
	}
	m := pdfVersionRe.FindSubmatch(head)
	if m == nil {
		return nil, fmt.Errorf("%s is not a PDF", in.Name)
	}
	fields := plugin.NewFields().Set("version", string(m[1]))

	f, err := os.Open(in.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrStreamIO, err)
	}
	defer f.Close()

	// The PDF library panics on some malformed files.
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("malformed PDF: %v", rec)
		}
	}()

	r, err := pdf.NewReader(f, in.Size)
	if err != nil {
		if errors.Is(err, pdf.ErrInvalidPassword) {
			return fields.Set("encrypted", true), nil
		}
		return nil, fmt.Errorf("open PDF: %w", err)
	}
	trailer := r.Trailer()
	fields.Set("encrypted", !trailer.Key("Encrypt").IsNull())
	fields.Set("pages", r.NumPage())

	info := trailer.Key("Info")
	fields.Set("title", info.Key("Title").Text()).
		Set("author", info.Key("Author").Text()).
		Set("subject", info.Key("Subject").Text()).
		Set("creator", info.Key("Creator").Text()).
		Set("producer", info.Key("Producer").Text()).
		Set("created", pdfDate(info.Key("CreationDate").Text())).
		Set("modified", pdfDate(info.Key("ModDate").Text()))

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrCancelled, err)
	}
	if txt, err := r.GetPlainText(); err == nil {
		b, _ := io.ReadAll(io.LimitReader(txt, 64<<20))
		fields.Set("text_chars", utf8.RuneCount(bytes.TrimSpace(b)))
	}
	return fields, nil
}

// pdfDate converts "D:YYYYMMDDHHmmSS+HH'mm'" to RFC 3339. Unparseable
// values are returned unchanged.
func pdfDate(raw string) string {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "D:")
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "'", "")
	layouts := []string{"20060102150405Z0700", "20060102150405Z", "20060102150405", "200601021504", "20060102"}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return raw
}
