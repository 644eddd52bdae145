package plugins

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/hyperifyio/metaextract/internal/plugin"
)

// Text counts lines, words and characters after decoding the input.
type Text struct{}

func (*Text) Name() string { return "text" }

func (*Text) Fields() []plugin.FieldSpec {
	return []plugin.FieldSpec{
		{Name: "encoding"},
		{Name: "bom"},
		{Name: "lines"},
		{Name: "words"},
		{Name: "chars"},
		{Name: "line_endings", Tier: plugin.TierStandard},
		{Name: "longest_line", Tier: plugin.TierStandard},
		{Name: "control_chars", Tier: plugin.TierForensic},
	}
}

func (*Text) Dependencies() []plugin.Dependency { return nil }
func (*Text) Init([]string) error               { return nil }

func (*Text) Accepts(name, mime string) bool {
	return mimeIs(mime, "text/plain", "text/markdown") ||
		hasExt(name, ".txt", ".md", ".log", ".rst", ".ini", ".cfg", ".conf", ".yaml", ".yml", ".json")
}

// sniffEncoding picks a decoder from the BOM or, without one, from whether
// the sample is valid UTF-8. Non-UTF-8 input is read as Windows-1252.
func sniffEncoding(head []byte) (name string, bom bool, dec encoding.Encoding) {
	switch {
	case bytes.HasPrefix(head, []byte{0xEF, 0xBB, 0xBF}):
		return "utf-8", true, xunicode.UTF8BOM
	case bytes.HasPrefix(head, []byte{0xFF, 0xFE}):
		return "utf-16le", true, xunicode.UTF16(xunicode.LittleEndian, xunicode.ExpectBOM)
	case bytes.HasPrefix(head, []byte{0xFE, 0xFF}):
		return "utf-16be", true, xunicode.UTF16(xunicode.BigEndian, xunicode.ExpectBOM)
	}
	// A multi-byte sequence cut at the sample edge is still UTF-8.
	valid := head
	for i := 0; i < utf8.UTFMax && len(valid) > 0 && !utf8.Valid(valid); i++ {
		valid = valid[:len(valid)-1]
	}
	if utf8.Valid(valid) {
		return "utf-8", false, encoding.Nop
	}
	return "windows-1252", false, charmap.Windows1252
}

type textStats struct {
	lines, words, chars, longest, control int64
	crlf, lf, cr                          int64
}

func countText(r io.Reader) (textStats, error) {
	var st textStats
	br := bufio.NewReaderSize(r, 64<<10)
	inWord := false
	var lineLen int64
	prevCR := false
	sawAny := false
	endLine := func() {
		st.lines++
		if lineLen > st.longest {
			st.longest = lineLen
		}
		lineLen = 0
	}
	for {
		ru, _, err := br.ReadRune()
		if err == io.EOF {
			break
		}
		if err != nil {
			return st, err
		}
		sawAny = true
		st.chars++
		switch ru {
		case '\n':
			if prevCR {
				st.crlf++
				st.cr--
			} else {
				st.lf++
				endLine()
			}
			prevCR = false
			inWord = false
			continue
		case '\r':
			st.cr++
			endLine()
			prevCR = true
			inWord = false
			continue
		}
		prevCR = false
		lineLen++
		if unicode.IsControl(ru) && ru != '\t' {
			st.control++
		}
		if unicode.IsSpace(ru) {
			inWord = false
		} else if !inWord {
			inWord = true
			st.words++
		}
	}
	if sawAny && lineLen > 0 {
		endLine()
	}
	return st, nil
}

func lineEndings(st textStats) string {
	kinds := 0
	name := "none"
	if st.lf > 0 {
		kinds++
		name = "lf"
	}
	if st.crlf > 0 {
		kinds++
		name = "crlf"
	}
	if st.cr > 0 {
		kinds++
		name = "cr"
	}
	if kinds > 1 {
		return "mixed"
	}
	return name
}

func (*Text) Extract(ctx context.Context, in *plugin.Input) (*plugin.Fields, error) {
	head, err := readHead(ctx, in, 64<<10)
	if err != nil {
		return nil, err
	}
	name, bom, enc := sniffEncoding(head)
	src, err := openBytes(ctx, in)
	if err != nil {
		return nil, err
	}
	st, err := countText(transform.NewReader(src, enc.NewDecoder()))
	if err != nil {
		return nil, err
	}
	return plugin.NewFields().
		Set("encoding", name).
		Set("bom", bom).
		Set("lines", st.lines).
		Set("words", st.words).
		Set("chars", st.chars).
		Set("line_endings", lineEndings(st)).
		Set("longest_line", st.longest).
		Set("control_chars", st.control), nil
}
