package plugins

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/hyperifyio/metaextract/internal/plugin"
	"github.com/hyperifyio/metaextract/internal/stream"
)

// Tabular profiles delimited text one row-aligned window at a time.
type Tabular struct{}

func (*Tabular) Name() string { return "tabular" }

func (*Tabular) Fields() []plugin.FieldSpec {
	return []plugin.FieldSpec{
		{Name: "delimiter"},
		{Name: "columns"},
		{Name: "rows"},
		{Name: "header", Tier: plugin.TierStandard},
		{Name: "ragged_rows", Tier: plugin.TierStandard},
		{Name: "blank_lines", Tier: plugin.TierForensic},
	}
}

func (*Tabular) Dependencies() []plugin.Dependency { return nil }
func (*Tabular) Init([]string) error               { return nil }

func (*Tabular) Accepts(name, mime string) bool {
	return mimeIs(mime, "text/csv", "text/tab-separated-values") || hasExt(name, ".csv", ".tsv", ".psv")
}

var delimiters = []byte{',', '\t', ';', '|'}

// sniffDelimiter picks the candidate that occurs most often outside quotes
// in the header line. Ties go to the earlier candidate.
func sniffDelimiter(line []byte, name string) byte {
	switch ext(name) {
	case ".tsv":
		return '\t'
	case ".psv":
		return '|'
	}
	best, bestN := byte(','), 0
	for _, d := range delimiters {
		if n := fieldCount(line, d) - 1; n > bestN {
			best, bestN = d, n
		}
	}
	return best
}

// fieldCount counts delimited fields, honoring double-quoted sections.
func fieldCount(line []byte, delim byte) int {
	n, quoted := 1, false
	for _, b := range line {
		switch {
		case b == '"':
			quoted = !quoted
		case b == delim && !quoted:
			n++
		}
	}
	return n
}

func parseHeader(line []byte, delim byte) []string {
	r := csv.NewReader(bytes.NewReader(line))
	r.Comma = rune(delim)
	r.LazyQuotes = true
	rec, err := r.Read()
	if err != nil {
		return nil
	}
	for i := range rec {
		rec[i] = strings.TrimSpace(rec[i])
	}
	return rec
}

func (*Tabular) Extract(ctx context.Context, in *plugin.Input) (*plugin.Fields, error) {
	r, err := in.Open(stream.KindRow)
	if err != nil {
		return nil, err
	}
	var (
		partial []byte
		header  []string
		delim   byte
		columns int
		rows    int64
		ragged  int64
		blank   int64
		first   = true
	)
	line := func(l []byte) {
		l = bytes.TrimRight(l, "\r")
		if first {
			l = bytes.TrimPrefix(l, []byte{0xEF, 0xBB, 0xBF})
			if len(bytes.TrimSpace(l)) == 0 {
				blank++
				return
			}
			first = false
			delim = sniffDelimiter(l, in.Name)
			header = parseHeader(l, delim)
			columns = len(header)
			return
		}
		if len(bytes.TrimSpace(l)) == 0 {
			blank++
			return
		}
		rows++
		if fieldCount(l, delim) != columns {
			ragged++
		}
	}
	for {
		c, err := r.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		data := c.Data
		if len(partial) > 0 {
			data = append(partial, data...)
			partial = nil
		}
		for {
			i := bytes.IndexByte(data, '\n')
			if i < 0 {
				break
			}
			line(data[:i])
			data = data[i+1:]
		}
		if len(data) > 0 {
			if c.Final {
				line(data)
			} else {
				// Only a record longer than the window lands here.
				partial = append([]byte(nil), data...)
			}
		}
		if c.Final {
			break
		}
	}
	if header == nil {
		header = []string{}
	}
	d := ""
	if delim != 0 {
		d = string(delim)
	}
	return plugin.NewFields().
		Set("delimiter", d).
		Set("columns", columns).
		Set("rows", rows).
		Set("header", header).
		Set("ragged_rows", ragged).
		Set("blank_lines", blank), nil
}
