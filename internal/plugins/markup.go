package plugins

import (
	"context"
	"io"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/language"

	"github.com/hyperifyio/metaextract/internal/plugin"
)

// Markup reads HTML documents: head metadata, outline and readable text.
type Markup struct {
	MaxBytes int64
}

func (*Markup) Name() string { return "markup" }

func (*Markup) Fields() []plugin.FieldSpec {
	return []plugin.FieldSpec{
		{Name: "title"},
		{Name: "lang"},
		{Name: "description"},
		{Name: "headings"},
		{Name: "links"},
		{Name: "images"},
		{Name: "word_count"},
		{Name: "external_hosts", Tier: plugin.TierStandard},
		{Name: "canonical", Tier: plugin.TierStandard},
		{Name: "generator", Tier: plugin.TierForensic},
		{Name: "scripts", Tier: plugin.TierForensic},
	}
}

func (*Markup) Dependencies() []plugin.Dependency { return nil }
func (*Markup) Init([]string) error               { return nil }

func (*Markup) Accepts(name, mime string) bool {
	return mimeIs(mime, "text/html", "application/xhtml") || hasExt(name, ".html", ".htm", ".xhtml")
}

type outline struct {
	title, lang, description, canonical, generator string
	headings, links, images, scripts               int
	hosts                                          map[string]bool
}

func (m *Markup) Extract(ctx context.Context, in *plugin.Input) (*plugin.Fields, error) {
	limit := m.MaxBytes
	if limit <= 0 {
		limit = 32 << 20
	}
	src, err := openBytes(ctx, in)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(io.LimitReader(src, limit))
	if err != nil {
		return nil, err
	}
	o := &outline{hosts: make(map[string]bool)}
	walkOutline(o, doc)

	content := findFirst(doc, atom.Main)
	if content == nil {
		content = findFirst(doc, atom.Article)
	}
	if content == nil {
		content = findFirst(doc, atom.Body)
	}
	words := 0
	if content != nil {
		var b strings.Builder
		collectText(&b, content)
		words = len(strings.Fields(b.String()))
	}

	hosts := make([]string, 0, len(o.hosts))
	for h := range o.hosts {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	return plugin.NewFields().
		Set("title", strings.TrimSpace(o.title)).
		Set("lang", normalizeLang(o.lang)).
		Set("description", strings.TrimSpace(o.description)).
		Set("headings", o.headings).
		Set("links", o.links).
		Set("images", o.images).
		Set("word_count", words).
		Set("external_hosts", hosts).
		Set("canonical", o.canonical).
		Set("generator", o.generator).
		Set("scripts", o.scripts), nil
}

// normalizeLang canonicalizes a BCP 47 tag, keeping the raw value when it
// does not parse.
func normalizeLang(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return raw
	}
	return tag.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func walkOutline(o *outline, n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Html:
			o.lang = attr(n, "lang")
		case atom.Title:
			if o.title == "" && n.FirstChild != nil {
				o.title = n.FirstChild.Data
			}
		case atom.Meta:
			switch strings.ToLower(attr(n, "name")) {
			case "description":
				o.description = attr(n, "content")
			case "generator":
				o.generator = attr(n, "content")
			}
		case atom.Link:
			if strings.EqualFold(attr(n, "rel"), "canonical") {
				o.canonical = attr(n, "href")
			}
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			o.headings++
		case atom.A:
			if href := attr(n, "href"); href != "" {
				o.links++
				if u, err := url.Parse(href); err == nil && u.Host != "" {
					o.hosts[strings.ToLower(u.Hostname())] = true
				}
			}
		case atom.Img:
			o.images++
		case atom.Script:
			o.scripts++
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkOutline(o, c)
	}
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if res := findFirst(c, a); res != nil {
			return res
		}
	}
	return nil
}

// collectText gathers readable text, skipping page chrome and consent
// banners.
func collectText(b *strings.Builder, n *html.Node) {
	if n.Type == html.ElementNode {
		if isBoilerplate(n) {
			return
		}
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Nav, atom.Footer, atom.Aside, atom.Iframe:
			return
		}
	}
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		b.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(b, c)
	}
}

func isBoilerplate(n *html.Node) bool {
	for _, a := range n.Attr {
		key := strings.ToLower(a.Key)
		if key != "id" && key != "class" && key != "role" && key != "aria-label" && !strings.HasPrefix(key, "data-") {
			continue
		}
		val := strings.ToLower(a.Val)
		for _, marker := range []string{"cookie", "consent", "gdpr"} {
			if strings.Contains(val, marker) {
				return true
			}
		}
	}
	return false
}
