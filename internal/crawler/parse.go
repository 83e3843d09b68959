package crawler

import (
	"encoding/json"
	"io"
	"net/url"
	"strings"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	maxImages  = 100
	maxLinks   = 200
	maxTextLen = 64 << 10
)

// Parse walks an HTML document and extracts the SEO-relevant fields. Links
// are resolved against base; base may be nil.
func Parse(r io.Reader, base *url.URL) (*analysis.CrawlResult, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	res := &analysis.CrawlResult{Headings: map[string][]string{}}
	var text strings.Builder

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Html:
				res.Lang = attr(n, "lang")
			case atom.Title:
				if res.Title == "" {
					res.Title = collapse(textOf(n))
				}
			case atom.Meta:
				parseMeta(n, res)
			case atom.Link:
				if strings.EqualFold(attr(n, "rel"), "canonical") {
					res.Canonical = resolve(base, attr(n, "href"))
				}
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				if t := collapse(textOf(n)); t != "" {
					res.Headings[n.Data] = append(res.Headings[n.Data], t)
				}
			case atom.Img:
				if src := attr(n, "src"); src != "" && len(res.Images) < maxImages {
					res.Images = append(res.Images, analysis.Image{Src: resolve(base, src), Alt: strings.TrimSpace(attr(n, "alt"))})
				}
			case atom.A:
				if href := attr(n, "href"); href != "" && len(res.Links) < maxLinks {
					res.Links = append(res.Links, makeLink(base, href, n))
				}
			case atom.Script:
				if strings.EqualFold(attr(n, "type"), "application/ld+json") {
					res.SchemaOrg = append(res.SchemaOrg, schemaTypes(textOf(n))...)
				}
				return
			case atom.Style, atom.Noscript, atom.Template:
				return
			}
		}
		if n.Type == html.TextNode && text.Len() < maxTextLen {
			if t := strings.TrimSpace(n.Data); t != "" && inBody(n) {
				text.WriteString(t)
				text.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	res.Text = collapse(text.String())
	return res, nil
}

func parseMeta(n *html.Node, res *analysis.CrawlResult) {
	name := strings.ToLower(attr(n, "name"))
	content := strings.TrimSpace(attr(n, "content"))
	switch name {
	case "description":
		res.MetaDescription = content
	case "keywords":
		res.MetaKeywords = content
	case "viewport":
		res.Viewport = content != ""
	}
	if strings.EqualFold(attr(n, "property"), "og:description") && res.MetaDescription == "" {
		res.MetaDescription = content
	}
}

func makeLink(base *url.URL, href string, n *html.Node) analysis.Link {
	abs := resolve(base, href)
	l := analysis.Link{Href: abs, Text: collapse(textOf(n))}
	for _, rel := range strings.Fields(strings.ToLower(attr(n, "rel"))) {
		if rel == "nofollow" || rel == "ugc" || rel == "sponsored" {
			l.NoFollow = true
		}
	}
	if u, err := url.Parse(abs); err == nil {
		switch {
		case u.Scheme == "mailto", u.Scheme == "tel", u.Scheme == "javascript":
		case u.Host == "":
			l.Internal = true
		case base != nil:
			l.Internal = sameSite(u.Host, base.Host)
		}
	}
	return l
}

func sameSite(a, b string) bool {
	a = strings.TrimPrefix(strings.ToLower(a), "www.")
	b = strings.TrimPrefix(strings.ToLower(b), "www.")
	return a == b
}

func schemaTypes(raw string) []string {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil
	}
	var out []string
	var collect func(v any)
	collect = func(v any) {
		switch t := v.(type) {
		case []any:
			for _, e := range t {
				collect(e)
			}
		case map[string]any:
			switch ty := t["@type"].(type) {
			case string:
				out = append(out, ty)
			case []any:
				for _, e := range ty {
					if s, ok := e.(string); ok {
						out = append(out, s)
					}
				}
			}
			if g, ok := t["@graph"]; ok {
				collect(g)
			}
		}
	}
	collect(doc)
	return out
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func inBody(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.DataAtom == atom.Body {
			return true
		}
		if p.DataAtom == atom.Head {
			return false
		}
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
