package ops

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
)

func init() {
	Register("parse", Parse)
}

// linkAttrs maps element names to the attribute that carries a URL.
var linkAttrs = map[string]string{
	"a":      "href",
	"link":   "href",
	"area":   "href",
	"img":    "src",
	"iframe": "src",
}

// Parse reads the fetched document from the archive, extracts links and
// the document title, and routes follow-up work: each new URL goes to
// the "fetch" handler (claimed first, so a URL crawled by another
// worker this run is dropped), and the record itself goes to the
// "store" handler. Non-HTML content skips extraction and goes straight
// to storage.
func Parse(ctx context.Context, c *crawl.Context, data crawl.Payload) error {
	blobPath, ok := data.String(FieldBlobPath)
	if !ok || blobPath == "" {
		// A not-modified fetch carries no body. The record still flows
		// to storage so completion tagging stays consistent.
		return c.EmitOptional(ctx, "store", data)
	}

	contentType, _ := data.String(FieldContentType)
	if isHTML(contentType) {
		body, err := c.Archive.Get(ctx, blobPath)
		if err != nil {
			if notMod, _ := data[FieldNotModified].(bool); !notMod {
				return fmt.Errorf("parse: load %s: %w", blobPath, err)
			}
			// Revalidated document whose blob predates this archive.
			// Nothing to extract; the record still reaches storage.
			c.Log.Warn("archived body missing for revalidated document",
				zap.String("blob", blobPath))
		} else if err := extract(ctx, c, data, body); err != nil {
			return err
		}
	}
	return c.EmitOptional(ctx, "store", data)
}

func isHTML(contentType string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func extract(ctx context.Context, c *crawl.Context, data crawl.Payload, body []byte) error {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		// Real-world HTML rarely fails the tolerant parser; when it
		// does there is nothing to extract.
		c.Log.Warn("unparseable document", zap.Error(err))
		return nil
	}

	pageURL, _ := data.String(crawl.FieldURL)
	base, err := url.Parse(pageURL)
	if err != nil {
		return fmt.Errorf("parse: bad page url %q: %w", pageURL, err)
	}

	sameDomain := c.ParamBool("same_domain", false)
	seen := make(map[string]struct{})

	var walk func(*html.Node) error
	walk = func(n *html.Node) error {
		if n.Type == html.ElementNode {
			if n.Data == "title" {
				if title := textContent(n); title != "" {
					if _, has := data["title"]; !has {
						data["title"] = title
					}
				}
			}
			if attr, ok := linkAttrs[n.Data]; ok {
				if raw := attrValue(n, attr); raw != "" {
					if err := emitLink(ctx, c, base, raw, sameDomain, seen, data); err != nil {
						return err
					}
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(doc)
}

func emitLink(ctx context.Context, c *crawl.Context, base *url.URL, raw string, sameDomain bool, seen map[string]struct{}, data crawl.Payload) error {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return nil
	}
	if sameDomain && !strings.EqualFold(resolved.Hostname(), base.Hostname()) {
		return nil
	}
	resolved.Fragment = ""
	target := resolved.String()
	if _, dup := seen[target]; dup {
		return nil
	}
	seen[target] = struct{}{}

	claimed, err := c.ClaimURL(ctx, http.MethodGet, target)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	out := crawl.Payload{crawl.FieldURL: target}
	if parent, ok := data.String(crawl.FieldURL); ok {
		out["parent_url"] = parent
	}
	return c.EmitOptional(ctx, "fetch", out)
}

func attrValue(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
