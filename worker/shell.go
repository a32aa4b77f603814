package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"golang.org/x/net/html"

	"github.com/wolfeidau/health-cache/store/cachestorage"
)

// discoverShell caches the same-origin scripts, stylesheets and images that
// the cached root document references and the manifest missed. It returns how
// many assets were added.
func (c *Controller) discoverShell(ctx context.Context, cache *cachestorage.Cache) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.scope.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := cache.Match(ctx, req, cachestorage.MatchOptions{})
	if errors.Is(err, cachestorage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("parsing root document: %w", err)
	}

	added := 0
	for _, ref := range shellRefs(doc) {
		u, err := c.resolve(ref)
		if err != nil || !c.sameOrigin(u) {
			continue
		}
		u.Fragment = ""
		if _, err := cache.Match(ctx, &http.Request{Method: http.MethodGet, URL: u}, cachestorage.MatchOptions{}); err == nil {
			continue
		}
		if err := c.precache(ctx, cache, u); err != nil {
			c.logger.Warn("failed to cache discovered asset", "url", u.String(), "error", err)
			continue
		}
		c.logger.Debug("cached discovered asset", "url", u.String())
		added++
	}
	return added, nil
}

// shellRefs returns the script, stylesheet, icon and image URLs of doc in
// document order, without duplicates.
func shellRefs(doc *html.Node) []string {
	var refs []string
	add := func(ref string) {
		if ref != "" && !slices.Contains(refs, ref) {
			refs = append(refs, ref)
		}
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script":
				add(attr(n, "src"))
			case "img":
				add(attr(n, "src"))
			case "link":
				switch attr(n, "rel") {
				case "stylesheet", "icon", "manifest", "apple-touch-icon", "modulepreload":
					add(attr(n, "href"))
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return refs
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

