package worker

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"swcache/internal/cache"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

type assetList struct {
	Assets []string `json:"assets"`
}

// loadManifest downloads the precache manifest and returns absolute asset
// URLs. Sitemap indexes are followed.
func (w *Worker) loadManifest(ctx context.Context, manifestURL string) ([]string, error) {
	seen := map[string]struct{}{}
	queue := []string{w.resolve(manifestURL)}
	var out []string

	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}

		body, err := w.fetchManifest(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("%w: manifest %s: %w", cache.ErrFetchFailed, u, err)
		}
		assets, nested, err := parseManifest(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, u, err)
		}
		for _, n := range nested {
			queue = append(queue, w.resolve(n))
		}
		for _, a := range assets {
			out = append(out, w.resolve(a))
		}
		w.log.Debug("manifest loaded", "url", u, "assets", len(assets), "nested", len(nested))
	}
	return out, nil
}

func (w *Worker) fetchManifest(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	ent, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !ent.OK() {
		snippet := ent.Body
		if len(snippet) > 2048 {
			snippet = snippet[:2048]
		}
		return nil, fmt.Errorf("unexpected status %d: %s", ent.Status, strings.TrimSpace(string(snippet)))
	}

	body := ent.Body
	// Some servers send a .gz manifest with Content-Encoding gzip, in which
	// case the client already decompressed it.
	tryGzip := strings.HasSuffix(strings.ToLower(u), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}
	return body, nil
}

// parseManifest accepts a JSON array of URLs, a JSON {"assets": [...]}
// object, or a sitemap / sitemap index.
func parseManifest(body []byte) (assets, nested []string, _ error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil, fmt.Errorf("empty manifest")
	}

	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &assets); err != nil {
			return nil, nil, err
		}
	case '{':
		var l assetList
		if err := json.Unmarshal(body, &l); err != nil {
			return nil, nil, err
		}
		assets = l.Assets
	case '<':
		var doc sitemapDoc
		if err := xml.Unmarshal(body, &doc); err != nil {
			return nil, nil, err
		}
		assets, nested = doc.URLs, doc.Sitemaps
	default:
		return nil, nil, fmt.Errorf("unrecognized manifest format")
	}

	return trimAll(assets), trimAll(nested), nil
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// resolve makes u absolute against the worker scope.
func (w *Worker) resolve(u string) string {
	u = strings.TrimSpace(u)
	if w.scope == nil || u == "" {
		return u
	}
	ref, err := url.Parse(u)
	if err != nil || ref.IsAbs() {
		return u
	}
	return w.scope.ResolveReference(ref).String()
}
