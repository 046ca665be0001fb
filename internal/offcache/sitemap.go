package offcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// assetPaths is the install list: the configured static assets followed by
// the same-origin paths found in the configured sitemaps, without duplicates.
func (m *Manager) assetPaths(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, p := range m.cfg.Install.Assets {
		add(p)
	}
	if len(m.cfg.Install.Sitemaps) == 0 {
		return out, nil
	}

	found, err := discoverSitemapPaths(ctx, m.fetcher, m.cfg)
	if err != nil {
		return nil, err
	}
	for _, p := range found {
		add(p)
	}
	m.log.Info("sitemap expanded install list", zap.Int("discovered", len(found)), zap.Int("assets", len(out)))
	return out, nil
}

func discoverSitemapPaths(ctx context.Context, f Fetcher, cfg Config) ([]string, error) {
	origin := cfg.Origin()
	seen := map[string]struct{}{}
	queue := make([]*url.URL, 0, len(cfg.Install.Sitemaps))
	for _, sm := range cfg.Install.Sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		u, err := cfg.Resolve(sm)
		if err != nil {
			return nil, fmt.Errorf("sitemap %q: %w", sm, err)
		}
		queue = append(queue, u)
	}

	var paths []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL.String()]; ok {
			continue
		}
		seen[smURL.String()] = struct{}{}

		doc, err := fetchSitemap(ctx, f, smURL)
		if err != nil {
			return nil, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			ref, err := url.Parse(nested)
			if err != nil || nested == "" {
				continue
			}
			queue = append(queue, smURL.ResolveReference(ref))
		}
		for _, loc := range doc.URLs {
			if p, ok := sameOriginPath(origin, loc); ok {
				paths = append(paths, p)
			}
		}
	}
	return paths, nil
}

func fetchSitemap(ctx context.Context, f Fetcher, u *url.URL) (sitemapDoc, error) {
	resp, err := f.Fetch(ctx, &Request{Method: http.MethodGet, URL: u, Mode: ModeCORS, Header: make(http.Header)})
	if err != nil {
		return sitemapDoc{}, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return sitemapDoc{}, fmt.Errorf("%w %d", ErrBadStatus, resp.Status)
	}

	body := resp.Body
	// .gz sitemaps may or may not have been decoded by the transport
	tryGzip := strings.HasSuffix(strings.ToLower(u.Path), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// sameOriginPath returns the origin-relative path (with query) of loc, or
// false when loc is empty or points at another host.
func sameOriginPath(origin *url.URL, loc string) (string, bool) {
	if loc == "" {
		return "", false
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	if u.IsAbs() && !strings.EqualFold(u.Host, origin.Host) {
		return "", false
	}
	p := u.Path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p, true
}
