package offline0

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
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// UpdateContent refetches the configured key pages, any extra paths, and the
// pages listed in the configured sitemaps, storing 2xx responses in the
// current bucket. Pages that fail are logged and skipped. It returns the
// number of pages stored.
func (w *Worker) UpdateContent(ctx context.Context, extra ...string) (int, error) {
	paths := make([]string, 0, len(w.cfg.Content.Pages)+len(extra))
	seen := map[string]struct{}{}
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	for _, p := range w.cfg.Content.Pages {
		add(p)
	}
	for _, p := range extra {
		add(p)
	}
	if len(w.cfg.Content.Sitemaps) > 0 {
		found, err := w.discoverPages(ctx)
		if err != nil {
			w.log.Warn("sitemap discovery incomplete", KeyError, err)
		}
		for _, p := range found {
			add(p)
		}
	}

	stored := 0
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		req, err := w.getRequest(p)
		if err != nil {
			w.log.Warn("content update skipped", KeyURL, p, KeyError, err)
			continue
		}
		req.Mode = ModeNavigate
		req.Destination = DestDocument
		resp, err := w.network.Fetch(ctx, req)
		if err != nil {
			w.errLog.Warn("content update failed", KeyURL, p, KeyError, err)
			continue
		}
		if !resp.OK() {
			w.log.Debug("content update skipped", KeyURL, p, KeyStatus, resp.Status)
			continue
		}
		if !w.cache.Put(ctx, req, resp) {
			continue
		}
		stored++
	}
	w.log.Info("content updated", KeyCount, stored, "pages", len(paths))
	return stored, nil
}

// discoverPages walks the configured sitemaps breadth-first, following nested
// sitemap indexes, and returns same-origin page paths that no rule bypasses.
// At most content.maxDiscovered paths are returned.
func (w *Worker) discoverPages(ctx context.Context) ([]string, error) {
	limit := w.cfg.Content.MaxDiscovered
	seenSitemaps := map[string]struct{}{}
	seenPages := map[string]struct{}{}
	var out []string

	queue := make([]string, 0, len(w.cfg.Content.Sitemaps))
	for _, sm := range w.cfg.Content.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, sm)
		}
	}

	var firstErr error
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		ref := queue[0]
		queue = queue[1:]
		u, err := w.resolve(ref)
		if err != nil {
			continue
		}
		key := u.String()
		if _, ok := seenSitemaps[key]; ok {
			continue
		}
		seenSitemaps[key] = struct{}{}

		doc, err := w.fetchSitemap(ctx, u)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("sitemap %q: %w", key, err)
			}
			continue
		}
		queue = append(queue, doc.Sitemaps...)

		fit, ignored := 0, 0
		for _, loc := range doc.URLs {
			path, ok := w.pagePathFromLoc(loc)
			if !ok {
				ignored++
				continue
			}
			if rule := w.cfg.pickRule(path); rule != nil && rule.Bypass {
				ignored++
				continue
			}
			if _, dup := seenPages[path]; dup {
				continue
			}
			if limit > 0 && len(out) >= limit {
				ignored++
				continue
			}
			seenPages[path] = struct{}{}
			out = append(out, path)
			fit++
		}
		w.log.Debug("sitemap read", KeyURL, key, "urls", len(doc.URLs), "fit", fit, "ignored", ignored)
	}
	return out, firstErr
}

func (w *Worker) fetchSitemap(ctx context.Context, u *url.URL) (sitemapDoc, error) {
	req, err := NewRequest(http.MethodGet, u.String())
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.OK() {
		snippet := resp.Body
		if len(snippet) > 2048 {
			snippet = snippet[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	return parseSitemap(u.Path, resp.Body)
}

// parseSitemap decodes a sitemap or sitemap index. Gzipped bodies are
// accepted whether or not the server already decoded them.
func parseSitemap(name string, body []byte) (sitemapDoc, error) {
	tryGzip := strings.HasSuffix(strings.ToLower(name), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	sitemaps := doc.Sitemaps[:0]
	for _, s := range doc.Sitemaps {
		if s = strings.TrimSpace(s); s != "" {
			sitemaps = append(sitemaps, s)
		}
	}
	doc.Sitemaps = sitemaps
	return doc, nil
}

// isOwnOrigin accepts the public origin and the upstream origin, since
// sitemaps generated by the origin server usually name its own host.
func (w *Worker) isOwnOrigin(u *url.URL) bool {
	if sameOrigin(u, w.origin) {
		return true
	}
	up, err := url.Parse(w.cfg.Server.Origin)
	return err == nil && sameOrigin(u, up)
}

// pagePathFromLoc maps a sitemap <loc> to a path on the worker's origin.
// Locations on foreign origins are rejected.
func (w *Worker) pagePathFromLoc(loc string) (string, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", false
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil || !w.isOwnOrigin(u) {
			return "", false
		}
		if u.Path == "" {
			return "/", true
		}
		if !strings.HasPrefix(u.Path, "/") {
			return "/" + u.Path, true
		}
		return u.Path, true
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc, true
}
