package cache

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// hopHeaders are connection-scoped and must not be forwarded.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// ServeHTTP intercepts a page's request. Relative requests are resolved against the
// front-end origin; absolute ones (forward-proxy style) are used as-is.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := r.URL
	if !target.IsAbs() {
		target = m.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	out.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	out.ContentLength = r.ContentLength

	resp, err := m.Fetch(r.Context(), out)
	if err != nil {
		slog.Warn("Manager.ServeHTTP: upstream request failed", "url", target.String(), "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Debug("Manager.ServeHTTP: copy interrupted", "url", target.String(), "error", err)
	}
}
