package server

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/conneroisu/snowdrift/internal/errors"
	"github.com/conneroisu/snowdrift/internal/hmr"
	"github.com/conneroisu/snowdrift/internal/pkgsource"
	"github.com/conneroisu/snowdrift/internal/urls"
	"github.com/conneroisu/snowdrift/internal/validation"
	"github.com/conneroisu/snowdrift/internal/version"
)

// ServeHTTP routes a request through the dev server: HMR upgrades, the
// status endpoint, configured routes, the ETag shortcut, legacy package
// redirects and finally LoadURL.
func (s *DevServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.hmr != nil && hmr.IsUpgrade(r) {
		s.hmr.ServeHTTP(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := validation.ValidateRequestPath(r.URL.Path); err != nil {
		s.logger.Warn(r.Context(), err, "rejected request", "url", r.URL.Path)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if r.URL.Path == s.metaPrefix()+"status" {
		s.handleStatus(w, r)
		return
	}

	reqURL := r.URL.RequestURI()
	if dest, ok := s.matchRoute(r.URL.Path); ok {
		reqURL = dest
	}
	reqPath := reqURL
	if u, err := url.Parse(reqURL); err == nil {
		reqPath = u.Path
	}

	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == s.knownETag(quickETagPath(reqPath)) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if strings.HasPrefix(reqPath, s.pkgPrefix()) {
		if id, ok := s.legacyPackageID(reqPath); ok {
			s.logger.Warn(r.Context(), nil, "deprecated manual package import", "url", reqPath)
			redirect, err := s.project.Packages.ResolvePackageImport(r.Context(), id, pkgsource.ResolveOptions{})
			if err != nil {
				s.handleError(w, r, err)
				return
			}
			http.Redirect(w, r, redirect, http.StatusMovedPermanently)
			return
		}
	}

	result, err := s.LoadURL(r.Context(), reqURL, LoadOptions{})
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	etag := s.sendResponse(w, r, result)
	s.setKnownETag(reqPath, result.OriginalFileLoc, etag)
}

// matchRoute returns the rewritten URL of the first route matching
// reqPath. Routes with match "routes" only see page navigations.
func (s *DevServer) matchRoute(reqPath string) (string, bool) {
	if strings.HasPrefix(reqPath, s.metaPrefix()) {
		return "", false
	}
	ext := urls.Extension(reqPath)
	isRoute := ext == "" || ext == ".html"
	for i := range s.cfg.Routes {
		route := &s.cfg.Routes[i]
		if route.Match == "routes" && !isRoute {
			continue
		}
		if route.Dest != "" && route.Matches(reqPath) {
			return route.Dest, true
		}
	}
	return "", false
}

func quickETagPath(reqPath string) string {
	if strings.HasSuffix(reqPath, "/") {
		return reqPath + "index.html"
	}
	return reqPath
}

func (s *DevServer) knownETag(reqPath string) string {
	s.etagsMu.RLock()
	defer s.etagsMu.RUnlock()
	return s.etags[reqPath]
}

// setKnownETag records the ETag served for reqPath and indexes the path
// under the source file it was built from.
func (s *DevServer) setKnownETag(reqPath, fileLoc, etag string) {
	s.etagsMu.Lock()
	defer s.etagsMu.Unlock()
	p := quickETagPath(reqPath)
	s.etags[p] = etag
	if fileLoc == "" {
		return
	}
	paths, ok := s.etagFiles[fileLoc]
	if !ok {
		paths = map[string]struct{}{}
		s.etagFiles[fileLoc] = paths
	}
	paths[p] = struct{}{}
}

// forgetFileETags drops the ETag of every request path served from fileLoc.
func (s *DevServer) forgetFileETags(fileLoc string) {
	s.etagsMu.Lock()
	defer s.etagsMu.Unlock()
	for p := range s.etagFiles[fileLoc] {
		delete(s.etags, p)
	}
	delete(s.etagFiles, fileLoc)
}

func (s *DevServer) forgetETags(reqPaths ...string) {
	s.etagsMu.Lock()
	defer s.etagsMu.Unlock()
	for _, p := range reqPaths {
		delete(s.etags, p)
	}
}

func (s *DevServer) clearETags() {
	s.etagsMu.Lock()
	defer s.etagsMu.Unlock()
	s.etags = map[string]string{}
	s.etagFiles = map[string]map[string]struct{}{}
}

// handleError answers NotFound with the 404 page and anything else with
// 500.
func (s *DevServer) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.IsNotFound(err) {
		if r.URL.Path != "/favicon.ico" {
			s.logger.Warn(r.Context(), nil, "not found", "url", r.URL.Path)
		}
		w.Header().Set("Content-Type", contentType(".html"))
		w.WriteHeader(http.StatusNotFound)
		if r.Method != http.MethodHead {
			if err := notFoundPage(r.URL.Path, errors.Lookups(err)).Render(r.Context(), w); err != nil {
				s.logger.Warn(r.Context(), err, "cannot render 404 page")
			}
		}
		return
	}
	s.logger.Error(r.Context(), err, "request failed", "url", r.URL.Path)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// handleStatus reports the server's version, indexed files and build cache.
func (s *DevServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.cache.Stats()
	clients := 0
	if s.hmr != nil {
		clients = s.hmr.Clients()
	}
	response := map[string]interface{}{
		"status":  "healthy",
		"version": version.GetShortVersion(),
		"mode":    s.cfg.Mode,
		"files":   s.files.Len(),
		"cache": map[string]interface{}{
			"entries":   stats.Entries,
			"hits":      stats.Hits,
			"misses":    stats.Misses,
			"evictions": stats.Evictions,
			"hit_rate":  stats.HitRate(),
		},
		"hmr_clients": clients,
		"timestamp":   time.Now().Unix(),
	}

	w.Header().Set("Content-Type", contentType(".json"))
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Warn(r.Context(), err, "cannot encode status response")
	}
}

// withRequestLog logs every request with its status and duration.
func (s *DevServer) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug(r.Context(), "request", "method", r.Method, "url", r.URL.RequestURI(),
			"status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the HMR websocket.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}
