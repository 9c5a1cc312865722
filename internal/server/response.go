package server

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
)

// contentTypes covers the extensions a dev server serves most; anything
// else falls back to the platform MIME table.
var contentTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".mjs":  "application/javascript; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".json": "application/json; charset=utf-8",
	".map":  "application/json; charset=utf-8",
	".svg":  "image/svg+xml",
	".wasm": "application/wasm",
	".txt":  "text/plain; charset=utf-8",
}

func contentType(ext string) string {
	ext = strings.ToLower(ext)
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ext == "" {
		return ""
	}
	return mime.TypeByExtension(ext)
}

// compressible reports whether a response of type ct is worth gzipping.
func compressible(ct string) bool {
	mediaType, _, _ := strings.Cut(ct, ";")
	mediaType = strings.TrimSpace(mediaType)
	switch {
	case strings.HasPrefix(mediaType, "text/"):
		return true
	case strings.HasSuffix(mediaType, "+json"), strings.HasSuffix(mediaType, "+xml"):
		return true
	}
	switch mediaType {
	case "application/javascript", "application/json", "application/xml", "application/wasm":
		return true
	}
	return false
}

// weakETag returns a weak validator derived from the body's length and
// xxhash digest.
func weakETag(body []byte) string {
	return fmt.Sprintf(`W/"%x-%x"`, len(body), xxhash.Sum64(body))
}

// sendResponse writes a loaded result. Conditional requests matching the
// body's ETag get 304, Range requests are served from the original file,
// and compressible bodies are gzipped when the client accepts it.
func (s *DevServer) sendResponse(w http.ResponseWriter, r *http.Request, result *LoadResult) string {
	etag := weakETag(result.Contents)
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Access-Control-Allow-Origin", "*")
	if result.ContentType != "" {
		h.Set("Content-Type", result.ContentType)
	}
	h.Set("ETag", etag)
	h.Set("Vary", "Accept-Encoding")

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return etag
	}

	if r.Header.Get("Range") != "" && result.OriginalFileLoc != "" {
		if f, err := os.Open(result.OriginalFileLoc); err == nil {
			defer f.Close()
			if info, err := f.Stat(); err == nil {
				http.ServeContent(w, r, result.OriginalFileLoc, info.ModTime(), f)
				return etag
			}
		}
	}

	if s.shouldGzip(r, result.ContentType) {
		h.Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		gz, err := gzip.NewWriterLevel(w, gzip.DefaultCompression)
		if err != nil {
			return etag
		}
		if _, err := gz.Write(result.Contents); err != nil {
			s.logger.Warn(r.Context(), err, "cannot write response", "url", r.URL.Path)
		}
		gz.Close()
		return etag
	}

	h.Set("Content-Length", fmt.Sprint(len(result.Contents)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		if _, err := bytes.NewReader(result.Contents).WriteTo(w); err != nil {
			s.logger.Warn(r.Context(), err, "cannot write response", "url", r.URL.Path)
		}
	}
	return etag
}

func (s *DevServer) shouldGzip(r *http.Request, ct string) bool {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		return false
	}
	if strings.Contains(r.Header.Get("Cache-Control"), "no-transform") {
		return false
	}
	if r.Method == http.MethodHead || r.Method == http.MethodOptions || ct == "" {
		return false
	}
	return compressible(ct)
}
