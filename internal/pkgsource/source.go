// Package pkgsource resolves bare package imports to hosted URLs and serves
// the package files behind them.
//
// Two sources exist: Local serves packages installed in node_modules, and
// Remote proxies an ESM CDN. Both host packages under /{meta}/pkg/.
package pkgsource

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/conneroisu/snowdrift/internal/errors"
)

// ErrNotInImportMap is returned when an import map is supplied and does not
// list the requested specifier.
var ErrNotInImportMap = stderrors.New("not included in import map")

// ImportMap maps bare specifiers to URLs.
type ImportMap struct {
	Imports map[string]string `json:"imports"`
}

// Lookup finds spec in the map, exact first, then the longest "pkg/"
// prefix entry.
func (m *ImportMap) Lookup(spec string) (string, bool) {
	if m == nil {
		return "", false
	}
	if u, ok := m.Imports[spec]; ok {
		return u, true
	}
	var best string
	for key := range m.Imports {
		if strings.HasSuffix(key, "/") && strings.HasPrefix(spec, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return "", false
	}
	return m.Imports[best] + strings.TrimPrefix(spec, best), true
}

// Specifiers returns the mapped specifiers in sorted order.
func (m *ImportMap) Specifiers() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m.Imports))
	for k := range m.Imports {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ResolveOptions controls ResolvePackageImport. A non-nil ImportMap makes
// resolution purely a map lookup.
type ResolveOptions struct {
	ImportMap *ImportMap
}

// LoadResult is a served package file.
type LoadResult struct {
	Contents    []byte
	ContentType string
	Imports     []string
}

// Source is a package-resolution backend.
type Source interface {
	// Prepare runs once before the first request.
	Prepare(ctx context.Context) error
	// PrepareSingleFile readies the packages a single file needs.
	PrepareSingleFile(ctx context.Context, fileLoc string) error
	// ResolvePackageImport turns a bare specifier into a hosted URL.
	ResolvePackageImport(ctx context.Context, spec string, opts ResolveOptions) (string, error)
	// Load returns the file hosted at /{meta}/pkg/{id}.
	Load(ctx context.Context, id string) (*LoadResult, error)
	// ClearCache drops any memoized resolutions and fetched files.
	ClearCache()
}

// ParseSpecifier splits a bare specifier into its package name and the
// deep import path, e.g. "@scope/pkg/a/b" into "@scope/pkg" and "a/b".
func ParseSpecifier(spec string) (name, subpath string) {
	parts := strings.SplitN(spec, "/", 3)
	if strings.HasPrefix(spec, "@") && len(parts) >= 2 {
		name = parts[0] + "/" + parts[1]
		if len(parts) == 3 {
			subpath = parts[2]
		}
		return name, subpath
	}
	name, subpath, _ = strings.Cut(spec, "/")
	return name, subpath
}

// PkgURL returns the hosted URL of id under the meta path.
func PkgURL(metaURLPath, id string) string {
	return path.Join("/", metaURLPath, "pkg", id)
}

func lookupImportMap(spec string, opts ResolveOptions) (string, bool, error) {
	if opts.ImportMap == nil {
		return "", false, nil
	}
	if u, ok := opts.ImportMap.Lookup(spec); ok {
		return u, true, nil
	}
	return "", true, errors.NewResolutionError(spec, "", ErrNotInImportMap)
}

// manifest is the subset of package.json the sources read.
type manifest struct {
	Name             string            `json:"name"`
	Version          string            `json:"version"`
	Module           string            `json:"module"`
	Main             string            `json:"main"`
	Browser          json.RawMessage   `json:"browser"`
	Exports          json.RawMessage   `json:"exports"`
	Dependencies     map[string]string `json:"dependencies"`
	DevDependencies  map[string]string `json:"devDependencies"`
	PeerDependencies map[string]string `json:"peerDependencies"`
}

func readManifest(file string) (*manifest, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.NewIOError(errors.ErrCodeReadFailed, "invalid "+file, err)
	}
	return &m, nil
}

// dependencyRange returns the range the project declares for a package.
func (m *manifest) dependencyRange(name string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, deps := range []map[string]string{m.Dependencies, m.DevDependencies, m.PeerDependencies} {
		if r, ok := deps[name]; ok {
			return r, true
		}
	}
	return "", false
}

// entrypoint picks the browser ESM entry of a package: exports["."],
// then module, then a string browser field, then main, then index.js.
func (m *manifest) entrypoint() string {
	if e := exportsEntry(m.Exports); e != "" {
		return e
	}
	if m.Module != "" {
		return m.Module
	}
	var browser string
	if len(m.Browser) > 0 && json.Unmarshal(m.Browser, &browser) == nil && browser != "" {
		return browser
	}
	if m.Main != "" {
		return m.Main
	}
	return "index.js"
}

func exportsEntry(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil {
		return ""
	}
	if dot, ok := obj["."]; ok {
		return exportsEntry(dot)
	}
	for _, cond := range []string{"browser", "import", "module", "default"} {
		if v, ok := obj[cond]; ok {
			if e := exportsEntry(v); e != "" {
				return e
			}
		}
	}
	return ""
}

func contentTypeFor(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".js", ".mjs", ".cjs":
		return "application/javascript; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".map":
		return "application/json; charset=utf-8"
	}
	return "application/octet-stream"
}
