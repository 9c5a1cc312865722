package pkgsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/dgraph-io/ristretto"

	"github.com/conneroisu/snowdrift/internal/errors"
	"github.com/conneroisu/snowdrift/internal/logging"
	"github.com/conneroisu/snowdrift/internal/rewrite"
	"github.com/conneroisu/snowdrift/internal/scanner"
)

// RemoteOptions configures a Remote source.
type RemoteOptions struct {
	Root        string
	MetaURLPath string
	Origin      string
	CacheSize   int64
	Client      *http.Client
	Logger      logging.Logger
}

// Remote proxies packages from an ESM CDN such as esm.sh. Fetched bodies
// are kept in an in-memory cache bounded by CacheSize bytes.
type Remote struct {
	opts   RemoteOptions
	logger logging.Logger
	cache  *ristretto.Cache

	mu      sync.Mutex
	project *manifest
}

var _ Source = (*Remote)(nil)

type cachedFile struct {
	contents    []byte
	contentType string
	imports     []string
}

// NewRemote creates a CDN backed source.
func NewRemote(opts RemoteOptions) (*Remote, error) {
	if opts.Origin == "" {
		opts.Origin = "https://esm.sh"
	}
	opts.Origin = strings.TrimSuffix(opts.Origin, "/")
	if opts.CacheSize <= 0 {
		opts.CacheSize = 64 << 20
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     opts.CacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.NewInternalError(errors.ErrCodeInternal, "cannot create package cache", err)
	}
	return &Remote{opts: opts, logger: logger.WithComponent("pkgsource"), cache: cache}, nil
}

// Prepare reads the project manifest used to pin versions.
func (r *Remote) Prepare(context.Context) error {
	project, err := readManifest(filepath.Join(r.opts.Root, "package.json"))
	if err != nil {
		project = nil
	}
	r.mu.Lock()
	r.project = project
	r.mu.Unlock()
	return nil
}

// PrepareSingleFile is a no-op: remote packages are fetched on demand.
func (r *Remote) PrepareSingleFile(context.Context, string) error {
	return nil
}

// ResolvePackageImport maps spec to /{meta}/pkg/{name}@{range}/{subpath},
// pinning the range declared in package.json when it is valid semver.
func (r *Remote) ResolvePackageImport(_ context.Context, spec string, opts ResolveOptions) (string, error) {
	if u, handled, err := lookupImportMap(spec, opts); handled {
		return u, err
	}
	name, subpath := ParseSpecifier(spec)
	id := name

	r.mu.Lock()
	want, ok := r.project.dependencyRange(name)
	r.mu.Unlock()
	if ok {
		if _, err := semver.NewConstraint(want); err == nil {
			id += "@" + want
		}
	}
	if subpath != "" {
		id += "/" + subpath
	}
	return PkgURL(r.opts.MetaURLPath, id), nil
}

// Load fetches {origin}/{id}. Root-relative imports in the response point
// at the CDN and are rewritten to hosted package URLs.
func (r *Remote) Load(ctx context.Context, id string) (*LoadResult, error) {
	target := r.opts.Origin + "/" + strings.TrimPrefix(id, "/")
	if v, ok := r.cache.Get(target); ok {
		f := v.(*cachedFile)
		return &LoadResult{Contents: f.contents, ContentType: f.contentType, Imports: f.imports}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.NewInternalError(errors.ErrCodeInternal, "invalid package URL "+target, err)
	}
	resp, err := r.opts.Client.Do(req)
	if err != nil {
		return nil, errors.NewIOError(errors.ErrCodeReadFailed, "cannot fetch "+target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.NewNotFoundError(PkgURL(r.opts.MetaURLPath, id), []string{target})
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewIOError(errors.ErrCodeReadFailed, fmt.Sprintf("fetch %s: %s", target, resp.Status), nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewIOError(errors.ErrCodeReadFailed, "cannot read "+target, err)
	}

	f := &cachedFile{contents: body, contentType: resp.Header.Get("Content-Type")}
	if f.contentType == "" {
		f.contentType = contentTypeFor(id)
	}
	if strings.Contains(f.contentType, "javascript") {
		f.contents, err = rewrite.TransformEsmImports(body, func(spec string) string {
			switch {
			case strings.HasPrefix(spec, "/") && !strings.HasPrefix(spec, "//"):
				u := PkgURL(r.opts.MetaURLPath, spec)
				f.imports = append(f.imports, u)
				return u
			case strings.HasPrefix(spec, r.opts.Origin+"/"):
				u := PkgURL(r.opts.MetaURLPath, strings.TrimPrefix(spec, r.opts.Origin))
				f.imports = append(f.imports, u)
				return u
			case scanner.IsBareSpecifier(spec):
				u, _ := r.ResolvePackageImport(ctx, spec, ResolveOptions{})
				f.imports = append(f.imports, u)
				return u
			}
			return spec
		})
		if err != nil {
			return nil, err
		}
	}

	if r.cache.Set(target, f, int64(len(f.contents))) {
		r.cache.Wait()
	}
	r.logger.Debug(ctx, "fetched package file", "url", target, "bytes", len(f.contents))
	return &LoadResult{Contents: f.contents, ContentType: f.contentType, Imports: f.imports}, nil
}

// ClearCache drops every fetched file.
func (r *Remote) ClearCache() {
	r.cache.Clear()
	r.cache.Wait()
}

// Close releases the cache's background goroutines.
func (r *Remote) Close() {
	r.cache.Close()
}
