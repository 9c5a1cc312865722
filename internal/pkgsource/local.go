package pkgsource

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/conneroisu/snowdrift/internal/errors"
	"github.com/conneroisu/snowdrift/internal/logging"
	"github.com/conneroisu/snowdrift/internal/rewrite"
	"github.com/conneroisu/snowdrift/internal/scanner"
	"github.com/conneroisu/snowdrift/internal/urls"
)

// LocalOptions configures a Local source.
type LocalOptions struct {
	Root             string
	MetaURLPath      string
	KnownEntrypoints []string
	Logger           logging.Logger
}

// Local serves packages from the project's node_modules directory.
type Local struct {
	opts   LocalOptions
	logger logging.Logger

	mu       sync.Mutex
	project  *manifest
	resolved map[string]string
	warned   map[string]bool
}

var _ Source = (*Local)(nil)

// NewLocal creates a node_modules backed source.
func NewLocal(opts LocalOptions) *Local {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Local{
		opts:     opts,
		logger:   logger.WithComponent("pkgsource"),
		resolved: map[string]string{},
		warned:   map[string]bool{},
	}
}

func (l *Local) nodeModules() string {
	return filepath.Join(l.opts.Root, "node_modules")
}

// Prepare reads the project manifest and resolves the known entrypoints.
func (l *Local) Prepare(ctx context.Context) error {
	project, err := readManifest(filepath.Join(l.opts.Root, "package.json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	l.mu.Lock()
	l.project = project
	l.mu.Unlock()

	for _, spec := range l.opts.KnownEntrypoints {
		if _, err := l.ResolvePackageImport(ctx, spec, ResolveOptions{}); err != nil {
			l.logger.Warn(ctx, err, "cannot resolve known entrypoint", "specifier", spec)
		}
	}
	return nil
}

// PrepareSingleFile is a no-op: local packages are already installed.
func (l *Local) PrepareSingleFile(context.Context, string) error {
	return nil
}

// ResolvePackageImport maps spec to /{meta}/pkg/{name}/{entry}.
func (l *Local) ResolvePackageImport(ctx context.Context, spec string, opts ResolveOptions) (string, error) {
	if u, handled, err := lookupImportMap(spec, opts); handled {
		return u, err
	}

	l.mu.Lock()
	if u, ok := l.resolved[spec]; ok {
		l.mu.Unlock()
		return u, nil
	}
	l.mu.Unlock()

	name, subpath := ParseSpecifier(spec)
	pkgDir := filepath.Join(l.nodeModules(), filepath.FromSlash(name))
	m, err := readManifest(filepath.Join(pkgDir, "package.json"))
	if err != nil {
		return "", errors.NewResolutionError(spec, "", fmt.Errorf("package %q is not installed: %w", name, err))
	}
	l.checkVersion(ctx, name, m.Version)

	entry := subpath
	if entry == "" {
		entry = m.entrypoint()
	} else if info, err := os.Stat(filepath.Join(pkgDir, filepath.FromSlash(entry))); err == nil && info.IsDir() {
		entry = path.Join(entry, "index.js")
	} else if err != nil && filepath.Ext(entry) == "" {
		entry += ".js"
	}
	u := PkgURL(l.opts.MetaURLPath, path.Join(name, strings.TrimPrefix(entry, "./")))

	l.mu.Lock()
	l.resolved[spec] = u
	l.mu.Unlock()
	return u, nil
}

// checkVersion warns once per package when the installed version does not
// satisfy the range declared in the project manifest.
func (l *Local) checkVersion(ctx context.Context, name, installed string) {
	l.mu.Lock()
	want, ok := l.project.dependencyRange(name)
	if !ok || l.warned[name] {
		l.mu.Unlock()
		return
	}
	l.warned[name] = true
	l.mu.Unlock()

	c, err := semver.NewConstraint(want)
	if err != nil {
		return
	}
	v, err := semver.NewVersion(installed)
	if err != nil {
		return
	}
	if !c.Check(v) {
		l.logger.Warn(ctx, nil, "installed package does not satisfy package.json",
			"package", name, "installed", installed, "wanted", want)
	}
}

// Load reads node_modules/{id}. Bare imports inside JavaScript files are
// rewritten to hosted package URLs.
func (l *Local) Load(ctx context.Context, id string) (*LoadResult, error) {
	clean := path.Clean("/" + id)
	file := filepath.Join(l.nodeModules(), filepath.FromSlash(clean))
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.NewNotFoundError(PkgURL(l.opts.MetaURLPath, clean), []string{file})
	}
	result := &LoadResult{Contents: data, ContentType: contentTypeFor(file)}
	if !urls.IsJavaScript(file) {
		return result, nil
	}

	var resolveErr error
	out, err := rewrite.TransformEsmImports(data, func(spec string) string {
		if !scanner.IsBareSpecifier(spec) {
			return spec
		}
		u, err := l.ResolvePackageImport(ctx, spec, ResolveOptions{})
		if err != nil {
			if resolveErr == nil {
				resolveErr = err
			}
			return spec
		}
		result.Imports = append(result.Imports, u)
		return u
	})
	if err != nil {
		return nil, err
	}
	if resolveErr != nil {
		l.logger.Warn(ctx, resolveErr, "unresolved import in package file", "file", clean)
	}
	result.Contents = out
	return result, nil
}

// ClearCache forgets resolved entrypoints.
func (l *Local) ClearCache() {
	l.mu.Lock()
	l.resolved = map[string]string{}
	l.warned = map[string]bool{}
	l.mu.Unlock()
}
