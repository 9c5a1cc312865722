package build

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/conneroisu/snowdrift/internal/errors"
	"github.com/conneroisu/snowdrift/internal/hmr"
	"github.com/conneroisu/snowdrift/internal/logging"
	"github.com/conneroisu/snowdrift/internal/pipeline"
	"github.com/conneroisu/snowdrift/internal/pkgsource"
	"github.com/conneroisu/snowdrift/internal/plugins"
	"github.com/conneroisu/snowdrift/internal/proxy"
	"github.com/conneroisu/snowdrift/internal/resolver"
	"github.com/conneroisu/snowdrift/internal/rewrite"
	"github.com/conneroisu/snowdrift/internal/scanner"
	"github.com/conneroisu/snowdrift/internal/urls"
)

var mtimeQueryRegex = regexp.MustCompile(`\?mtime=\d+$`)

// State is the build state of a FileBuilder.
type State int32

const (
	StateUnbuilt State = iota
	StateBuilding
	StateBuilt
	StateResolving
)

func (s State) String() string {
	switch s {
	case StateUnbuilt:
		return "unbuilt"
	case StateBuilding:
		return "building"
	case StateBuilt:
		return "built"
	case StateResolving:
		return "resolving"
	}
	return "unknown"
}

// Services are the process-wide collaborators every FileBuilder shares.
type Services struct {
	Pipeline *pipeline.Pipeline
	Resolver *resolver.Resolver
	Proxy    *proxy.Generator
	// HMR is nil when hot module replacement is off.
	HMR     *hmr.Engine
	Mode    string
	BaseURL string
	HMRPort int
	Logger  logging.Logger
}

// FileBuilder builds one source file for one combination of dev, SSR and
// HMR flags. At most one build runs at a time; concurrent callers of Build
// share its outcome.
type FileBuilder struct {
	Loc   string
	URLs  []string
	IsDev bool
	IsHMR bool
	IsSSR bool

	services *Services
	logger   logging.Logger

	mu             sync.Mutex
	state          State
	inflight       *buildCall
	buildOutput    pipeline.OutputMap
	resolvedOutput pipeline.OutputMap
}

type buildCall struct {
	done chan struct{}
	out  pipeline.OutputMap
	err  error
}

// FileBuilderOptions describes the file a FileBuilder is created for.
type FileBuilderOptions struct {
	Loc   string
	URLs  []string
	IsDev bool
	IsHMR bool
	IsSSR bool
}

// NewFileBuilder creates an unbuilt FileBuilder.
func NewFileBuilder(opts FileBuilderOptions, services *Services) *FileBuilder {
	logger := services.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &FileBuilder{
		Loc:      opts.Loc,
		URLs:     opts.URLs,
		IsDev:    opts.IsDev,
		IsHMR:    opts.IsHMR && services.HMR != nil,
		IsSSR:    opts.IsSSR,
		services: services,
		logger:   logger.WithComponent("build"),
	}
}

// State returns the current build state.
func (fb *FileBuilder) State() State {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.state
}

// Build runs the pipeline once and memoizes its output. A static build
// reads the file's bytes unchanged. Callers arriving while a build is in
// flight wait for it and receive the same output or error; a failed build
// is not memoized.
func (fb *FileBuilder) Build(ctx context.Context, static bool) (pipeline.OutputMap, error) {
	fb.mu.Lock()
	if fb.buildOutput != nil {
		out := fb.buildOutput
		fb.mu.Unlock()
		return out, nil
	}
	if call := fb.inflight; call != nil {
		fb.mu.Unlock()
		select {
		case <-call.done:
			return call.out, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &buildCall{done: make(chan struct{})}
	fb.inflight = call
	fb.state = StateBuilding
	fb.mu.Unlock()

	// One caller giving up must not fail the build for everyone waiting.
	out, err := fb.build(context.WithoutCancel(ctx), static)

	fb.mu.Lock()
	if err == nil {
		fb.buildOutput = out
		fb.resolvedOutput = out.Clone()
		fb.state = StateBuilt
	} else {
		fb.state = StateUnbuilt
	}
	fb.inflight = nil
	call.out, call.err = out, err
	close(call.done)
	fb.mu.Unlock()
	return out, err
}

func (fb *FileBuilder) build(ctx context.Context, static bool) (pipeline.OutputMap, error) {
	if static {
		data, err := os.ReadFile(fb.Loc)
		if err != nil {
			return nil, errors.NewIOError(errors.ErrCodeReadFailed, "cannot read "+fb.Loc, err).WithLocation(fb.Loc)
		}
		return pipeline.OutputMap{urls.Extension(fb.Loc): {Code: data}}, nil
	}
	return fb.services.Pipeline.BuildFile(ctx, fb.Loc, pipeline.BuildOptions{
		IsDev:        fb.IsDev,
		IsSSR:        fb.IsSSR,
		IsHMREnabled: fb.IsHMR,
	})
}

// urlFor returns the hosted URL of the output with extension ext.
func (fb *FileBuilder) urlFor(ext string) string {
	for _, u := range fb.URLs {
		if urls.Extension(u) == ext {
			return u
		}
	}
	if len(fb.URLs) > 0 {
		return fb.URLs[0]
	}
	return ""
}

// ResolveOptions controls ResolveImports.
type ResolveOptions struct {
	// Final resolves for output that is served or written: packages must
	// resolve and non-JS imports get their proxy suffix.
	Final bool
	// HMRParam, when set, is appended as a query to imports of modules
	// marked for replacement.
	HMRParam  string
	ImportMap *pkgsource.ImportMap
}

// ResolveImports rewrites the imports of every JavaScript, HTML and CSS
// output from the current build output and records the result as the
// resolved output. It returns the packages the file consumes.
func (fb *FileBuilder) ResolveImports(ctx context.Context, opts ResolveOptions) ([]scanner.InstallTarget, error) {
	fb.mu.Lock()
	if fb.buildOutput == nil {
		fb.mu.Unlock()
		return nil, errors.NewInternalError(errors.ErrCodeUnbuiltOutput, "resolveImports() called before build() for "+fb.Loc, nil)
	}
	source := fb.buildOutput
	fb.state = StateResolving
	fb.mu.Unlock()

	resolved := source.Clone()
	var targets []scanner.InstallTarget
	var resolveErr error
	for _, ext := range source.Extensions() {
		if ext != ".js" && ext != ".html" && ext != ".css" {
			continue
		}
		code, found, err := fb.resolveOutput(ctx, ext, source, opts)
		if err != nil {
			resolveErr = err
			break
		}
		targets = append(targets, found...)
		resolved[ext] = &plugins.Output{Code: code}
	}

	fb.mu.Lock()
	fb.state = StateBuilt
	if resolveErr == nil {
		fb.resolvedOutput = resolved
	}
	fb.mu.Unlock()
	if resolveErr != nil {
		return nil, resolveErr
	}
	return targets, nil
}

func (fb *FileBuilder) resolveOutput(ctx context.Context, ext string, source pipeline.OutputMap, opts ResolveOptions) ([]byte, []scanner.InstallTarget, error) {
	s := fb.services
	contents := bytes.Clone(source[ext].Code)
	urlPath := fb.urlFor(ext)
	urlDir := path.Dir(urlPath)
	isHMREnabled := ext == ".js" && bytes.Contains(contents, []byte("import.meta.hot"))

	if ext == ".js" {
		if _, ok := source[".css"]; ok {
			cssImport := "./" + urls.ReplaceExtension(path.Base(fb.urlFor(".js")), ".js", ".css")
			contents = append([]byte("import '"+cssImport+"';\n"), contents...)
		}
	}

	var err error
	switch ext {
	case ".html":
		contents, err = s.Proxy.WrapHTMLResponse(ctx, contents, proxy.HTMLOptions{
			HMR:     fb.IsHMR,
			HMRPort: s.HMRPort,
			IsDev:   fb.IsDev,
			Mode:    s.Mode,
		})
		if err != nil {
			return nil, nil, err
		}
	case ".js":
		contents = s.Proxy.WrapImportMeta(contents, fb.IsHMR, true)
		contents, err = proxy.TransformGlobImports(contents, func(glob string) ([]string, error) {
			return s.Resolver.ResolveGlob(glob, fb.Loc)
		})
		if err != nil {
			return nil, nil, err
		}
	}

	records := scanner.ScanFile(ext, contents)
	var targets []scanner.InstallTarget
	var firstErr error
	contents, err = rewrite.TransformFileImports(ext, contents, func(spec string) string {
		if urls.IsRemoteURL(spec) {
			return spec
		}
		u, err := s.Resolver.ResolveImport(ctx, spec, fb.Loc, resolver.ImportOptions{
			Final:     opts.Final,
			ImportMap: opts.ImportMap,
			NoProxy:   ext != ".js",
		})
		if err != nil {
			if opts.Final {
				if firstErr == nil {
					firstErr = err
				}
			} else {
				fb.logger.Warn(ctx, err, "cannot resolve import", "specifier", spec, "file", fb.Loc)
			}
			return spec
		}
		if !strings.HasPrefix(u, "/") || strings.HasPrefix(u, "//") {
			targets = append(targets, targetsFor(records, spec, u)...)
			return u
		}
		targets = append(targets, scanner.NewInstallTarget(u, true))
		return urls.RelativeURL(urlDir, u)
	})
	if err != nil {
		return nil, nil, err
	}
	if firstErr != nil {
		return nil, nil, firstErr
	}

	if ext == ".html" && fb.IsHMR {
		if bytes.Contains(contents, []byte(proxy.ClientIntegrity)) {
			targets = append(targets, scanner.NewInstallTarget(s.Proxy.MetaURL(proxy.ClientAsset), true))
		}
		if bytes.Contains(contents, []byte(proxy.OverlayIntegrity)) {
			targets = append(targets, scanner.NewInstallTarget(s.Proxy.MetaURL(proxy.OverlayAsset), true))
		}
	}

	if ext == ".js" && fb.IsHMR {
		if opts.HMRParam != "" {
			contents, err = rewrite.TransformEsmImports(contents, func(spec string) string {
				u := importURL(urlDir, spec)
				if u == "" {
					return spec
				}
				if s.HMR.ConsumeReplacement(u) {
					return spec + "?" + opts.HMRParam
				}
				return spec
			})
			if err != nil {
				return nil, nil, err
			}
		}

		var imports []string
		for _, rec := range scanner.ScanJS(contents) {
			if u := importURL(urlDir, mtimeQueryRegex.ReplaceAllString(rec.Specifier, "")); u != "" {
				imports = append(imports, u)
			}
		}
		s.HMR.SetEntry(urlPath, imports, isHMREnabled)
	}
	return contents, targets, nil
}

// importURL returns the hosted URL an import in a module under urlDir
// points at, or "" for package and remote imports.
func importURL(urlDir, spec string) string {
	switch {
	case urls.IsRemoteURL(spec):
		return ""
	case strings.HasPrefix(spec, "/"):
		return spec
	case strings.HasPrefix(spec, "."):
		return path.Join(urlDir, spec)
	}
	return ""
}

// targetsFor returns the install targets scanned for spec, renamed to the
// specifier it resolved to.
func targetsFor(records []scanner.ImportRecord, spec, resolvedSpec string) []scanner.InstallTarget {
	var out []scanner.InstallTarget
	for _, t := range scanner.InstallTargets(records) {
		if t.Specifier == spec {
			t.Specifier = resolvedSpec
			out = append(out, t)
		}
	}
	return out
}

func (fb *FileBuilder) hostsExtension(ext string) bool {
	for _, u := range fb.URLs {
		if urls.Extension(u) == ext {
			return true
		}
	}
	return false
}

// Result returns the resolved output for ext. An output the file never
// builds is an internal error; one that is missing from this build is
// NotFound.
func (fb *FileBuilder) Result(ext string) ([]byte, error) {
	if !fb.hostsExtension(ext) {
		return nil, errors.NewInternalError(errors.ErrCodeUnbuiltOutput,
			fmt.Sprintf("requested unknown output %q for %s", ext, fb.Loc), nil)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out, ok := fb.resolvedOutput[ext]
	if !ok || out == nil {
		return nil, errors.NewNotFoundError(fb.urlFor(ext), []string{fb.Loc})
	}
	return out.Code, nil
}

// SourceMap returns the build's source map for ext, or "" without one.
func (fb *FileBuilder) SourceMap(ext string) string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if out, ok := fb.buildOutput[ext]; ok && out != nil {
		return out.Map
	}
	return ""
}

// Proxy returns the JavaScript module wrapping the ext output hosted at
// url.
func (fb *FileBuilder) Proxy(url, ext string) ([]byte, error) {
	code, err := fb.Result(ext)
	if err != nil {
		return nil, err
	}
	if !fb.IsDev {
		url = fb.services.BaseURL + strings.TrimPrefix(url, "/")
	}
	return fb.services.Proxy.WrapImportProxy(url, code, fb.IsHMR)
}

// WriteToDisk writes every resolved output under dir at its URL path.
func (fb *FileBuilder) WriteToDisk(dir string) error {
	for _, u := range fb.URLs {
		code, err := fb.Result(urls.Extension(u))
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if err := writeFile(filepath.Join(dir, filepath.FromSlash(u)), code); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.NewIOError(errors.ErrCodeWriteFailed, "cannot create "+filepath.Dir(dest), err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return errors.NewIOError(errors.ErrCodeWriteFailed, "cannot write "+dest, err)
	}
	return nil
}
