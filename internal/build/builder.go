package build

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/snowdrift/internal/errors"
	"github.com/conneroisu/snowdrift/internal/logging"
	"github.com/conneroisu/snowdrift/internal/pkgsource"
	"github.com/conneroisu/snowdrift/internal/resolver"
	"github.com/conneroisu/snowdrift/internal/scanner"
	"github.com/conneroisu/snowdrift/internal/urls"
)

// BuilderOptions configures a production build.
type BuilderOptions struct {
	Root     string
	Mapper   *urls.Mapper
	Exclude  []string
	OutDir   string
	Clean    bool
	Workers  int
	Services *Services
	// Packages serves the bare imports of the build; nil leaves them
	// unresolved.
	Packages pkgsource.Source
	Logger   logging.Logger
}

// Builder runs a one-shot production build of every mounted file.
type Builder struct {
	opts    BuilderOptions
	logger  logging.Logger
	metrics *BuildMetrics
	errs    *errors.ErrorCollector

	mu       sync.Mutex
	builders map[string]*FileBuilder
}

// NewBuilder creates a Builder.
func NewBuilder(opts BuilderOptions) *Builder {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Builder{
		opts:     opts,
		logger:   logger.WithComponent("build"),
		metrics:  NewBuildMetrics(),
		errs:     errors.NewErrorCollector(),
		builders: map[string]*FileBuilder{},
	}
}

// Metrics returns the build counters.
func (b *Builder) Metrics() *BuildMetrics {
	return b.metrics
}

// Run builds every file, resolves imports against the packages the build
// uses, writes the results with their proxies and package files, and runs
// the optimize and cleanup stages. Any file failure fails the build.
func (b *Builder) Run(ctx context.Context) error {
	perf := logging.StartOperation(b.logger, "build")
	if b.opts.Clean {
		if err := b.cleanOutDir(); err != nil {
			return err
		}
	}

	tasks, err := ListFiles(b.opts.Root, b.opts.Mapper, b.opts.Exclude)
	if err != nil {
		return err
	}
	b.logger.Info(ctx, "building files", "files", len(tasks), "workers", b.opts.Workers)
	b.runWorkers(ctx, tasks)
	if err := b.errs.Err(); err != nil {
		perf.EndWithError(ctx, err)
		return err
	}

	importMap, err := b.collectImportMap(ctx)
	if err != nil {
		perf.EndWithError(ctx, err)
		return err
	}
	if err := b.resolveAndWrite(ctx, importMap); err != nil {
		perf.EndWithError(ctx, err)
		return err
	}
	if err := b.writePackages(ctx, importMap); err != nil {
		perf.EndWithError(ctx, err)
		return err
	}
	if err := b.writeMetaFiles(); err != nil {
		return err
	}

	pipe := b.opts.Services.Pipeline
	if err := pipe.Optimize(ctx, b.opts.OutDir); err != nil {
		perf.EndWithError(ctx, err)
		return err
	}
	if err := pipe.Cleanup(ctx); err != nil {
		b.logger.Warn(ctx, err, "plugin cleanup failed")
	}
	perf.End(ctx, "build complete")
	return nil
}

func (b *Builder) cleanOutDir() error {
	out := filepath.Clean(b.opts.OutDir)
	if out == filepath.Clean(b.opts.Root) || out == string(filepath.Separator) {
		return errors.NewConfigurationError(errors.ErrCodeConfigInvalid, "refusing to clean output directory "+out)
	}
	if err := os.RemoveAll(out); err != nil {
		return errors.NewIOError(errors.ErrCodeWriteFailed, "cannot clean "+out, err)
	}
	return nil
}

// runWorkers builds every task over a fixed pool of workers.
func (b *Builder) runWorkers(ctx context.Context, tasks []MountedFile) {
	queue := make(chan MountedFile)
	var wg sync.WaitGroup
	for i := 0; i < b.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				b.metrics.RecordBuild(b.buildOne(ctx, task))
			}
		}()
	}

	for _, task := range tasks {
		select {
		case queue <- task:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			b.errs.Add(task.Path, ctx.Err())
			break
		}
	}
	close(queue)
	wg.Wait()
}

func (b *Builder) buildOne(ctx context.Context, task MountedFile) BuildResult {
	start := time.Now()
	fileURLs := b.opts.Mapper.URLsForFile(task.Path)
	fb := NewFileBuilder(FileBuilderOptions{Loc: task.Path, URLs: fileURLs}, b.opts.Services)
	_, err := fb.Build(ctx, task.Mount.Static)

	result := BuildResult{File: task.Path, URLs: fileURLs, Static: task.Mount.Static, Duration: time.Since(start), Error: err}
	if err != nil {
		b.errs.Add(task.Path, err)
		b.logger.Error(ctx, err, "build failed", "file", task.Path)
		return result
	}

	b.mu.Lock()
	b.builders[task.Path] = fb
	b.mu.Unlock()
	b.logger.Debug(ctx, "built", "file", task.Path, "duration", result.Duration)
	return result
}

// resolvable returns the built files whose imports are rewritten.
func (b *Builder) resolvable() []*FileBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*FileBuilder, 0, len(b.builders))
	for file, fb := range b.builders {
		if mount, ok := b.opts.Mapper.MountEntryForFile(file); ok && (mount.Static || !mount.ResolveImports) {
			continue
		}
		out = append(out, fb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Loc < out[j].Loc })
	return out
}

// collectImportMap runs a collecting resolve pass and maps every bare
// package the build imports to its hosted URL.
func (b *Builder) collectImportMap(ctx context.Context) (*pkgsource.ImportMap, error) {
	importMap := &pkgsource.ImportMap{Imports: map[string]string{}}
	if b.opts.Packages == nil {
		return importMap, nil
	}
	if err := b.opts.Packages.Prepare(ctx); err != nil {
		return nil, err
	}

	for _, fb := range b.resolvable() {
		targets, err := fb.ResolveImports(ctx, ResolveOptions{})
		if err != nil {
			b.errs.Add(fb.Loc, err)
			continue
		}
		for _, t := range targets {
			if !scanner.IsBareSpecifier(t.Specifier) {
				continue
			}
			if _, done := importMap.Imports[t.Specifier]; done {
				continue
			}
			u, err := b.opts.Packages.ResolvePackageImport(ctx, t.Specifier, pkgsource.ResolveOptions{})
			if err != nil {
				b.errs.Add(fb.Loc, err)
				continue
			}
			importMap.Imports[t.Specifier] = u
		}
	}
	return importMap, b.errs.Err()
}

// resolveAndWrite runs the final resolve pass and writes every output and
// the proxies its JavaScript imports.
func (b *Builder) resolveAndWrite(ctx context.Context, importMap *pkgsource.ImportMap) error {
	byURL := map[string]*FileBuilder{}
	proxied := map[string]bool{}
	for _, fb := range b.resolvable() {
		if _, err := fb.ResolveImports(ctx, ResolveOptions{Final: true, ImportMap: importMap}); err != nil {
			b.errs.Add(fb.Loc, err)
			continue
		}
		for u := range proxyImports(fb) {
			proxied[u] = true
		}
	}

	b.mu.Lock()
	all := make([]*FileBuilder, 0, len(b.builders))
	for _, fb := range b.builders {
		all = append(all, fb)
		for _, u := range fb.URLs {
			byURL[u] = fb
		}
	}
	b.mu.Unlock()

	for _, fb := range all {
		if err := fb.WriteToDisk(b.opts.OutDir); err != nil {
			b.errs.Add(fb.Loc, err)
		}
	}

	for u := range proxied {
		fb, ok := byURL[u]
		if !ok {
			continue
		}
		code, err := fb.Proxy(u, urls.Extension(u))
		if err != nil {
			b.errs.Add(fb.Loc, err)
			continue
		}
		dest := filepath.Join(b.opts.OutDir, filepath.FromSlash(u+resolver.ProxySuffix))
		if err := writeFile(dest, code); err != nil {
			b.errs.Add(fb.Loc, err)
		}
	}
	return b.errs.Err()
}

// proxyImports returns the hosted URLs fb's JavaScript imports through
// proxy modules.
func proxyImports(fb *FileBuilder) map[string]bool {
	out := map[string]bool{}
	code, err := fb.Result(".js")
	if err != nil {
		return out
	}
	dir := path.Dir(fb.urlFor(".js"))
	for _, rec := range scanner.ScanJS(code) {
		if !strings.HasSuffix(rec.Specifier, resolver.ProxySuffix) {
			continue
		}
		if u := importURL(dir, rec.Specifier); u != "" {
			out[strings.TrimSuffix(u, resolver.ProxySuffix)] = true
		}
	}
	return out
}

// writePackages writes every package file the build imports, following
// the imports of each written file.
func (b *Builder) writePackages(ctx context.Context, importMap *pkgsource.ImportMap) error {
	if b.opts.Packages == nil {
		return nil
	}
	prefix := pkgsource.PkgURL(b.opts.Mapper.MetaURLPath, "") + "/"
	queue := make([]string, 0, len(importMap.Imports))
	for _, spec := range importMap.Specifiers() {
		queue = append(queue, importMap.Imports[spec])
	}

	written := map[string]bool{}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		if written[u] || !strings.HasPrefix(u, prefix) {
			continue
		}
		written[u] = true

		res, err := b.opts.Packages.Load(ctx, strings.TrimPrefix(u, prefix))
		if err != nil {
			b.errs.Add(u, err)
			continue
		}
		if err := writeFile(filepath.Join(b.opts.OutDir, filepath.FromSlash(u)), res.Contents); err != nil {
			b.errs.Add(u, err)
			continue
		}
		queue = append(queue, res.Imports...)
		if urls.IsJavaScript(u) {
			for _, rec := range scanner.ScanJS(res.Contents) {
				if strings.HasPrefix(rec.Specifier, ".") {
					queue = append(queue, path.Join(path.Dir(u), rec.Specifier))
				}
			}
		}
	}
	return b.errs.Err()
}

// writeMetaFiles writes the env module production code imports.
func (b *Builder) writeMetaFiles() error {
	gen := b.opts.Services.Proxy
	dest := filepath.Join(b.opts.OutDir, filepath.FromSlash(gen.MetaURL("env.js")))
	return writeFile(dest, gen.GenerateEnvModule(b.opts.Services.Mode, false))
}
