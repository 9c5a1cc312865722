package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/snowdrift/internal/errors"
	"github.com/conneroisu/snowdrift/internal/hmr"
	"github.com/conneroisu/snowdrift/internal/pipeline"
	"github.com/conneroisu/snowdrift/internal/pkgsource"
	"github.com/conneroisu/snowdrift/internal/plugins"
	"github.com/conneroisu/snowdrift/internal/proxy"
	"github.com/conneroisu/snowdrift/internal/resolver"
	"github.com/conneroisu/snowdrift/internal/urls"
)

// countingLoader loads .js files unchanged after a pause, counting calls.
type countingLoader struct {
	calls int32
	delay time.Duration
	fail  int32
}

func (c *countingLoader) Name() string { return "counting" }
func (c *countingLoader) Resolve() plugins.ResolveSpec {
	return plugins.ResolveSpec{Input: []string{".js"}, Output: []string{".js"}}
}

func (c *countingLoader) Load(_ context.Context, opts plugins.LoadOptions) (*plugins.LoadResult, error) {
	atomic.AddInt32(&c.calls, 1)
	time.Sleep(c.delay)
	if atomic.AddInt32(&c.fail, -1) >= 0 {
		return nil, fmt.Errorf("flaky load")
	}
	data, err := os.ReadFile(opts.FilePath)
	if err != nil {
		return nil, err
	}
	return &plugins.LoadResult{Code: data}, nil
}

// componentLoader builds .svelte files into a script and a stylesheet.
type componentLoader struct{}

func (componentLoader) Name() string { return "component" }
func (componentLoader) Resolve() plugins.ResolveSpec {
	return plugins.ResolveSpec{Input: []string{".svelte"}, Output: []string{".js", ".css"}}
}

func (componentLoader) Load(context.Context, plugins.LoadOptions) (*plugins.LoadResult, error) {
	return &plugins.LoadResult{Outputs: map[string]plugins.Output{
		".js":  {Code: []byte("export default {};")},
		".css": {Code: []byte(".w{color:red}")},
	}}, nil
}

type fixture struct {
	root     string
	src      string
	services *Services
	mapper   *urls.Mapper
	loader   *countingLoader
	packages *pkgsource.Local
}

func writeFixture(t *testing.T, root, rel, contents string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
}

func newFixture(t *testing.T, engine *hmr.Engine, files map[string]string) *fixture {
	t.Helper()
	root := t.TempDir()
	for rel, contents := range files {
		writeFixture(t, root, rel, contents)
	}
	src := filepath.Join(root, "src")

	loader := &countingLoader{}
	mapper := &urls.Mapper{
		Mounts: []urls.MountEntry{
			{DiskPath: src, URLPrefix: "/", ResolveImports: true},
			{DiskPath: filepath.Join(root, "public"), URLPrefix: "/", Static: true},
		},
		MetaURLPath: "_snowdrift",
	}
	pipe := pipeline.New(pipeline.Options{Root: root, Mapper: mapper}, loader, componentLoader{})
	mapper.Extensions = pipe.ExtensionMap()

	packages := pkgsource.NewLocal(pkgsource.LocalOptions{Root: root, MetaURLPath: "_snowdrift"})
	services := &Services{
		Pipeline: pipe,
		Resolver: resolver.New(resolver.Options{
			Root:                root,
			Mapper:              mapper,
			Packages:            packages,
			ResolveProxyImports: true,
		}),
		Proxy:   proxy.New(proxy.Options{MetaURLPath: "_snowdrift", Environ: func() []string { return nil }}),
		HMR:     engine,
		Mode:    "development",
		BaseURL: "/",
	}
	return &fixture{root: root, src: src, services: services, mapper: mapper, loader: loader, packages: packages}
}

func (f *fixture) builder(rel string, hmrOn bool) *FileBuilder {
	loc := filepath.Join(f.root, filepath.FromSlash(rel))
	return NewFileBuilder(FileBuilderOptions{
		Loc:   loc,
		URLs:  f.mapper.URLsForFile(loc),
		IsDev: true,
		IsHMR: hmrOn,
	}, f.services)
}

func TestConcurrentBuildsShareOneLoad(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"src/app.js": "export const a = 1;"})
	f.loader.delay = 50 * time.Millisecond
	fb := f.builder("src/app.js", false)

	const callers = 8
	outputs := make([]pipeline.OutputMap, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := fb.Build(context.Background(), false)
			assert.NoError(t, err)
			outputs[i] = out
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.loader.calls))
	for _, out := range outputs[1:] {
		assert.Equal(t, outputs[0][".js"].Code, out[".js"].Code)
	}
	assert.Equal(t, StateBuilt, fb.State())

	_, err := fb.Build(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.loader.calls), "built output is memoized")
}

func TestFailedBuildIsNotMemoized(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"src/app.js": "export const a = 1;"})
	f.loader.fail = 1
	fb := f.builder("src/app.js", false)

	_, err := fb.Build(context.Background(), false)
	require.Error(t, err)
	assert.True(t, errors.IsPipelineError(err))
	assert.Equal(t, StateUnbuilt, fb.State())

	_, err = fb.Result(".js")
	assert.True(t, errors.IsNotFound(err), "nothing is cached after a failure")

	out, err := fb.Build(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "export const a = 1;", string(out[".js"].Code))
}

func TestStaticBuildReadsBytes(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"public/robots.txt": "User-agent: *"})
	fb := f.builder("public/robots.txt", false)

	out, err := fb.Build(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "User-agent: *", string(out[".txt"].Code))
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.loader.calls))
}

func TestResolveImportsRewritesSpecifiers(t *testing.T) {
	f := newFixture(t, nil, map[string]string{
		"src/app.js":                        "import './util';\nimport logo from './logo.svg';\nimport { h } from 'preact';\nimport 'https://cdn.example.com/x.js';",
		"src/util.js":                       "export {};",
		"src/logo.svg":                      "<svg/>",
		"package.json":                      `{"dependencies":{"preact":"^10.0.0"}}`,
		"node_modules/preact/package.json":  `{"name":"preact","version":"10.1.0","module":"dist/preact.module.js"}`,
		"node_modules/preact/dist/preact.module.js": "export const h = 1;",
	})
	fb := f.builder("src/app.js", false)
	ctx := context.Background()
	_, err := fb.Build(ctx, false)
	require.NoError(t, err)

	targets, err := fb.ResolveImports(ctx, ResolveOptions{Final: true})
	require.NoError(t, err)

	code, err := fb.Result(".js")
	require.NoError(t, err)
	assert.Contains(t, string(code), `import './util.js';`)
	assert.Contains(t, string(code), `from './logo.svg.proxy.js';`)
	assert.Contains(t, string(code), `from './_snowdrift/pkg/preact/dist/preact.module.js';`)
	assert.Contains(t, string(code), `import 'https://cdn.example.com/x.js';`)

	var specs []string
	for _, target := range targets {
		specs = append(specs, target.Specifier)
	}
	assert.Contains(t, specs, "/_snowdrift/pkg/preact/dist/preact.module.js")
	assert.Contains(t, specs, "/logo.svg.proxy.js")
}

func TestResolveImportsKeepsBuildOutput(t *testing.T) {
	f := newFixture(t, nil, map[string]string{
		"src/app.js":  "import './util';",
		"src/util.js": "export {};",
	})
	fb := f.builder("src/app.js", false)
	ctx := context.Background()
	_, err := fb.Build(ctx, false)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := fb.ResolveImports(ctx, ResolveOptions{Final: true})
		require.NoError(t, err)
		code, err := fb.Result(".js")
		require.NoError(t, err)
		assert.Equal(t, "import './util.js';", string(code), "every pass starts from the build output")
	}
}

func TestResolveBeforeBuild(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"src/app.js": ""})
	_, err := f.builder("src/app.js", false).ResolveImports(context.Background(), ResolveOptions{})
	require.Error(t, err)
}

func TestResolveImportsFinalFailsOnMissingPackage(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"src/app.js": "import 'missing-pkg';"})
	fb := f.builder("src/app.js", false)
	ctx := context.Background()
	_, err := fb.Build(ctx, false)
	require.NoError(t, err)

	_, err = fb.ResolveImports(ctx, ResolveOptions{Final: true})
	require.Error(t, err)
	assert.True(t, errors.IsResolutionError(err))

	targets, err := fb.ResolveImports(ctx, ResolveOptions{})
	require.NoError(t, err, "collecting passes tolerate unknown packages")
	require.Len(t, targets, 1)
	assert.Equal(t, "missing-pkg", targets[0].Specifier)
}

func TestMultiOutputImportsItsStylesheet(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"src/Widget.svelte": "<div/>"})
	fb := f.builder("src/Widget.svelte", false)
	assert.Equal(t, []string{"/Widget.svelte.js", "/Widget.svelte.css"}, fb.URLs)

	ctx := context.Background()
	_, err := fb.Build(ctx, false)
	require.NoError(t, err)
	_, err = fb.ResolveImports(ctx, ResolveOptions{Final: true})
	require.NoError(t, err)

	code, err := fb.Result(".js")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(code), "import './Widget.svelte.css.proxy.js';\n"), string(code))

	css, err := fb.Result(".css")
	require.NoError(t, err)
	assert.Equal(t, ".w{color:red}", string(css))

	proxyCode, err := fb.Proxy("/Widget.svelte.css", ".css")
	require.NoError(t, err)
	assert.Contains(t, string(proxyCode), ".w{color:red}")
}

func TestResultForUnknownExtension(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"src/app.js": ""})
	fb := f.builder("src/app.js", false)
	_, err := fb.Build(context.Background(), false)
	require.NoError(t, err)

	_, err = fb.Result(".css")
	require.Error(t, err)
	assert.False(t, errors.IsNotFound(err), "an output the file never builds is not a 404")
	assert.Contains(t, err.Error(), errors.ErrCodeUnbuiltOutput)
}

func TestResolveImportsRecordsHMRGraph(t *testing.T) {
	engine := hmr.New(hmr.Options{})
	f := newFixture(t, engine, map[string]string{
		"src/app.js":  "import './util.js';\nimport.meta.hot.accept();",
		"src/util.js": "export {};",
	})
	fb := f.builder("src/app.js", true)
	ctx := context.Background()
	_, err := fb.Build(ctx, false)
	require.NoError(t, err)

	_, err = fb.ResolveImports(ctx, ResolveOptions{Final: true})
	require.NoError(t, err)

	app, ok := engine.GetEntry("/app.js")
	require.True(t, ok)
	assert.True(t, app.IsHMREnabled)
	assert.Contains(t, app.Dependencies, "/util.js")
	assert.Contains(t, app.Dependencies, "/_snowdrift/hmr-client.js")

	engine.MarkForReplacement("/util.js", true)
	_, err = fb.ResolveImports(ctx, ResolveOptions{Final: true, HMRParam: "mtime=42"})
	require.NoError(t, err)
	code, err := fb.Result(".js")
	require.NoError(t, err)
	assert.Contains(t, string(code), `import './util.js?mtime=42';`)

	util, _ := engine.GetEntry("/util.js")
	assert.False(t, util.NeedsReplacement)
	app, _ = engine.GetEntry("/app.js")
	assert.Contains(t, app.Dependencies, "/util.js", "the cache-busting query is not part of the graph")
}

func TestWriteToDisk(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"src/Widget.svelte": "<div/>"})
	fb := f.builder("src/Widget.svelte", false)
	ctx := context.Background()
	_, err := fb.Build(ctx, false)
	require.NoError(t, err)
	_, err = fb.ResolveImports(ctx, ResolveOptions{Final: true})
	require.NoError(t, err)

	out := t.TempDir()
	require.NoError(t, fb.WriteToDisk(out))
	assert.FileExists(t, filepath.Join(out, "Widget.svelte.js"))
	assert.FileExists(t, filepath.Join(out, "Widget.svelte.css"))
}
