package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/snowdrift/internal/errors"
	"github.com/conneroisu/snowdrift/internal/pkgsource"
	"github.com/conneroisu/snowdrift/internal/urls"
)

type fakePackages struct {
	calls []pkgsource.ResolveOptions
}

func (f *fakePackages) ResolvePackageImport(_ context.Context, spec string, opts pkgsource.ResolveOptions) (string, error) {
	f.calls = append(f.calls, opts)
	if opts.ImportMap != nil {
		if u, ok := opts.ImportMap.Lookup(spec); ok {
			return u, nil
		}
		return "", errors.NewResolutionError(spec, "", pkgsource.ErrNotInImportMap)
	}
	if spec == "missing" {
		return "", errors.NewResolutionError(spec, "", fmt.Errorf("not installed"))
	}
	return "/_snowdrift/pkg/" + spec + ".js", nil
}

type project struct {
	root string
	src  string
}

func newProject(t *testing.T, files ...string) project {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	return project{root: root, src: filepath.Join(root, "src")}
}

func (p project) resolver(packages PackageResolver, aliases ...AliasEntry) *Resolver {
	mapper := &urls.Mapper{
		Mounts: []urls.MountEntry{
			{DiskPath: p.src, URLPrefix: "/"},
			{DiskPath: filepath.Join(p.root, "public"), URLPrefix: "/static", Static: true},
		},
		Extensions: urls.ExtensionMap{
			".ts":     {".js"},
			".tsx":    {".js"},
			".jsx":    {".js"},
			".svelte": {".js", ".css"},
		},
	}
	return New(Options{
		Root:                p.root,
		Mapper:              mapper,
		Aliases:             aliases,
		External:            []string{"fs"},
		Packages:            packages,
		ResolveProxyImports: true,
	})
}

func TestResolveRules(t *testing.T) {
	p := newProject(t,
		"src/app.ts",
		"src/util.ts",
		"src/plain.js",
		"src/comp.jsx",
		"src/view.tsx",
		"src/Widget.svelte",
		"src/lib/index.js",
		"src/shared/helpers.ts",
		"src/logo.svg",
	)
	r := p.resolver(nil,
		NewAlias("@shared", "./src/shared", p.root),
		NewAlias("cdn", "https://cdn.example.com/lib", p.root),
	)
	importer := filepath.Join(p.src, "app.ts")

	tests := []struct {
		name string
		spec string
		want string
		ok   bool
	}{
		{"remote", "https://example.com/x.js", "https://example.com/x.js", true},
		{"protocol relative", "//example.com/x.js", "//example.com/x.js", true},
		{"external", "fs", "fs", true},
		{"absolute", "/already/hosted.js", "/already/hosted.js", true},
		{"literal file", "./plain.js", "/plain.js", true},
		{"ts behind js", "./util.js", "/util.js", true},
		{"tsx behind jsx", "./view.jsx", "/view.js", true},
		{"parent extension", "./util", "/util.js", true},
		{"extension map", "./comp", "/comp.js", true},
		{"multi output", "./Widget", "/Widget.svelte.js", true},
		{"directory index", "./lib", "/lib/index.js", true},
		{"js fallback", "./nothing", "/nothing.js", true},
		{"asset", "./logo.svg", "/logo.svg", true},
		{"path alias", "@shared/helpers", "/shared/helpers.js", true},
		{"url alias", "cdn/a.js", "https://cdn.example.com/lib/a.js", true},
		{"bare", "react", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Resolve(tt.spec, importer)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveOutsideMounts(t *testing.T) {
	p := newProject(t, "src/app.js", "elsewhere/x.js")
	r := p.resolver(nil)
	got, ok := r.Resolve("../elsewhere/x.js", filepath.Join(p.src, "app.js"))
	assert.True(t, ok)
	assert.Equal(t, "../elsewhere/x.js", got)
}

func TestResolveImport(t *testing.T) {
	p := newProject(t, "src/app.js", "src/style.css", "src/data.json")
	packages := &fakePackages{}
	r := p.resolver(packages, NewAlias("preact-compat", "preact/compat", p.root))
	importer := filepath.Join(p.src, "app.js")
	ctx := context.Background()

	t.Run("proxy suffix only on final pass", func(t *testing.T) {
		got, err := r.ResolveImport(ctx, "./style.css", importer, ImportOptions{Final: true})
		require.NoError(t, err)
		assert.Equal(t, "/style.css.proxy.js", got)

		got, err = r.ResolveImport(ctx, "./style.css", importer, ImportOptions{})
		require.NoError(t, err)
		assert.Equal(t, "/style.css", got)
	})

	t.Run("package", func(t *testing.T) {
		got, err := r.ResolveImport(ctx, "react", importer, ImportOptions{Final: true})
		require.NoError(t, err)
		assert.Equal(t, "/_snowdrift/pkg/react.js", got)
	})

	t.Run("package alias", func(t *testing.T) {
		got, err := r.ResolveImport(ctx, "preact-compat", importer, ImportOptions{Final: true})
		require.NoError(t, err)
		assert.Equal(t, "/_snowdrift/pkg/preact/compat.js", got)
	})

	t.Run("collect mode tolerates unmapped packages", func(t *testing.T) {
		got, err := r.ResolveImport(ctx, "vue", importer, ImportOptions{})
		require.NoError(t, err)
		assert.Equal(t, "vue", got)
		require.NotEmpty(t, packages.calls)
		assert.NotNil(t, packages.calls[len(packages.calls)-1].ImportMap)
	})

	t.Run("final mode with import map fails", func(t *testing.T) {
		_, err := r.ResolveImport(ctx, "vue", importer, ImportOptions{Final: true, ImportMap: &pkgsource.ImportMap{}})
		require.Error(t, err)
		assert.True(t, errors.IsResolutionError(err))
	})

	t.Run("final mode propagates package errors", func(t *testing.T) {
		_, err := r.ResolveImport(ctx, "missing", importer, ImportOptions{Final: true})
		require.Error(t, err)
	})

	t.Run("no package source", func(t *testing.T) {
		_, err := p.resolver(nil).ResolveImport(ctx, "react", importer, ImportOptions{Final: true})
		require.Error(t, err)
	})
}

func TestNeedsProxy(t *testing.T) {
	tests := map[string]bool{
		"/a.css":                           true,
		"/a.svg":                           true,
		"/a.js":                            false,
		"/a.mjs":                           false,
		"/dir/noext":                       false,
		"./rel.css":                        false,
		"https://x.com/a.css":              false,
		"/_snowdrift/pkg/react@^18.2.0":    false,
		"/_snowdrift/pkg/bootstrap/b.css":  true,
		"/_snowdrift/pkg/video/clip.mp4":   true,
	}
	for url, want := range tests {
		assert.Equal(t, want, NeedsProxy(url), url)
	}
}

func TestFindAlias(t *testing.T) {
	root := "/proj"
	entries := []AliasEntry{
		NewAlias("@app", "./src", root),
		NewAlias("@app/components", "./src/ui", root),
		NewAlias("react", "preact/compat", root),
		NewAlias("cdn", "https://cdn.example.com", root),
	}

	a, ok := FindAlias(entries, "@app/components/button")
	require.True(t, ok)
	assert.Equal(t, "@app/components", a.From)
	assert.Equal(t, AliasPath, a.Type)
	assert.Equal(t, filepath.Join("/proj/src/ui", "button"), a.Apply("@app/components/button"))

	a, ok = FindAlias(entries, "@app/util")
	require.True(t, ok)
	assert.Equal(t, filepath.Join("/proj/src", "util"), a.Apply("@app/util"))

	a, ok = FindAlias(entries, "react")
	require.True(t, ok)
	assert.Equal(t, AliasPackage, a.Type)
	assert.Equal(t, "preact/compat", a.Apply("react"))

	a, ok = FindAlias(entries, "cdn")
	require.True(t, ok)
	assert.Equal(t, "url", a.Type.String())

	_, ok = FindAlias(entries, "react-dom")
	assert.False(t, ok, "prefix must end at a path segment")
	_, ok = FindAlias(entries, "./react")
	assert.False(t, ok)
}

func TestResolveGlob(t *testing.T) {
	p := newProject(t,
		"src/pages/a.js",
		"src/pages/b.js",
		"src/pages/nested/c.js",
		"src/pages/index.js",
		"src/shared/x.js",
	)
	r := p.resolver(nil, NewAlias("@shared", "./src/shared", p.root))
	importer := filepath.Join(p.src, "pages", "index.js")

	got, err := r.ResolveGlob("./*.js", importer)
	require.NoError(t, err)
	assert.Equal(t, []string{"./a.js", "./b.js"}, got)

	got, err = r.ResolveGlob("./**/*.js", importer)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"./a.js", "./b.js", "./nested/c.js"}, got)

	got, err = r.ResolveGlob("/src/shared/*.js", importer)
	require.NoError(t, err)
	assert.Equal(t, []string{"../shared/x.js"}, got)

	got, err = r.ResolveGlob("@shared/*.js", importer)
	require.NoError(t, err)
	assert.Equal(t, []string{"../shared/x.js"}, got)

	_, err = r.ResolveGlob("pages/*.js", importer)
	assert.Error(t, err)
}
