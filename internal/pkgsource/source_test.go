package pkgsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/snowdrift/internal/errors"
)

func writeFile(t *testing.T, root, rel, contents string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
}

func TestParseSpecifier(t *testing.T) {
	tests := []struct {
		spec, name, sub string
	}{
		{"react", "react", ""},
		{"react-dom/client", "react-dom", "client"},
		{"@scope/pkg", "@scope/pkg", ""},
		{"@scope/pkg/a/b.js", "@scope/pkg", "a/b.js"},
	}
	for _, tt := range tests {
		name, sub := ParseSpecifier(tt.spec)
		assert.Equal(t, tt.name, name, tt.spec)
		assert.Equal(t, tt.sub, sub, tt.spec)
	}
}

func TestImportMapLookup(t *testing.T) {
	m := &ImportMap{Imports: map[string]string{
		"react":   "/pkg/react.js",
		"lodash/": "/pkg/lodash/",
	}}
	u, ok := m.Lookup("react")
	require.True(t, ok)
	assert.Equal(t, "/pkg/react.js", u)

	u, ok = m.Lookup("lodash/get.js")
	require.True(t, ok)
	assert.Equal(t, "/pkg/lodash/get.js", u)

	_, ok = m.Lookup("vue")
	assert.False(t, ok)
	assert.Equal(t, []string{"lodash/", "react"}, m.Specifiers())
}

func newLocalProject(t *testing.T) string {
	root := t.TempDir()
	writeFile(t, root, "package.json", `{"dependencies":{"preact":"^10.0.0","old":"^2.0.0"}}`)
	writeFile(t, root, "node_modules/preact/package.json", `{"name":"preact","version":"10.19.0","module":"dist/preact.module.js","main":"dist/preact.js"}`)
	writeFile(t, root, "node_modules/preact/dist/preact.module.js", `import "./util.js"; import { x } from "old"; export const h = x;`)
	writeFile(t, root, "node_modules/preact/hooks/index.js", `export {}`)
	writeFile(t, root, "node_modules/old/package.json", `{"name":"old","version":"1.0.0","exports":{".":{"import":"./esm/index.js","require":"./cjs/index.js"}}}`)
	writeFile(t, root, "node_modules/@scope/ui/package.json", `{"name":"@scope/ui","version":"1.0.0","browser":"browser.js","main":"main.js"}`)
	return root
}

func TestLocalResolvePackageImport(t *testing.T) {
	root := newLocalProject(t)
	l := NewLocal(LocalOptions{Root: root, MetaURLPath: "_snowdrift"})
	ctx := context.Background()
	require.NoError(t, l.Prepare(ctx))

	tests := []struct {
		spec string
		want string
	}{
		{"preact", "/_snowdrift/pkg/preact/dist/preact.module.js"},
		{"preact/hooks", "/_snowdrift/pkg/preact/hooks/index.js"},
		{"preact/compat", "/_snowdrift/pkg/preact/compat.js"},
		{"old", "/_snowdrift/pkg/old/esm/index.js"},
		{"@scope/ui", "/_snowdrift/pkg/@scope/ui/browser.js"},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := l.ResolvePackageImport(ctx, tt.spec, ResolveOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := l.ResolvePackageImport(ctx, "missing", ResolveOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsResolutionError(err))
}

func TestResolveWithImportMap(t *testing.T) {
	l := NewLocal(LocalOptions{Root: t.TempDir(), MetaURLPath: "_snowdrift"})
	im := &ImportMap{Imports: map[string]string{"react": "/web_modules/react.js"}}

	u, err := l.ResolvePackageImport(context.Background(), "react", ResolveOptions{ImportMap: im})
	require.NoError(t, err)
	assert.Equal(t, "/web_modules/react.js", u)

	_, err = l.ResolvePackageImport(context.Background(), "vue", ResolveOptions{ImportMap: &ImportMap{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotInImportMap)
}

func TestLocalLoad(t *testing.T) {
	root := newLocalProject(t)
	l := NewLocal(LocalOptions{Root: root, MetaURLPath: "_snowdrift"})
	ctx := context.Background()
	require.NoError(t, l.Prepare(ctx))

	res, err := l.Load(ctx, "preact/dist/preact.module.js")
	require.NoError(t, err)
	assert.Contains(t, string(res.Contents), `import "./util.js";`)
	assert.Contains(t, string(res.Contents), `from "/_snowdrift/pkg/old/esm/index.js"`)
	assert.Equal(t, []string{"/_snowdrift/pkg/old/esm/index.js"}, res.Imports)
	assert.True(t, strings.HasPrefix(res.ContentType, "application/javascript"))

	_, err = l.Load(ctx, "preact/../../../etc/passwd")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestRemote(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		switch r.URL.Path {
		case "/react@^18.2.0":
			w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
			_, _ = w.Write([]byte(`export * from "/stable/react@18.2.0/es2022/react.mjs";`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	root := t.TempDir()
	writeFile(t, root, "package.json", `{"dependencies":{"react":"^18.2.0"}}`)

	r, err := NewRemote(RemoteOptions{Root: root, MetaURLPath: "_snowdrift", Origin: srv.URL, Client: srv.Client()})
	require.NoError(t, err)
	defer r.Close()
	ctx := context.Background()
	require.NoError(t, r.Prepare(ctx))

	u, err := r.ResolvePackageImport(ctx, "react", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/_snowdrift/pkg/react@^18.2.0", u)

	u, err = r.ResolvePackageImport(ctx, "vue/dist/x.js", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/_snowdrift/pkg/vue/dist/x.js", u)

	res, err := r.Load(ctx, "react@^18.2.0")
	require.NoError(t, err)
	assert.Equal(t, `export * from "/_snowdrift/pkg/stable/react@18.2.0/es2022/react.mjs";`, string(res.Contents))

	_, err = r.Load(ctx, "react@^18.2.0")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "second load is served from cache")

	_, err = r.Load(ctx, "nope")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
