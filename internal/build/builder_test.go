package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var productionProject = map[string]string{
	"package.json":    `{"dependencies":{"preact":"^10.0.0"}}`,
	"src/index.html":  `<html><head></head><body><script type="module" src="/app.js"></script></body></html>`,
	"src/app.js":      "import logo from './logo.svg';\nimport { h } from 'preact';\nconsole.log(logo, h, import.meta.env.MODE);",
	"src/logo.svg":    "<svg/>",
	"src/app.test.js": "import 'not-installed';",
	"src/.secret.js":  "export const token = 1;",
	"public/robots.txt":                         "User-agent: *",
	"node_modules/preact/package.json":          `{"name":"preact","version":"10.1.0","module":"dist/preact.module.js"}`,
	"node_modules/preact/dist/preact.module.js": "import './hooks.js';\nexport const h = 1;",
	"node_modules/preact/dist/hooks.js":         "export const useState = 1;",
}

func newProductionBuilder(t *testing.T, f *fixture) (*Builder, string) {
	t.Helper()
	f.services.Mode = "production"
	out := filepath.Join(f.root, "build")
	return NewBuilder(BuilderOptions{
		Root:     f.root,
		Mapper:   f.mapper,
		Exclude:  []string{"**/*.test.js"},
		OutDir:   out,
		Clean:    true,
		Workers:  2,
		Services: f.services,
		Packages: f.packages,
	}), out
}

func TestBuilderRun(t *testing.T) {
	f := newFixture(t, nil, productionProject)
	b, out := newProductionBuilder(t, f)
	writeFixture(t, out, "stale.js", "left over")

	require.NoError(t, b.Run(context.Background()))

	for _, rel := range []string{
		"index.html",
		"app.js",
		"logo.svg",
		"logo.svg.proxy.js",
		"robots.txt",
		"_snowdrift/pkg/preact/dist/preact.module.js",
		"_snowdrift/pkg/preact/dist/hooks.js",
		"_snowdrift/env.js",
	} {
		assert.FileExists(t, filepath.Join(out, filepath.FromSlash(rel)))
	}
	assert.NoFileExists(t, filepath.Join(out, "app.test.js"), "excluded files are not built")
	assert.NoFileExists(t, filepath.Join(out, ".secret.js"), "dotfiles are skipped by default")
	assert.NoFileExists(t, filepath.Join(out, "stale.js"), "the output directory is cleaned first")

	app, err := os.ReadFile(filepath.Join(out, "app.js"))
	require.NoError(t, err)
	assert.Contains(t, string(app), `from './logo.svg.proxy.js';`)
	assert.Contains(t, string(app), `from './_snowdrift/pkg/preact/dist/preact.module.js';`)
	assert.Contains(t, string(app), `from './_snowdrift/env.js';`)

	env, err := os.ReadFile(filepath.Join(out, "_snowdrift", "env.js"))
	require.NoError(t, err)
	assert.Contains(t, string(env), `"production"`)

	snap := b.Metrics().GetSnapshot()
	assert.Equal(t, int64(4), snap.TotalBuilds)
	assert.Equal(t, int64(1), snap.StaticFiles)
	assert.Equal(t, float64(100), b.Metrics().GetSuccessRate())
}

func TestBuilderRunFailsOnBuildError(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"src/app.js": "export {};"})
	f.loader.fail = 1
	b, out := newProductionBuilder(t, f)

	err := b.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flaky load")
	assert.NoFileExists(t, filepath.Join(out, "app.js"))
	assert.Equal(t, int64(1), b.Metrics().GetSnapshot().FailedBuilds)
}

func TestBuilderRunFailsOnMissingPackage(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"src/app.js": "import 'not-installed';"})
	b, _ := newProductionBuilder(t, f)
	require.Error(t, b.Run(context.Background()))
}

func TestBuilderRefusesToCleanRoot(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"src/app.js": ""})
	b := NewBuilder(BuilderOptions{
		Root:     f.root,
		Mapper:   f.mapper,
		OutDir:   f.root,
		Clean:    true,
		Services: f.services,
	})
	require.Error(t, b.Run(context.Background()))
	assert.FileExists(t, filepath.Join(f.root, "src", "app.js"))
}
