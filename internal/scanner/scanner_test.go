package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func specifiers(records []ImportRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Specifier
	}
	return out
}

func assertSpans(t *testing.T, src []byte, records []ImportRecord) {
	t.Helper()
	for _, r := range records {
		assert.Equal(t, r.Specifier, string(src[r.Start:r.End]), "span of %q", r.Specifier)
		assert.LessOrEqual(t, r.StatementStart, r.Start)
		assert.GreaterOrEqual(t, r.StatementEnd, r.End)
	}
}

func TestScanJS(t *testing.T) {
	src := []byte(`import React, { useState as useS, useEffect } from 'react';
import * as path from "./path.js";
import './side-effect.css';
import type { Props } from './types';
export { helper } from '../lib/helper.js';
export * from 'lodash-es';

const name = 'dynamic';
const lazy = () => import('./lazy.js');
const computed = import(name);
const tpl = import(` + "`./tpl.js`" + `);
const sub = import(` + "`./${name}.js`" + `);
console.log(import.meta.url);
`)

	records := ScanJS(src)
	require.Equal(t, []string{
		"react", "./path.js", "./side-effect.css", "./types",
		"../lib/helper.js", "lodash-es", "./lazy.js", "./tpl.js",
	}, specifiers(records))
	assertSpans(t, src, records)

	react := records[0]
	assert.Equal(t, BindingNamespace, records[1].Binding)
	assert.True(t, react.Default)
	assert.Equal(t, []string{"useState", "useEffect"}, react.Named)
	assert.Equal(t, BindingDefault, react.Binding)

	assert.Equal(t, BindingSideEffect, records[2].Binding)
	assert.True(t, records[3].TypeOnly)
	assert.Equal(t, []string{"helper"}, records[4].Named)
	assert.True(t, records[5].Namespace)

	assert.True(t, records[6].IsDynamic)
	assert.Equal(t, BindingDynamic, records[6].Binding)
}

func TestScanJSWithJSX(t *testing.T) {
	src := []byte(`import { h } from 'preact';
export const App = () => <div class="app">{import.meta.env.MODE}</div>;
`)
	records := ScanJS(src)
	assert.Equal(t, []string{"preact"}, specifiers(records))
}

func TestScanJSFallsBackOnParseErrors(t *testing.T) {
	src := []byte(`import a from 'a';
// import commented from 'commented';
/* import blocked from 'blocked'; */
@@@ this is not javascript {{{
import { b } from "./b.js";
const c = import('./c.js');
`)
	records := ScanJS(src)
	assert.Equal(t, []string{"a", "./b.js", "./c.js"}, specifiers(records))
	assertSpans(t, src, records)
	assert.Equal(t, []string{"b"}, records[1].Named)
	assert.True(t, records[2].IsDynamic)
}

func TestBlankCommentsKeepsOffsets(t *testing.T) {
	src := []byte("a // x\nb /* y\nz */ c 'http://s' \"//t\"")
	out := blankComments(src)
	require.Len(t, out, len(src))
	assert.Equal(t, "a     \nb     \n     c 'http://s' \"//t\"", string(out))
}

func TestScanCSS(t *testing.T) {
	src := []byte(`@import 'normalize.css';
@import "./theme.css";
.a { color: red }`)
	records := ScanCSS(src)
	assert.Equal(t, []string{"normalize.css", "./theme.css"}, specifiers(records))
	assertSpans(t, src, records)
	assert.Equal(t, BindingStylesheet, records[0].Binding)
}

func TestScanHTML(t *testing.T) {
	src := []byte(`<!doctype html>
<html><head>
<style>@import './base.css';</style>
<script src="/legacy.js"></script>
<script>import ignored from 'classic';</script>
<script type="module">import { render } from './render.js';</script>
</head><body></body></html>`)

	records := ScanHTML(src, ".html")
	assert.Equal(t, []string{"./base.css", "./render.js"}, specifiers(records))
	assertSpans(t, src, records)

	blocks := HTMLBlocks(src, false)
	require.Len(t, blocks, 2)
	assert.Equal(t, BlockStyle, blocks[0].Kind)
	assert.Equal(t, "@import './base.css';", string(src[blocks[0].Start:blocks[0].End]))
}

func TestScanHTMLComponentFormats(t *testing.T) {
	src := []byte(`<script>
  import Button from './Button.svelte';
</script>
<div>hi</div>`)
	records := ScanFile(".svelte", src)
	assert.Equal(t, []string{"./Button.svelte"}, specifiers(records))
	assertSpans(t, src, records)

	assert.Empty(t, ScanFile(".html", src))
}

func TestScanFileUnknownExtension(t *testing.T) {
	assert.Nil(t, ScanFile(".png", []byte("import x from 'y'")))
	assert.True(t, IsScannable(".TSX"))
	assert.False(t, IsScannable(".md"))
}

func TestScanImportGlobs(t *testing.T) {
	src := []byte(`const pages = import.meta.glob('./pages/*.js');
// const skipped = import.meta.glob('./nope/*.js');
const eager = import.meta.globEager("./data/*.json");
`)
	globs := ScanImportGlobs(src)
	require.Len(t, globs, 2)

	assert.Equal(t, "./pages/*.js", globs[0].Glob)
	assert.False(t, globs[0].IsEager)
	assert.Equal(t, "import.meta.glob('./pages/*.js')", string(src[globs[0].Start:globs[0].End]))

	assert.Equal(t, "./data/*.json", globs[1].Glob)
	assert.True(t, globs[1].IsEager)

	assert.Nil(t, ScanImportGlobs([]byte("import x from 'y'")))
}

func TestInstallTargets(t *testing.T) {
	src := []byte(`import React from 'react';
import * as d3 from 'd3';
import { a, b as c } from '@scope/pkg';
import 'side-effect';
import type { T } from 'types-only';
import macro from 'preval.macro';
import local from './local.js';
import remote from 'https://cdn.example.com/x.js';
const lazy = import('lazy-pkg');
`)
	targets := InstallTargets(ScanJS(src))

	require.Len(t, targets, 5)
	assert.Equal(t, InstallTarget{Specifier: "@scope/pkg", Named: []string{"a", "b"}}, targets[0])
	assert.Equal(t, InstallTarget{Specifier: "d3", Namespace: true, Named: []string{}}, targets[1])
	assert.Equal(t, InstallTarget{Specifier: "lazy-pkg", All: true, Named: []string{}}, targets[2])
	assert.Equal(t, InstallTarget{Specifier: "react", Default: true, Named: []string{}}, targets[3])
	assert.Equal(t, InstallTarget{Specifier: "side-effect", All: true, Named: []string{}}, targets[4])
}

func TestIsBareSpecifier(t *testing.T) {
	tests := []struct {
		spec string
		bare bool
	}{
		{"react", true},
		{"@scope/pkg/sub", true},
		{"./local", false},
		{"/abs.js", false},
		{"https://cdn.example.com/x.js", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.bare, IsBareSpecifier(tt.spec), tt.spec)
	}
}
