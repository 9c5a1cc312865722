// Package scanner extracts import specifiers from JavaScript, TypeScript,
// CSS and HTML-like sources without executing them.
//
// JavaScript is parsed with tree-sitter's TSX grammar. Sources the grammar
// rejects are scanned again with a regular expression pass over the import
// lines only, trading precision for never failing. HTML-like files are
// split into their inline script and style blocks first.
package scanner

import (
	"regexp"
	"sort"
	"strings"
)

// BindingKind describes how an import statement binds the module.
type BindingKind int

const (
	// BindingSideEffect is `import 'x'`.
	BindingSideEffect BindingKind = iota
	BindingDefault
	BindingNamespace
	BindingNamed
	// BindingDynamic is `import('x')`.
	BindingDynamic
	// BindingStylesheet is a CSS `@import`.
	BindingStylesheet
)

func (k BindingKind) String() string {
	switch k {
	case BindingSideEffect:
		return "side-effect"
	case BindingDefault:
		return "default"
	case BindingNamespace:
		return "namespace"
	case BindingNamed:
		return "named"
	case BindingDynamic:
		return "dynamic"
	case BindingStylesheet:
		return "stylesheet"
	}
	return "unknown"
}

// ImportRecord is one import found in a source file. Start and End delimit
// the specifier text inside its quotes; rewriting replaces exactly that span.
type ImportRecord struct {
	Specifier      string
	IsDynamic      bool
	Start, End     int
	StatementStart int
	StatementEnd   int

	Binding   BindingKind
	Default   bool
	Namespace bool
	Named     []string
	TypeOnly  bool
}

// InstallTarget describes how a bare package specifier is consumed.
type InstallTarget struct {
	Specifier string   `json:"specifier"`
	All       bool     `json:"all"`
	Default   bool     `json:"default"`
	Namespace bool     `json:"namespace"`
	Named     []string `json:"named"`
}

// NewInstallTarget returns a target that needs every export of spec.
func NewInstallTarget(spec string, all bool) InstallTarget {
	return InstallTarget{Specifier: spec, All: all, Named: []string{}}
}

// ScanFile scans src according to its file extension. Unknown extensions
// yield no imports.
func ScanFile(ext string, src []byte) []ImportRecord {
	switch strings.ToLower(ext) {
	case ".css", ".less", ".sass", ".scss":
		return ScanCSS(src)
	case ".html", ".svelte", ".vue", ".interface":
		return ScanHTML(src, ext)
	case ".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx":
		return ScanJS(src)
	}
	return nil
}

// IsScannable reports whether ScanFile understands ext.
func IsScannable(ext string) bool {
	switch strings.ToLower(ext) {
	case ".css", ".less", ".sass", ".scss", ".html", ".svelte", ".vue",
		".interface", ".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx":
		return true
	}
	return false
}

var (
	bareSpecifierRegex = regexp.MustCompile(`^[@\w]`)
	babelMacroRegex    = regexp.MustCompile(`[./]macro(\.js)?$`)
)

// IsBareSpecifier reports whether spec names a package rather than a path
// or URL.
func IsBareSpecifier(spec string) bool {
	return bareSpecifierRegex.MatchString(spec) && !strings.Contains(spec, "://")
}

// InstallTargets reduces import records to the bare packages they consume,
// sorted by specifier. Type-only imports and babel macros are skipped.
func InstallTargets(records []ImportRecord) []InstallTarget {
	targets := make([]InstallTarget, 0, len(records))
	for _, rec := range records {
		if rec.TypeOnly || !IsBareSpecifier(rec.Specifier) || babelMacroRegex.MatchString(rec.Specifier) {
			continue
		}
		named := rec.Named
		if named == nil {
			named = []string{}
		}
		targets = append(targets, InstallTarget{
			Specifier: rec.Specifier,
			All:       rec.IsDynamic || rec.Binding == BindingStylesheet || (!rec.Default && !rec.Namespace && len(rec.Named) == 0),
			Default:   rec.Default,
			Namespace: rec.Namespace,
			Named:     named,
		})
	}
	sort.SliceStable(targets, func(i, j int) bool { return targets[i].Specifier < targets[j].Specifier })
	return targets
}

func classify(rec *ImportRecord) {
	switch {
	case rec.IsDynamic:
		rec.Binding = BindingDynamic
	case rec.Namespace:
		rec.Binding = BindingNamespace
	case rec.Default:
		rec.Binding = BindingDefault
	case len(rec.Named) > 0:
		rec.Binding = BindingNamed
	default:
		rec.Binding = BindingSideEffect
	}
}

func shift(records []ImportRecord, by int) []ImportRecord {
	for i := range records {
		records[i].Start += by
		records[i].End += by
		records[i].StatementStart += by
		records[i].StatementEnd += by
	}
	return records
}
