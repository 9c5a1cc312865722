// Package rewrite splices replacement specifiers into source text by byte
// offset. Edits are applied in one reverse-order pass so earlier offsets
// stay valid and a specifier that is a substring of another is never
// rewritten twice.
package rewrite

import (
	"fmt"
	"sort"

	"github.com/conneroisu/snowdrift/internal/scanner"
)

// Edit replaces src[Start:End] with Replacement.
type Edit struct {
	Start, End  int
	Replacement string
}

// Apply applies edits to src. Edits may be given in any order but must not
// overlap or fall outside src.
func Apply(src []byte, edits []Edit) ([]byte, error) {
	if len(edits) == 0 {
		return src, nil
	}
	sorted := make([]Edit, len(edits))
	copy(sorted, edits)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	size := len(src)
	for i, e := range sorted {
		if e.Start < 0 || e.End > len(src) || e.Start > e.End {
			return nil, fmt.Errorf("edit [%d,%d) out of range for %d bytes", e.Start, e.End, len(src))
		}
		if i > 0 && sorted[i-1].End > e.Start {
			return nil, fmt.Errorf("edit [%d,%d) overlaps [%d,%d)", e.Start, e.End, sorted[i-1].Start, sorted[i-1].End)
		}
		size += len(e.Replacement) - (e.End - e.Start)
	}

	out := make([]byte, size)
	tail := size
	prev := len(src)
	for i := len(sorted) - 1; i >= 0; i-- {
		e := sorted[i]
		n := copy(out[tail-(prev-e.End):tail], src[e.End:prev])
		tail -= n
		tail -= copy(out[tail-len(e.Replacement):tail], e.Replacement)
		prev = e.Start
	}
	copy(out[:tail], src[:prev])
	return out, nil
}

// ReplaceFunc maps an import specifier to its replacement. Returning the
// specifier unchanged leaves it alone.
type ReplaceFunc func(spec string) string

// TransformEsmImports rewrites every import specifier of a JavaScript
// source.
func TransformEsmImports(src []byte, fn ReplaceFunc) ([]byte, error) {
	return transform(src, scanner.ScanJS(src), fn)
}

// TransformCSSImports rewrites every `@import` of a stylesheet.
func TransformCSSImports(src []byte, fn ReplaceFunc) ([]byte, error) {
	return transform(src, scanner.ScanCSS(src), fn)
}

// TransformHTMLImports rewrites the imports of inline module scripts and
// style blocks. External script src attributes are left alone.
func TransformHTMLImports(src []byte, fn ReplaceFunc) ([]byte, error) {
	return transform(src, scanner.ScanHTML(src, ".html"), fn)
}

// TransformFileImports dispatches on the output type: ".js", ".html" or
// ".css".
func TransformFileImports(ext string, src []byte, fn ReplaceFunc) ([]byte, error) {
	switch ext {
	case ".js":
		return TransformEsmImports(src, fn)
	case ".html":
		return TransformHTMLImports(src, fn)
	case ".css":
		return TransformCSSImports(src, fn)
	}
	return nil, fmt.Errorf("cannot rewrite imports of %q files", ext)
}

func transform(src []byte, records []scanner.ImportRecord, fn ReplaceFunc) ([]byte, error) {
	edits := make([]Edit, 0, len(records))
	for _, rec := range records {
		replacement := fn(rec.Specifier)
		if replacement == rec.Specifier {
			continue
		}
		edits = append(edits, Edit{Start: rec.Start, End: rec.End, Replacement: replacement})
	}
	return Apply(src, edits)
}
