package scanner

import "regexp"

var importGlobRegex = regexp.MustCompile("import\\s*\\.\\s*meta\\s*\\.\\s*glob(Eager)?\\s*\\(\\s*(?:'([^']*)'|\"([^\"]*)\"|`([^`]*)`)\\s*\\)")

// ImportGlob is an `import.meta.glob('pattern')` expression. Start and End
// span the whole expression, which is replaced when globs are expanded.
type ImportGlob struct {
	Glob       string
	IsEager    bool
	Start, End int
}

// ScanImportGlobs returns the glob import expressions of a JavaScript
// source, ignoring any inside comments.
func ScanImportGlobs(src []byte) []ImportGlob {
	if !importGlobRegex.Match(src) {
		return nil
	}
	code := blankComments(src)
	var globs []ImportGlob
	for _, m := range importGlobRegex.FindAllSubmatchIndex(code, -1) {
		g := ImportGlob{IsEager: m[2] >= 0, Start: m[0], End: m[1]}
		for i := 2; i <= 4; i++ {
			if m[2*i] >= 0 {
				g.Glob = string(code[m[2*i]:m[2*i+1]])
				break
			}
		}
		globs = append(globs, g)
	}
	return globs
}
