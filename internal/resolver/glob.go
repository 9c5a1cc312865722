package resolver

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ResolveGlob expands an import.meta.glob pattern used by importer into
// "./"-relative specifiers. Patterns must be relative, root-absolute ("/"
// means the project root) or start with a path alias. The importer itself
// is never part of the result.
func (r *Resolver) ResolveGlob(glob, importer string) ([]string, error) {
	dir := filepath.Dir(importer)

	var pattern string
	switch {
	case strings.HasPrefix(glob, "/"):
		pattern = filepath.Join(r.opts.Root, filepath.FromSlash(glob))
	case strings.HasPrefix(glob, "."):
		pattern = filepath.Join(dir, filepath.FromSlash(glob))
	default:
		alias, ok := FindAlias(r.opts.Aliases, glob)
		if !ok || alias.Type != AliasPath {
			return nil, fmt.Errorf("glob imports must be relative (starting with \".\") or absolute (starting with \"/\", relative to the project root): %s", glob)
		}
		pattern = alias.Apply(glob)
	}

	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", glob, err)
	}

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if filepath.Clean(m) == filepath.Clean(importer) {
			continue
		}
		rel, err := filepath.Rel(dir, m)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, ".") {
			rel = "./" + rel
		}
		out = append(out, rel)
	}
	return out, nil
}
