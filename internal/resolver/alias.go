package resolver

import (
	"path/filepath"
	"strings"

	"github.com/conneroisu/snowdrift/internal/urls"
)

// AliasType says what an alias points at.
type AliasType int

const (
	AliasPackage AliasType = iota
	AliasPath
	AliasURL
)

func (t AliasType) String() string {
	switch t {
	case AliasPath:
		return "path"
	case AliasURL:
		return "url"
	default:
		return "package"
	}
}

// AliasEntry maps a bare specifier prefix to another specifier.
type AliasEntry struct {
	From string
	To   string
	Type AliasType
}

// NewAlias classifies an alias target. Targets starting with "./", "../"
// or "/" are paths, made absolute against root; remote URLs are URL
// aliases; anything else is a package name.
func NewAlias(from, to, root string) AliasEntry {
	switch {
	case urls.IsRemoteURL(to):
		return AliasEntry{From: from, To: to, Type: AliasURL}
	case urls.IsPathImport(to) || filepath.IsAbs(to):
		if !filepath.IsAbs(to) {
			to = filepath.Join(root, filepath.FromSlash(to))
		}
		return AliasEntry{From: from, To: to, Type: AliasPath}
	}
	return AliasEntry{From: from, To: to, Type: AliasPackage}
}

// Matches reports whether spec is From itself or lies below "From/".
func (a AliasEntry) Matches(spec string) bool {
	return spec == a.From || strings.HasPrefix(spec, strings.TrimSuffix(a.From, "/")+"/")
}

// Apply substitutes the matched prefix of spec.
func (a AliasEntry) Apply(spec string) string {
	if a.Type == AliasPath {
		rest := strings.TrimPrefix(strings.TrimPrefix(spec, a.From), "/")
		if rest == "" {
			return a.To
		}
		return filepath.Join(a.To, filepath.FromSlash(rest))
	}
	return a.To + strings.TrimPrefix(spec, a.From)
}

// FindAlias returns the alias with the longest From matching spec. Path
// and URL specifiers never match an alias.
func FindAlias(entries []AliasEntry, spec string) (AliasEntry, bool) {
	if urls.IsPathImport(spec) || urls.IsRemoteURL(spec) {
		return AliasEntry{}, false
	}
	var (
		best  AliasEntry
		found bool
	)
	for _, e := range entries {
		if e.Matches(spec) && (!found || len(e.From) > len(best.From)) {
			best, found = e, true
		}
	}
	return best, found
}
