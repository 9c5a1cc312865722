// Package urls maps files on disk to the URLs they are served under.
//
// A file is matched against the configured mount entries in order; the
// first entry whose directory contains the file decides the URL prefix.
// Build-managed mounts then consult the extension map to work out which
// output files (and therefore which URLs) a single source file produces.
package urls

import (
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// MountEntry maps a directory on disk to a URL prefix.
type MountEntry struct {
	DiskPath        string
	URLPrefix       string
	Static          bool
	ResolveImports  bool
	IncludeDotfiles bool
}

// ExtensionMap maps a (possibly multi-dot) input extension to the output
// extensions a build produces for it, e.g. ".svelte" -> [".js", ".css"].
type ExtensionMap map[string][]string

// Mapper turns disk paths into hosted URLs.
type Mapper struct {
	Mounts        []MountEntry
	Extensions    ExtensionMap
	WorkspaceRoot string
	MetaURLPath   string
}

var slashRun = regexp.MustCompile(`[/\\]+`)

// MountEntryForFile returns the first mount entry containing fileLoc.
func (m *Mapper) MountEntryForFile(fileLoc string) (MountEntry, bool) {
	for _, entry := range m.Mounts {
		if strings.HasPrefix(fileLoc, entry.DiskPath+string(filepath.Separator)) {
			return entry, true
		}
	}
	return MountEntry{}, false
}

// URLsForFile returns every URL fileLoc is served under, primary URL first.
// A nil result means the file is not hosted at all.
func (m *Mapper) URLsForFile(fileLoc string) []string {
	entry, ok := m.MountEntryForFile(fileLoc)
	if !ok {
		if m.WorkspaceRoot == "" {
			return nil
		}
		built := m.BuiltFileURLs(fileLoc)
		out := make([]string, 0, len(built))
		for _, u := range built {
			rel, err := filepath.Rel(m.WorkspaceRoot, u)
			if err != nil {
				return nil
			}
			out = append(out, path.Join("/", m.MetaURLPath, "link", filepath.ToSlash(rel)))
		}
		return out
	}
	return m.urlsForFileMount(fileLoc, entry)
}

func (m *Mapper) urlsForFileMount(fileLoc string, entry MountEntry) []string {
	dirURL := entry.URLPrefix
	if dirURL == "/" {
		dirURL = ""
	}
	mounted := dirURL + strings.TrimPrefix(fileLoc, entry.DiskPath)
	mounted = slashRun.ReplaceAllString(mounted, "/")
	if entry.Static {
		return []string{mounted}
	}
	return m.BuiltFileURLs(mounted)
}

// BuiltFileURLs returns the output URLs of a build-managed file.
func (m *Mapper) BuiltFileURLs(filePath string) []string {
	inputExt, outputExts, ok := ExtensionMatch(filePath, m.Extensions)
	if !ok {
		if NeedsCSSModules(filePath) {
			return []string{filePath, filePath + ".json"}
		}
		return []string{filePath}
	}
	out := make([]string, len(outputExts))
	for i, outputExt := range outputExts {
		if len(outputExts) > 1 {
			out[i] = AddExtension(filePath, outputExt)
		} else {
			out[i] = ReplaceExtension(filePath, inputExt, outputExt)
		}
	}
	return out
}

// ExtensionMatch finds the most specific extension of fileName present in
// the map: ".module.scss" is tried before ".scss".
func ExtensionMatch(fileName string, extensions ExtensionMap) (string, []string, bool) {
	start := strings.LastIndexAny(fileName, `/\`)
	if start < 0 {
		start = 0
	}
	base := fileName[start:]
	for i := 0; i < len(base); i++ {
		if base[i] != '.' {
			continue
		}
		partial := strings.ToLower(base[i:])
		if outputs, ok := extensions[partial]; ok {
			return partial, outputs, true
		}
	}
	return "", nil, false
}

// NeedsCSSModules reports whether the file uses CSS Modules scoping.
func NeedsCSSModules(filePath string) bool {
	return HasExtension(filePath, ".module.css")
}

// Extension returns the lower-cased final extension of p.
func Extension(p string) string {
	return strings.ToLower(filepath.Ext(p))
}

// HasExtension reports whether p ends with ext, ignoring case.
func HasExtension(p, ext string) bool {
	return len(p) >= len(ext) && strings.EqualFold(p[len(p)-len(ext):], ext)
}

// ReplaceExtension swaps a trailing oldExt for newExt.
func ReplaceExtension(p, oldExt, newExt string) string {
	if !HasExtension(p, oldExt) {
		return p
	}
	return p[:len(p)-len(oldExt)] + newExt
}

// AddExtension appends newExt.
func AddExtension(p, newExt string) string {
	return p + newExt
}

// RemoveExtension strips a trailing oldExt.
func RemoveExtension(p, oldExt string) string {
	return ReplaceExtension(p, oldExt, "")
}

// IsRemoteURL reports whether spec points at another origin.
func IsRemoteURL(spec string) bool {
	if strings.HasPrefix(spec, "//") {
		return true
	}
	u, err := url.Parse(spec)
	return err == nil && strings.HasPrefix(u.Scheme, "http")
}

// IsPathImport reports whether spec is relative or root-absolute.
func IsPathImport(spec string) bool {
	return strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/")
}

// IsJavaScript reports whether the path names a JavaScript file.
func IsJavaScript(p string) bool {
	switch Extension(p) {
	case ".js", ".mjs", ".cjs":
		return true
	}
	return false
}

// RelativeURL returns the "./"-prefixed URL of to as seen from directory from.
func RelativeURL(from, to string) string {
	fromParts := splitURL(from)
	toParts := splitURL(to)
	i := 0
	for i < len(fromParts) && i < len(toParts) && fromParts[i] == toParts[i] {
		i++
	}
	var b strings.Builder
	for j := i; j < len(fromParts); j++ {
		b.WriteString("../")
	}
	b.WriteString(strings.Join(toParts[i:], "/"))
	rel := strings.TrimSuffix(b.String(), "/")
	if !strings.HasPrefix(rel, "./") && !strings.HasPrefix(rel, "../") {
		rel = "./" + rel
	}
	return rel
}

func splitURL(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// MetaURL returns the URL of a file under the internal meta prefix.
func MetaURL(metaURLPath, name string) string {
	return path.Clean(path.Join("/", metaURLPath, name))
}

// Mode names used in build cache keys.
const (
	ModeDev  = "dev"
	ModeProd = "prod"
	ModeTest = "test"
)

// CacheKey identifies one build of fileLoc. It is stable for the process.
func CacheKey(fileLoc, mode string, isSSR bool) string {
	ssr := "0"
	if isSSR {
		ssr = "1"
	}
	return fileLoc + "?mode=" + mode + "&isSSR=" + ssr
}
