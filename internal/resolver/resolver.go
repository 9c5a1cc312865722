// Package resolver turns import specifiers found in built files into the
// URLs the browser should request.
//
// Specifiers are tried against these rules in order; the first that
// applies wins:
//
//  1. remote URLs are kept
//  2. externalized packages are kept
//  3. root-absolute URLs are kept
//  4. relative paths are resolved on disk, with extension inference, and
//     mapped to their hosted URL
//  5. aliases are substituted (path, URL or package aliases)
//  6. bare package specifiers go to the package source
package resolver

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/conneroisu/snowdrift/internal/errors"
	"github.com/conneroisu/snowdrift/internal/pkgsource"
	"github.com/conneroisu/snowdrift/internal/urls"
)

// fileExtRegex rejects version-like suffixes such as the ".0" of
// "react@18.2.0".
var fileExtRegex = regexp.MustCompile(`^\.[a-zA-Z][a-zA-Z0-9]*$`)

// ProxySuffix marks the JavaScript wrapper of a non-JS asset.
const ProxySuffix = ".proxy.js"

// PackageResolver is the part of a package source the resolver needs.
type PackageResolver interface {
	ResolvePackageImport(ctx context.Context, spec string, opts pkgsource.ResolveOptions) (string, error)
}

// Options configures a Resolver.
type Options struct {
	Root     string
	Mapper   *urls.Mapper
	Aliases  []AliasEntry
	External []string
	Packages PackageResolver
	// ResolveProxyImports appends ProxySuffix to final imports of non-JS
	// files.
	ResolveProxyImports bool
	// Stat defaults to os.Stat.
	Stat func(string) (fs.FileInfo, error)
}

// Resolver resolves specifiers for any importing file. It is safe for
// concurrent use.
type Resolver struct {
	opts     Options
	external map[string]bool
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	if opts.Stat == nil {
		opts.Stat = os.Stat
	}
	external := make(map[string]bool, len(opts.External))
	for _, e := range opts.External {
		external[e] = true
	}
	return &Resolver{opts: opts, external: external}
}

// Resolve applies rules 1 to 5 to spec imported by the file at importer.
// It returns false for bare specifiers left to the package source.
func (r *Resolver) Resolve(spec, importer string) (string, bool) {
	switch {
	case urls.IsRemoteURL(spec):
		return spec, true
	case r.external[spec]:
		return spec, true
	case strings.HasPrefix(spec, "/"):
		return spec, true
	case strings.HasPrefix(spec, "."):
		target := filepath.Join(filepath.Dir(importer), filepath.FromSlash(spec))
		if u := r.ResolveSourcePath(target, importer); u != "" {
			return u, true
		}
		return spec, true
	}

	alias, ok := FindAlias(r.opts.Aliases, spec)
	if !ok {
		return "", false
	}
	substituted := alias.Apply(spec)
	switch alias.Type {
	case AliasURL:
		return substituted, true
	case AliasPath:
		target := substituted
		if !filepath.IsAbs(target) {
			target = filepath.Join(r.opts.Root, filepath.FromSlash(target))
		}
		if u := r.ResolveSourcePath(target, importer); u != "" {
			return u, true
		}
		return spec, true
	}
	return "", false
}

// ImportOptions controls ResolveImport.
type ImportOptions struct {
	// Final marks the resolve pass whose output is served or written. Only
	// final passes must resolve packages and get proxy suffixes; other
	// passes tolerate imports missing from the import map.
	Final     bool
	ImportMap *pkgsource.ImportMap
	// NoProxy keeps non-JS URLs as they are, for imports made from CSS
	// and HTML.
	NoProxy bool
}

// ResolveImport resolves spec completely, including rule 6 and the proxy
// suffix policy.
func (r *Resolver) ResolveImport(ctx context.Context, spec, importer string, opts ImportOptions) (string, error) {
	resolved, ok := r.Resolve(spec, importer)
	if !ok {
		pkgSpec := spec
		if alias, found := FindAlias(r.opts.Aliases, spec); found && alias.Type == AliasPackage {
			pkgSpec = alias.Apply(spec)
		}
		u, tolerated, err := r.resolvePackage(ctx, pkgSpec, opts)
		if err != nil {
			return "", err
		}
		if tolerated {
			return spec, nil
		}
		resolved = u
	}

	if opts.Final && !opts.NoProxy && r.opts.ResolveProxyImports && NeedsProxy(resolved) {
		resolved += ProxySuffix
	}
	return resolved, nil
}

// resolvePackage applies rule 6. Outside the final pass a specifier missing
// from the import map is tolerated and reported as such.
func (r *Resolver) resolvePackage(ctx context.Context, spec string, opts ImportOptions) (string, bool, error) {
	if r.opts.Packages == nil {
		return "", false, errors.NewResolutionError(spec, "", stderrors.New("no package source configured"))
	}
	importMap := opts.ImportMap
	if importMap == nil && !opts.Final {
		importMap = &pkgsource.ImportMap{}
	}
	u, err := r.opts.Packages.ResolvePackageImport(ctx, spec, pkgsource.ResolveOptions{ImportMap: importMap})
	if err != nil {
		if !opts.Final && stderrors.Is(err, pkgsource.ErrNotInImportMap) {
			return "", true, nil
		}
		return "", false, err
	}
	return u, false, nil
}

// NeedsProxy reports whether a resolved URL names a non-JS file that must be
// imported through its proxy module.
func NeedsProxy(resolved string) bool {
	if !strings.HasPrefix(resolved, "/") || strings.HasPrefix(resolved, "//") {
		return false
	}
	ext := path.Ext(resolved)
	return fileExtRegex.MatchString(ext) && ext != ".js" && ext != ".mjs"
}

// ResolveSourcePath infers the source file behind an import of fileLoc and
// returns its primary hosted URL, or "" if the file is not hosted.
//
// Inference order: the literal file; a .js import of a .ts file (or .jsx of
// .tsx); the importer's own extension; every extension built to .js; a
// directory's index.js; finally ".js" appended.
func (r *Resolver) ResolveSourcePath(fileLoc, parentFile string) string {
	info, statErr := r.opts.Stat(fileLoc)
	switch {
	case statErr == nil && !info.IsDir():
	case urls.HasExtension(fileLoc, ".js"):
		if r.exists(urls.ReplaceExtension(fileLoc, ".js", ".ts")) {
			fileLoc = urls.ReplaceExtension(fileLoc, ".js", ".ts")
		}
	case urls.HasExtension(fileLoc, ".jsx"):
		if r.exists(urls.ReplaceExtension(fileLoc, ".jsx", ".tsx")) {
			fileLoc = urls.ReplaceExtension(fileLoc, ".jsx", ".tsx")
		}
	default:
		if parentExt := filepath.Ext(parentFile); parentExt != "" && r.exists(fileLoc+parentExt) {
			fileLoc += parentExt
		} else {
			for _, ext := range r.jsExtensions() {
				if r.exists(fileLoc + ext) {
					fileLoc += ext
					break
				}
			}
		}
		if filepath.Ext(fileLoc) == "" {
			if statErr == nil && info.IsDir() {
				fileLoc = filepath.Join(fileLoc, "index.js")
			} else {
				fileLoc += ".js"
			}
		}
	}

	if r.opts.Mapper == nil {
		return ""
	}
	if inputExt, outputExts, ok := urls.ExtensionMatch(fileLoc, r.opts.Mapper.Extensions); ok {
		if len(outputExts) > 1 {
			fileLoc = urls.AddExtension(fileLoc, outputExts[0])
		} else {
			fileLoc = urls.ReplaceExtension(fileLoc, inputExt, outputExts[0])
		}
	}
	hosted := r.opts.Mapper.URLsForFile(fileLoc)
	if len(hosted) == 0 {
		return ""
	}
	return hosted[0]
}

// jsExtensions lists the input extensions that build to .js, sorted.
func (r *Resolver) jsExtensions() []string {
	if r.opts.Mapper == nil {
		return nil
	}
	var exts []string
	for in, outs := range r.opts.Mapper.Extensions {
		for _, out := range outs {
			if out == ".js" {
				exts = append(exts, in)
				break
			}
		}
	}
	sort.Strings(exts)
	return exts
}

func (r *Resolver) exists(p string) bool {
	_, err := r.opts.Stat(p)
	return err == nil
}
