package server

import (
	"context"
	"net/url"
	"path"
	"strings"

	"github.com/conneroisu/snowdrift/internal/build"
	"github.com/conneroisu/snowdrift/internal/errors"
	"github.com/conneroisu/snowdrift/internal/hmr"
	"github.com/conneroisu/snowdrift/internal/pkgsource"
	"github.com/conneroisu/snowdrift/internal/proxy"
	"github.com/conneroisu/snowdrift/internal/resolver"
	"github.com/conneroisu/snowdrift/internal/scanner"
	"github.com/conneroisu/snowdrift/internal/urls"
)

// LoadOptions controls LoadURL.
type LoadOptions struct {
	IsSSR bool
	// IsHMR defaults to on when the server runs HMR and IsSSR is unset.
	IsHMR *bool
	// IsResolve defaults to true: imports are resolved for serving.
	IsResolve *bool
	ImportMap *pkgsource.ImportMap
}

// LoadResult is a served URL.
type LoadResult struct {
	Contents    []byte
	ContentType string
	// OriginalFileLoc is the source file, empty for generated responses.
	OriginalFileLoc string
	// Imports are the packages the response consumes.
	Imports []scanner.InstallTarget
}

// foundFile is a request matched to a mounted source file.
type foundFile struct {
	loc          string
	resourcePath string
	resourceType string
	responseType string
	static       bool
	resolve      bool
}

// LoadURL builds, resolves and returns the response for reqURL: meta
// assets, package files, proxies, source maps and mounted files. A failed
// build is broadcast to HMR clients before the error is returned.
func (s *DevServer) LoadURL(ctx context.Context, reqURL string, opts LoadOptions) (*LoadResult, error) {
	if err := s.Prepare(ctx); err != nil {
		return nil, err
	}
	u, err := url.Parse(reqURL)
	if err != nil {
		return nil, errors.NewNotFoundError(reqURL, nil)
	}
	reqPath := u.Path
	var hmrParam string
	if mtime := u.Query().Get("mtime"); mtime != "" {
		hmrParam = "mtime=" + mtime
	}
	isHMR := s.hmr != nil && !opts.IsSSR
	if opts.IsHMR != nil {
		isHMR = *opts.IsHMR && s.hmr != nil
	}

	if strings.HasPrefix(reqPath, s.metaPrefix()) {
		return s.loadMeta(ctx, reqPath, opts.IsSSR, isHMR)
	}

	found, err := s.findFile(reqPath)
	if err != nil {
		return nil, err
	}
	if found.loc == "" {
		// A CSS Modules class map with no file behind it.
		srcURL := strings.TrimSuffix(found.resourcePath, ".json")
		classMap := "{}"
		if s.project.CSSModules != nil {
			if m, ok := s.project.CSSModules.JSON(srcURL); ok {
				classMap = m
			}
		}
		return &LoadResult{Contents: []byte(classMap), ContentType: contentType(".json")}, nil
	}

	isStatic := found.static && found.responseType != ".html"
	isResolve := opts.IsResolve == nil || *opts.IsResolve

	key := urls.CacheKey(found.loc, s.cfg.CacheMode(), opts.IsSSR)
	fb, _ := s.cache.GetOrCreate(key, func() *build.FileBuilder {
		return build.NewFileBuilder(build.FileBuilderOptions{
			Loc:   found.loc,
			URLs:  s.files.Values(found.loc),
			IsDev: true,
			IsHMR: isHMR,
			IsSSR: opts.IsSSR,
		}, s.services)
	})

	result := &LoadResult{OriginalFileLoc: found.loc, ContentType: contentType(found.responseType)}
	if err := s.finalize(ctx, fb, found, reqPath, isStatic, isResolve, hmrParam, opts.ImportMap, result); err != nil {
		s.broadcastError(ctx, err, found.loc)
		return nil, err
	}
	return result, nil
}

func (s *DevServer) finalize(ctx context.Context, fb *build.FileBuilder, found foundFile, reqPath string,
	isStatic, isResolve bool, hmrParam string, importMap *pkgsource.ImportMap, result *LoadResult) error {
	if _, err := fb.Build(ctx, isStatic); err != nil {
		return err
	}

	stripped := found.resourcePath != reqPath
	switch {
	case stripped && strings.HasSuffix(reqPath, resolver.ProxySuffix):
		code, err := fb.Proxy(found.resourcePath, found.resourceType)
		if err != nil {
			return err
		}
		result.Contents = code
	case stripped && strings.HasSuffix(reqPath, ".map"):
		sourceMap := fb.SourceMap(found.resourceType)
		if sourceMap == "" {
			return errors.NewNotFoundError(reqPath, []string{found.loc})
		}
		result.Contents = []byte(sourceMap)
	default:
		if found.resolve {
			imports, err := fb.ResolveImports(ctx, build.ResolveOptions{
				Final:     isResolve,
				HMRParam:  hmrParam,
				ImportMap: importMap,
			})
			if err != nil {
				return err
			}
			result.Imports = imports
		}
		code, err := fb.Result(found.resourceType)
		if err != nil {
			return err
		}
		result.Contents = code
	}
	return nil
}

// findFile maps a request path to its source file. The exact URL is tried
// first, then the path with .map and .proxy.js removed, then the path with
// .html or /index.html appended.
func (s *DevServer) findFile(reqPath string) (foundFile, error) {
	found := foundFile{resourcePath: reqPath, resourceType: urls.Extension(reqPath)}
	loc, ok := s.files.Key(reqPath)
	if !ok {
		found.resourcePath = stripResourceSuffix(reqPath)
		if strings.HasSuffix(found.resourcePath, "/") {
			found.resourcePath += "index.html"
		}
		found.resourceType = urls.Extension(found.resourcePath)
		for _, candidate := range []string{found.resourcePath, found.resourcePath + ".html", found.resourcePath + "/index.html"} {
			if loc, ok = s.files.Key(candidate); ok {
				found.resourceType = urls.Extension(candidate)
				break
			}
		}
	}
	if !ok {
		if strings.HasSuffix(found.resourcePath, ".module.css.json") {
			return found, nil
		}
		return found, errors.NewNotFoundError(reqPath, nil)
	}

	found.loc = loc
	found.responseType = urls.Extension(reqPath)
	if found.responseType == "" && urls.HasExtension(loc, ".html") {
		found.responseType = ".html"
	}
	if mount, ok := s.project.Mapper.MountEntryForFile(loc); ok {
		found.static = mount.Static
		found.resolve = mount.ResolveImports
	}
	return found, nil
}

func stripResourceSuffix(p string) string {
	p = strings.TrimSuffix(p, ".map")
	return strings.TrimSuffix(p, resolver.ProxySuffix)
}

// loadMeta serves URLs under the meta path: the HMR runtime, the env
// module and package files.
func (s *DevServer) loadMeta(ctx context.Context, reqPath string, isSSR, isHMR bool) (*LoadResult, error) {
	name := strings.TrimPrefix(reqPath, s.metaPrefix())
	switch name {
	case proxy.ClientAsset, proxy.OverlayAsset:
		asset, _ := proxy.Asset(name)
		return &LoadResult{Contents: asset, ContentType: contentType(".js")}, nil
	case "env.js":
		return &LoadResult{
			Contents:    s.project.Proxy.GenerateEnvModule(s.cfg.Mode, isSSR),
			ContentType: contentType(".js"),
		}, nil
	}

	pkgPrefix := s.pkgPrefix()
	if !strings.HasPrefix(reqPath, pkgPrefix) {
		return nil, errors.NewNotFoundError(reqPath, nil)
	}
	if id, ok := s.legacyPackageID(reqPath); ok {
		redirect, err := s.project.Packages.ResolvePackageImport(ctx, id, pkgsource.ResolveOptions{})
		if err != nil {
			return nil, err
		}
		if ru, err := url.Parse(redirect); err == nil {
			reqPath = ru.Path
		}
	}

	resourcePath := stripResourceSuffix(reqPath)
	loaded, err := s.project.Packages.Load(ctx, strings.TrimPrefix(resourcePath, pkgPrefix))
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(reqPath, resolver.ProxySuffix) {
		code, err := s.project.Proxy.WrapImportProxy(resourcePath, loaded.Contents, isHMR)
		if err != nil {
			return nil, err
		}
		return &LoadResult{Contents: code, ContentType: contentType(".js")}, nil
	}

	result := &LoadResult{Contents: loaded.Contents, ContentType: loaded.ContentType}
	if result.ContentType == "" {
		result.ContentType = contentType(path.Ext(reqPath))
	}
	for _, imp := range loaded.Imports {
		result.Imports = append(result.Imports, scanner.NewInstallTarget(imp, true))
	}
	return result, nil
}

// legacyPackageID recognises hand-written package URLs such as
// /_snowdrift/pkg/react.js that name a package rather than a file in it.
func (s *DevServer) legacyPackageID(reqPath string) (string, bool) {
	if s.cfg.Packages.Source == "remote" {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(reqPath, s.pkgPrefix()), ".js")
	if id == "" || strings.Count(id, ".") > 0 {
		return "", false
	}
	if _, subpath := pkgsource.ParseSpecifier(id); subpath != "" {
		return "", false
	}
	return id, true
}

func (s *DevServer) metaPrefix() string {
	return "/" + s.cfg.BuildOptions.MetaURLPath + "/"
}

func (s *DevServer) pkgPrefix() string {
	return s.metaPrefix() + "pkg/"
}

func (s *DevServer) broadcastError(ctx context.Context, err error, fileLoc string) {
	s.logger.Error(ctx, err, "build result error", "file", fileLoc)
	if s.hmr == nil {
		return
	}
	s.hmr.Broadcast(hmr.ErrorMessage(err, fileLoc))
	s.hmr.FlushNow()
}
