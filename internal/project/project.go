// Package project wires the services a dev server or production build
// shares: the plugin pipeline, the URL mapper, the package source, the
// import resolver and the wrapper generator.
package project

import (
	"net/http"

	"github.com/conneroisu/snowdrift/internal/build"
	"github.com/conneroisu/snowdrift/internal/config"
	"github.com/conneroisu/snowdrift/internal/cssmodules"
	"github.com/conneroisu/snowdrift/internal/errors"
	"github.com/conneroisu/snowdrift/internal/hmr"
	"github.com/conneroisu/snowdrift/internal/logging"
	"github.com/conneroisu/snowdrift/internal/pipeline"
	"github.com/conneroisu/snowdrift/internal/pkgsource"
	"github.com/conneroisu/snowdrift/internal/plugins"
	"github.com/conneroisu/snowdrift/internal/plugins/esbuild"
	"github.com/conneroisu/snowdrift/internal/proxy"
	"github.com/conneroisu/snowdrift/internal/resolver"
	"github.com/conneroisu/snowdrift/internal/urls"
)

// Options holds the collaborators a Project may be given instead of the
// defaults.
type Options struct {
	Logger logging.Logger
	// Plugins run after the builtin esbuild stage, in order.
	Plugins []plugins.Plugin
	// Packages replaces the configured package source.
	Packages pkgsource.Source
	// HTTPClient is used by the remote package source.
	HTTPClient *http.Client
	// Environ defaults to os.Environ.
	Environ func() []string
}

// Project is the service set for one configuration.
type Project struct {
	Config     *config.Config
	Logger     logging.Logger
	Pipeline   *pipeline.Pipeline
	Mapper     *urls.Mapper
	Packages   pkgsource.Source
	Resolver   *resolver.Resolver
	Proxy      *proxy.Generator
	CSSModules *cssmodules.Registry
}

// New assembles the services described by cfg.
func New(cfg *config.Config, opts Options) (*Project, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	var registry *cssmodules.Registry
	if cfg.Plugins.CSSModules {
		registry = cssmodules.NewRegistry()
	}

	mapper := cfg.Mapper(nil)
	stages := append([]plugins.Plugin{esbuild.New(esbuild.Options{
		Input:       cfg.Plugins.Esbuild.Input,
		JSXFactory:  cfg.BuildOptions.JSXFactory,
		JSXFragment: cfg.BuildOptions.JSXFragment,
		JSXInject:   cfg.BuildOptions.JSXInject,
		Sourcemap:   cfg.BuildOptions.Sourcemap,
		Production:  cfg.Mode == config.ModeProduction,
		Logger:      logger,
	})}, opts.Plugins...)
	pipe := pipeline.New(pipeline.Options{
		Sourcemap:  cfg.BuildOptions.Sourcemap,
		Root:       cfg.Root,
		Logger:     logger,
		CSSModules: registry,
		Mapper:     mapper,
	}, stages...)
	mapper.Extensions = pipe.ExtensionMap()

	packages := opts.Packages
	if packages == nil {
		var err error
		if packages, err = newPackageSource(cfg, opts, logger); err != nil {
			return nil, err
		}
	}

	aliases := make([]resolver.AliasEntry, 0, len(cfg.Alias))
	for _, a := range cfg.Alias {
		aliases = append(aliases, resolver.NewAlias(a.From, a.To, cfg.Root))
	}

	return &Project{
		Config:   cfg,
		Logger:   logger,
		Pipeline: pipe,
		Mapper:   mapper,
		Packages: packages,
		Resolver: resolver.New(resolver.Options{
			Root:                cfg.Root,
			Mapper:              mapper,
			Aliases:             aliases,
			External:            cfg.Packages.External,
			Packages:            packages,
			ResolveProxyImports: cfg.BuildOptions.ResolveProxyImports,
		}),
		Proxy: proxy.New(proxy.Options{
			MetaURLPath:     cfg.BuildOptions.MetaURLPath,
			BaseURL:         cfg.BuildOptions.BaseURL,
			HMRErrorOverlay: cfg.DevOptions.HMRErrorOverlay,
			HTMLFragments:   cfg.BuildOptions.HTMLFragments,
			Env:             cfg.Env,
			CSSModules:      registry,
			Logger:          logger,
			Environ:         opts.Environ,
		}),
		CSSModules: registry,
	}, nil
}

func newPackageSource(cfg *config.Config, opts Options, logger logging.Logger) (pkgsource.Source, error) {
	switch cfg.Packages.Source {
	case "remote":
		return pkgsource.NewRemote(pkgsource.RemoteOptions{
			Root:        cfg.Root,
			MetaURLPath: cfg.BuildOptions.MetaURLPath,
			Origin:      cfg.Packages.Origin,
			CacheSize:   cfg.Packages.CacheSize,
			Client:      opts.HTTPClient,
			Logger:      logger,
		})
	case "local", "":
		return pkgsource.NewLocal(pkgsource.LocalOptions{
			Root:             cfg.Root,
			MetaURLPath:      cfg.BuildOptions.MetaURLPath,
			KnownEntrypoints: cfg.Packages.KnownEntrypoints,
			Logger:           logger,
		}), nil
	}
	return nil, errors.NewConfigurationError(errors.ErrCodeConfigInvalid,
		"unknown package source "+cfg.Packages.Source)
}

// Services returns the build collaborators, with engine as the HMR graph
// (nil when hot replacement is off).
func (p *Project) Services(engine *hmr.Engine) *build.Services {
	return &build.Services{
		Pipeline: p.Pipeline,
		Resolver: p.Resolver,
		Proxy:    p.Proxy,
		HMR:      engine,
		Mode:     p.Config.Mode,
		BaseURL:  p.Config.BuildOptions.BaseURL,
		HMRPort:  p.Config.DevOptions.HMRPort,
		Logger:   p.Logger,
	}
}

// Close releases the package source's resources.
func (p *Project) Close() {
	if closer, ok := p.Packages.(interface{ Close() }); ok {
		closer.Close()
	}
}
