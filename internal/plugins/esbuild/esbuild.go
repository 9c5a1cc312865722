// Package esbuild is the builtin load stage that transpiles TypeScript, JSX
// and .mjs sources to browser JavaScript.
package esbuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/snowdrift/internal/logging"
	"github.com/conneroisu/snowdrift/internal/plugins"
)

// Name is the stage name used in logs and pipeline errors.
const Name = "snowdrift:esbuild"

var preactImport = regexp.MustCompile(`from\s+['"]preact['"]`)

// Options configures the plugin.
type Options struct {
	Input       []string
	JSXFactory  string
	JSXFragment string
	JSXInject   string
	Sourcemap   bool
	Production  bool
	Logger      logging.Logger
}

// Plugin transpiles one file at a time with esbuild's transform API.
type Plugin struct {
	opts   Options
	logger logging.Logger
}

var _ plugins.Loader = (*Plugin)(nil)

// New creates the esbuild load stage.
func New(opts Options) *Plugin {
	if len(opts.Input) == 0 {
		opts.Input = []string{".mjs", ".jsx", ".ts", ".tsx"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Plugin{opts: opts, logger: logger.WithComponent(Name)}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Resolve() plugins.ResolveSpec {
	return plugins.ResolveSpec{Input: p.opts.Input, Output: []string{".js"}}
}

func loaderFor(filePath string) (api.Loader, bool) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".jsx":
		return api.LoaderJSX, true
	case ".ts", ".mts", ".cts":
		return api.LoaderTS, false
	case ".tsx":
		return api.LoaderTSX, true
	default:
		return api.LoaderJS, false
	}
}

// Load reads and transpiles the file into a single .js output.
func (p *Plugin) Load(ctx context.Context, opts plugins.LoadOptions) (*plugins.LoadResult, error) {
	data, err := os.ReadFile(opts.FilePath)
	if err != nil {
		return nil, err
	}
	contents := string(data)

	loader, isJSX := loaderFor(opts.FilePath)
	if isJSX && p.opts.JSXInject != "" {
		contents = p.opts.JSXInject + "\n" + contents
	}
	factory, fragment := p.opts.JSXFactory, p.opts.JSXFragment
	if isJSX && preactImport.MatchString(contents) {
		if factory == "" {
			factory = "h"
		}
		if fragment == "" {
			fragment = "Fragment"
		}
	}

	transformOpts := api.TransformOptions{
		Loader:      loader,
		JSXFactory:  factory,
		JSXFragment: fragment,
		Sourcefile:  opts.FilePath,
		Charset:     api.CharsetUTF8,
	}
	if p.opts.Sourcemap {
		transformOpts.Sourcemap = api.SourceMapExternal
		if p.opts.Production {
			transformOpts.SourcesContent = api.SourcesContentExclude
		}
	}

	result := api.Transform(contents, transformOpts)
	for _, warning := range result.Warnings {
		p.logger.Warn(ctx, nil, warning.Text, "file", opts.FilePath, "location", formatLocation(warning.Location))
	}
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		return nil, fmt.Errorf("%s %s", formatLocation(msg.Location), msg.Text)
	}

	return &plugins.LoadResult{Outputs: map[string]plugins.Output{
		".js": {Code: result.Code, Map: string(result.Map)},
	}}, nil
}

func formatLocation(loc *api.Location) string {
	if loc == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d:%d", loc.File, loc.Line, loc.Column)
}
