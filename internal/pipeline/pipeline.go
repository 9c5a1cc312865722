// Package pipeline runs a source file through the registered plugins.
//
// A build has two passes. Load asks the first plugin whose input
// extensions match the file for its outputs, falling back to the raw file.
// Transform then hands every output to every transforming plugin in
// registration order, each seeing the previous plugin's result. Any plugin
// error aborts the build and is tagged with the plugin name and step.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/conneroisu/snowdrift/internal/cssmodules"
	"github.com/conneroisu/snowdrift/internal/errors"
	"github.com/conneroisu/snowdrift/internal/logging"
	"github.com/conneroisu/snowdrift/internal/plugins"
	"github.com/conneroisu/snowdrift/internal/sourcemap"
	"github.com/conneroisu/snowdrift/internal/urls"
)

// OutputMap holds the outputs of one file keyed by extension.
type OutputMap map[string]*plugins.Output

// Extensions returns the output extensions in a stable order.
func (m OutputMap) Extensions() []string {
	exts := make([]string, 0, len(m))
	for ext := range m {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Clone returns a copy whose outputs can be modified independently.
func (m OutputMap) Clone() OutputMap {
	out := make(OutputMap, len(m))
	for ext, o := range m {
		code := make([]byte, len(o.Code))
		copy(code, o.Code)
		out[ext] = &plugins.Output{Code: code, Map: o.Map}
	}
	return out
}

// Stage is a registered plugin with its capabilities resolved.
type Stage struct {
	Name   string
	Input  []string
	Output []string

	plugin      plugins.Plugin
	loader      plugins.Loader
	transformer plugins.Transformer
	optimizer   plugins.Optimizer
	cleaner     plugins.Cleaner
	listener    plugins.ChangeListener
}

func (s *Stage) Plugin() plugins.Plugin { return s.plugin }
func (s *Stage) CanLoad() bool          { return s.loader != nil }
func (s *Stage) CanTransform() bool     { return s.transformer != nil }
func (s *Stage) CanOptimize() bool      { return s.optimizer != nil }

func (s *Stage) matches(filePath string) bool {
	for _, ext := range s.Input {
		if urls.HasExtension(filePath, ext) {
			return true
		}
	}
	return false
}

// Options configures a Pipeline.
type Options struct {
	Sourcemap bool
	Root      string
	Logger    logging.Logger

	// CSSModules receives every .module.css file; nil disables scoping.
	CSSModules *cssmodules.Registry
	// Mapper locates the URL a CSS Modules class map is recorded under.
	Mapper *urls.Mapper
	// ReadFile defaults to os.ReadFile.
	ReadFile func(string) ([]byte, error)
}

// BuildOptions describes the build a file is part of.
type BuildOptions struct {
	IsDev        bool
	IsSSR        bool
	IsPackage    bool
	IsHMREnabled bool
}

// Pipeline is the ordered set of plugin stages. Stages are registered at
// start-up; after that a Pipeline is safe for concurrent builds.
type Pipeline struct {
	opts   Options
	stages []*Stage
}

// New creates a pipeline with plugins registered in order.
func New(opts Options, list ...plugins.Plugin) *Pipeline {
	if opts.ReadFile == nil {
		opts.ReadFile = os.ReadFile
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	p := &Pipeline{opts: opts}
	for _, plugin := range list {
		p.Register(plugin)
	}
	return p
}

// Register appends a plugin, recording which capabilities it has.
func (p *Pipeline) Register(plugin plugins.Plugin) {
	stage := &Stage{Name: plugin.Name(), plugin: plugin}
	if r, ok := plugin.(plugins.Resolver); ok {
		spec := r.Resolve()
		stage.Input = spec.Input
		stage.Output = spec.Output
	}
	if l, ok := plugin.(plugins.Loader); ok && len(stage.Input) > 0 && len(stage.Output) > 0 {
		stage.loader = l
	}
	stage.transformer, _ = plugin.(plugins.Transformer)
	stage.optimizer, _ = plugin.(plugins.Optimizer)
	stage.cleaner, _ = plugin.(plugins.Cleaner)
	stage.listener, _ = plugin.(plugins.ChangeListener)
	p.stages = append(p.stages, stage)
}

// Stages returns the registered stages in order.
func (p *Pipeline) Stages() []*Stage {
	return p.stages
}

// ExtensionMap maps each loadable input extension to the outputs of the
// first stage that loads it, matching the stage Load would pick.
func (p *Pipeline) ExtensionMap() urls.ExtensionMap {
	exts := urls.ExtensionMap{}
	for _, stage := range p.stages {
		if stage.loader == nil {
			continue
		}
		for _, in := range stage.Input {
			in = strings.ToLower(in)
			if _, ok := exts[in]; !ok {
				exts[in] = stage.Output
			}
		}
	}
	return exts
}

// BuildFile loads then transforms filePath. No partial output is returned
// on error.
func (p *Pipeline) BuildFile(ctx context.Context, filePath string, opts BuildOptions) (OutputMap, error) {
	output, err := p.load(ctx, filePath, opts)
	if err != nil {
		return nil, err
	}
	if err := p.transform(ctx, output, filePath, opts); err != nil {
		return nil, err
	}
	return output, nil
}

func (p *Pipeline) debugPath(filePath string) string {
	if p.opts.Root == "" {
		return filePath
	}
	if rel, err := filepath.Rel(p.opts.Root, filePath); err == nil {
		return rel
	}
	return filePath
}

func (p *Pipeline) load(ctx context.Context, filePath string, opts BuildOptions) (OutputMap, error) {
	srcExt := urls.Extension(filePath)
	result := OutputMap{}

	for _, stage := range p.stages {
		if stage.loader == nil || !stage.matches(filePath) {
			continue
		}
		log := p.opts.Logger.WithComponent(stage.Name)
		log.Debug(ctx, "load() starting", "file", p.debugPath(filePath))
		loaded, err := stage.loader.Load(ctx, plugins.LoadOptions{
			FileExt:      srcExt,
			FilePath:     filePath,
			IsDev:        opts.IsDev,
			IsSSR:        opts.IsSSR,
			IsPackage:    opts.IsPackage,
			IsHMREnabled: opts.IsHMREnabled,
		})
		if err != nil {
			return nil, errors.NewPipelineError(stage.Name, "load", err).WithLocation(filePath)
		}
		log.Debug(ctx, "load() success", "file", p.debugPath(filePath))
		if loaded.Empty() {
			continue
		}

		if loaded.Code != nil {
			result[stage.Output[0]] = &plugins.Output{Code: loaded.Code}
		}
		for ext, out := range loaded.Outputs {
			o := out
			if !p.opts.Sourcemap {
				o.Map = ""
			}
			result[ext] = &o
		}
		break
	}

	if p.opts.CSSModules != nil && urls.NeedsCSSModules(filePath) {
		var contents []byte
		if css, ok := result[".css"]; ok {
			contents = css.Code
		} else {
			data, err := p.opts.ReadFile(filePath)
			if err != nil {
				return nil, errors.NewIOError(errors.ErrCodeReadFailed, "cannot read "+filePath, err)
			}
			contents = data
		}
		scoped, classMap := p.opts.CSSModules.Transform(p.cssModulesURL(filePath), contents)
		css := result[".css"]
		if css == nil {
			css = &plugins.Output{}
		}
		css.Code = scoped
		result[".css"] = css
		result[".json"] = &plugins.Output{Code: []byte(classMap)}
	}

	if len(result) == 0 {
		data, err := p.opts.ReadFile(filePath)
		if err != nil {
			return nil, errors.NewIOError(errors.ErrCodeReadFailed, "cannot read "+filePath, err)
		}
		result[srcExt] = &plugins.Output{Code: data}
	}
	return result, nil
}

// cssModulesURL is the hosted URL a CSS Modules class map is stored under.
func (p *Pipeline) cssModulesURL(filePath string) string {
	if p.opts.Mapper != nil {
		if hosted := p.opts.Mapper.URLsForFile(filePath); len(hosted) > 0 {
			return hosted[0]
		}
	}
	return filepath.ToSlash(filePath)
}

func (p *Pipeline) transform(ctx context.Context, output OutputMap, filePath string, opts BuildOptions) error {
	rootFilePath := urls.RemoveExtension(filePath, urls.Extension(filePath))

	for _, stage := range p.stages {
		if stage.transformer == nil {
			continue
		}
		log := p.opts.Logger.WithComponent(stage.Name)
		for _, destExt := range output.Extensions() {
			current := output[destExt]
			id := rootFilePath + destExt
			log.Debug(ctx, "transform() starting", "file", p.debugPath(id))
			res, err := stage.transformer.Transform(ctx, plugins.TransformOptions{
				Contents:     current.Code,
				FileExt:      destExt,
				ID:           id,
				SrcPath:      filePath,
				IsDev:        opts.IsDev,
				IsSSR:        opts.IsSSR,
				IsPackage:    opts.IsPackage,
				IsHMREnabled: opts.IsHMREnabled,
			})
			if err != nil {
				return errors.NewPipelineError(stage.Name, "transform", err).WithLocation(filePath)
			}
			log.Debug(ctx, "transform() success", "file", p.debugPath(id))
			if res == nil || res.Contents == nil {
				continue
			}

			current.Code = res.Contents
			switch {
			case res.Map == "" || !p.opts.Sourcemap:
				current.Map = ""
			case current.Map != "":
				composed, err := sourcemap.Compose(current.Map, res.Map)
				if err != nil {
					return errors.NewPipelineError(stage.Name, "transform", err).WithLocation(filePath)
				}
				current.Map = composed
			default:
				current.Map = res.Map
			}
		}
	}
	return nil
}

// Optimize runs every optimizing stage over a finished build directory.
func (p *Pipeline) Optimize(ctx context.Context, buildDir string) error {
	for _, stage := range p.stages {
		if stage.optimizer == nil {
			continue
		}
		log := p.opts.Logger.WithComponent(stage.Name)
		log.Debug(ctx, "optimize() starting")
		if err := stage.optimizer.Optimize(ctx, buildDir); err != nil {
			return errors.NewPipelineError(stage.Name, "optimize", err)
		}
		log.Debug(ctx, "optimize() success")
	}
	return nil
}

// Cleanup runs every cleanup hook, returning the first failure after all
// hooks have run.
func (p *Pipeline) Cleanup(ctx context.Context) error {
	var first error
	for _, stage := range p.stages {
		if stage.cleaner == nil {
			continue
		}
		if err := stage.cleaner.Cleanup(ctx); err != nil {
			p.opts.Logger.WithComponent(stage.Name).Warn(ctx, err, "cleanup failed")
			if first == nil {
				first = errors.NewPipelineError(stage.Name, "cleanup", err)
			}
		}
	}
	return first
}

// NotifyChange tells every listening stage that filePath changed.
func (p *Pipeline) NotifyChange(filePath string) {
	for _, stage := range p.stages {
		if stage.listener != nil {
			stage.listener.OnChange(filePath)
		}
	}
}
