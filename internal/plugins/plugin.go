// Package plugins defines the contract between the build pipeline and the
// plugins that load, transform and optimize files.
//
// Every plugin implements Plugin. The remaining interfaces are optional
// capabilities; the pipeline checks for them once when a plugin is
// registered.
package plugins

import (
	"context"
)

// Plugin represents a build plugin.
type Plugin interface {
	// Name returns the unique name of the plugin, used in logs and errors.
	Name() string
}

// ResolveSpec declares which source extensions a plugin loads and which
// output extensions the load produces. Output[0] is the primary output.
type ResolveSpec struct {
	Input  []string
	Output []string
}

// Resolver is implemented by plugins that load files.
type Resolver interface {
	Plugin
	Resolve() ResolveSpec
}

// LoadOptions describes the file handed to Load.
type LoadOptions struct {
	FileExt      string
	FilePath     string
	IsDev        bool
	IsSSR        bool
	IsPackage    bool
	IsHMREnabled bool
}

// Output is one built file: code plus an optional source map.
type Output struct {
	Code []byte
	Map  string
}

// LoadResult is either a single Code buffer, which is filed under the
// plugin's primary output extension, or an explicit map of Outputs.
type LoadResult struct {
	Code    []byte
	Outputs map[string]Output
}

// Empty reports whether the result carries nothing.
func (r *LoadResult) Empty() bool {
	return r == nil || (r.Code == nil && len(r.Outputs) == 0)
}

// Loader is implemented by plugins that turn a source file into outputs.
// A nil result means the plugin declines the file.
type Loader interface {
	Resolver
	Load(ctx context.Context, opts LoadOptions) (*LoadResult, error)
}

// TransformOptions describes one output handed to Transform.
type TransformOptions struct {
	Contents     []byte
	FileExt      string
	ID           string
	SrcPath      string
	IsDev        bool
	IsSSR        bool
	IsPackage    bool
	IsHMREnabled bool
}

// TransformResult replaces an output's code. A Map is composed with the
// output's existing map; without one the existing map is dropped.
type TransformResult struct {
	Contents []byte
	Map      string
}

// Transformer is implemented by plugins that rewrite outputs. It runs on
// every output of every file; a nil result leaves the output unchanged.
type Transformer interface {
	Plugin
	Transform(ctx context.Context, opts TransformOptions) (*TransformResult, error)
}

// Optimizer runs once over a finished production build.
type Optimizer interface {
	Plugin
	Optimize(ctx context.Context, buildDir string) error
}

// Cleaner releases plugin resources when a build or server finishes.
type Cleaner interface {
	Plugin
	Cleanup(ctx context.Context) error
}

// ChangeListener is told about every changed source file.
type ChangeListener interface {
	Plugin
	OnChange(filePath string)
}
