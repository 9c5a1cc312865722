// Package config loads snowdrift configuration using Viper from files,
// environment variables and command-line flags.
//
// Configuration is read from snowdrift.config.yml (or .snowdrift.yml), with
// SNOWDRIFT_ prefixed environment overrides. It describes the mount table,
// import aliases, dev server options, production build options and the
// package source used for bare imports.
package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	"github.com/conneroisu/snowdrift/internal/errors"
	"github.com/conneroisu/snowdrift/internal/logging"
	"github.com/conneroisu/snowdrift/internal/urls"
)

// Modes accepted by Config.Mode.
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
	ModeTest        = "test"
)

type Config struct {
	Root          string         `mapstructure:"root" yaml:"root"`
	WorkspaceRoot string         `mapstructure:"workspace_root" yaml:"workspace_root,omitempty"`
	Mode          string         `mapstructure:"mode" yaml:"mode"`
	Mount         []MountConfig  `mapstructure:"mount" yaml:"mount"`
	Alias         []AliasConfig  `mapstructure:"alias" yaml:"alias,omitempty"`
	Exclude       []string       `mapstructure:"exclude" yaml:"exclude"`
	Env           map[string]any `mapstructure:"env" yaml:"env,omitempty"`
	Routes        []RouteConfig  `mapstructure:"routes" yaml:"routes,omitempty"`
	Plugins       PluginsConfig  `mapstructure:"plugins" yaml:"plugins"`
	DevOptions    DevOptions     `mapstructure:"dev_options" yaml:"dev_options"`
	BuildOptions  BuildOptions   `mapstructure:"build_options" yaml:"build_options"`
	Packages      PackageOptions `mapstructure:"package_options" yaml:"package_options"`
	Logging       LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// MountConfig maps a directory to a URL prefix. Resolve defaults to true.
type MountConfig struct {
	Dir     string `mapstructure:"dir" yaml:"dir"`
	URL     string `mapstructure:"url" yaml:"url"`
	Static  bool   `mapstructure:"static" yaml:"static"`
	Resolve *bool  `mapstructure:"resolve" yaml:"resolve,omitempty"`
	Dot     bool   `mapstructure:"dot" yaml:"dot"`
}

// AliasConfig rewrites imports of From to To.
type AliasConfig struct {
	From string `mapstructure:"from" yaml:"from"`
	To   string `mapstructure:"to" yaml:"to"`
}

// RouteConfig rewrites requests matching Src to Dest. Match is "routes"
// (only requests that look like page navigations) or "all".
type RouteConfig struct {
	Src   string `mapstructure:"src" yaml:"src"`
	Dest  string `mapstructure:"dest" yaml:"dest"`
	Match string `mapstructure:"match" yaml:"match"`

	pattern *regexp.Regexp
}

// Matches reports whether the route applies to reqPath.
func (r *RouteConfig) Matches(reqPath string) bool {
	if r.pattern == nil {
		re, err := regexp.Compile(r.Src)
		if err != nil {
			return false
		}
		r.pattern = re
	}
	return r.pattern.MatchString(reqPath)
}

type PluginsConfig struct {
	Esbuild    EsbuildConfig `mapstructure:"esbuild" yaml:"esbuild"`
	CSSModules bool          `mapstructure:"css_modules" yaml:"css_modules"`
}

type EsbuildConfig struct {
	Input []string `mapstructure:"input" yaml:"input"`
}

type DevOptions struct {
	Port            int    `mapstructure:"port" yaml:"port"`
	Hostname        string `mapstructure:"hostname" yaml:"hostname"`
	HMR             bool   `mapstructure:"hmr" yaml:"hmr"`
	HMRDelay        int    `mapstructure:"hmr_delay" yaml:"hmr_delay"`
	HMRPort         int    `mapstructure:"hmr_port" yaml:"hmr_port,omitempty"`
	HMRErrorOverlay bool   `mapstructure:"hmr_error_overlay" yaml:"hmr_error_overlay"`
	Open            string `mapstructure:"open" yaml:"open"`
	Output          string `mapstructure:"output" yaml:"output"`
}

type BuildOptions struct {
	Out                 string `mapstructure:"out" yaml:"out"`
	BaseURL             string `mapstructure:"base_url" yaml:"base_url"`
	MetaURLPath         string `mapstructure:"meta_url_path" yaml:"meta_url_path"`
	Sourcemap           bool   `mapstructure:"sourcemap" yaml:"sourcemap"`
	HTMLFragments       bool   `mapstructure:"html_fragments" yaml:"html_fragments"`
	ResolveProxyImports bool   `mapstructure:"resolve_proxy_imports" yaml:"resolve_proxy_imports"`
	JSXFactory          string `mapstructure:"jsx_factory" yaml:"jsx_factory,omitempty"`
	JSXFragment         string `mapstructure:"jsx_fragment" yaml:"jsx_fragment,omitempty"`
	JSXInject           string `mapstructure:"jsx_inject" yaml:"jsx_inject,omitempty"`
	Clean               bool   `mapstructure:"clean" yaml:"clean"`
}

type PackageOptions struct {
	Source           string   `mapstructure:"source" yaml:"source"`
	Origin           string   `mapstructure:"origin" yaml:"origin"`
	External         []string `mapstructure:"external" yaml:"external,omitempty"`
	KnownEntrypoints []string `mapstructure:"known_entrypoints" yaml:"known_entrypoints,omitempty"`
	CacheSize        int64    `mapstructure:"cache_size" yaml:"cache_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SetDefaults registers every default with v. Keys with a default are also
// picked up from SNOWDRIFT_ environment variables by AutomaticEnv.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("root", ".")
	v.SetDefault("mode", ModeDevelopment)
	v.SetDefault("exclude", []string{"**/node_modules/**"})
	v.SetDefault("plugins.esbuild.input", []string{".mjs", ".jsx", ".ts", ".tsx"})
	v.SetDefault("plugins.css_modules", true)

	v.SetDefault("dev_options.port", 8080)
	v.SetDefault("dev_options.hostname", "localhost")
	v.SetDefault("dev_options.hmr", true)
	v.SetDefault("dev_options.hmr_delay", 0)
	v.SetDefault("dev_options.hmr_error_overlay", true)
	v.SetDefault("dev_options.open", "none")
	v.SetDefault("dev_options.output", "stream")

	v.SetDefault("build_options.out", "build")
	v.SetDefault("build_options.base_url", "/")
	v.SetDefault("build_options.meta_url_path", "_snowdrift")
	v.SetDefault("build_options.sourcemap", false)
	v.SetDefault("build_options.html_fragments", false)
	v.SetDefault("build_options.resolve_proxy_imports", true)
	v.SetDefault("build_options.clean", true)

	v.SetDefault("package_options.source", "local")
	v.SetDefault("package_options.origin", "https://esm.sh")
	v.SetDefault("package_options.cache_size", 64<<20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads the configuration held by the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads, normalises and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.NewConfigurationError(errors.ErrCodeConfigInvalid, "cannot decode configuration").
			WithContext("cause", err.Error())
	}

	// Handle slices set directly via viper (workaround for viper slice handling)
	if v.IsSet("exclude") && len(config.Exclude) == 0 {
		config.Exclude = v.GetStringSlice("exclude")
	}
	if v.IsSet("plugins.esbuild.input") && len(config.Plugins.Esbuild.Input) == 0 {
		config.Plugins.Esbuild.Input = v.GetStringSlice("plugins.esbuild.input")
	}

	if err := config.normalize(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) normalize() error {
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return errors.NewConfigurationError(errors.ErrCodeConfigInvalid, "cannot resolve root "+c.Root)
	}
	c.Root = root
	if c.WorkspaceRoot != "" {
		if c.WorkspaceRoot, err = filepath.Abs(c.WorkspaceRoot); err != nil {
			return errors.NewConfigurationError(errors.ErrCodeConfigInvalid, "cannot resolve workspace_root")
		}
	}

	if len(c.Mount) == 0 {
		c.Mount = []MountConfig{{Dir: ".", URL: "/"}}
	}
	for i := range c.Mount {
		m := &c.Mount[i]
		if m.Resolve == nil {
			resolve := true
			m.Resolve = &resolve
		}
		if m.URL != "/" {
			m.URL = strings.TrimSuffix(m.URL, "/")
		}
	}

	// Viper folds map keys to lower case; env names are conventionally upper.
	if len(c.Env) > 0 {
		env := make(map[string]any, len(c.Env))
		for k, v := range c.Env {
			env[strings.ToUpper(k)] = v
		}
		c.Env = env
	}

	for i := range c.Routes {
		if c.Routes[i].Match == "" {
			c.Routes[i].Match = "routes"
		}
	}

	c.BuildOptions.MetaURLPath = strings.Trim(c.BuildOptions.MetaURLPath, "/")
	if !strings.HasSuffix(c.BuildOptions.BaseURL, "/") {
		c.BuildOptions.BaseURL += "/"
	}
	for i, ext := range c.Plugins.Esbuild.Input {
		if !strings.HasPrefix(ext, ".") {
			c.Plugins.Esbuild.Input[i] = "." + ext
		}
	}
	return nil
}

// Validate checks the configuration, reporting every problem at once.
func (c *Config) Validate() error {
	var problems []string

	switch c.Mode {
	case ModeDevelopment, ModeProduction, ModeTest:
	default:
		problems = append(problems, fmt.Sprintf("mode %q must be one of development, production, test", c.Mode))
	}

	if c.DevOptions.Port < 1 || c.DevOptions.Port > 65535 {
		problems = append(problems, fmt.Sprintf("dev_options.port %d out of range 1-65535", c.DevOptions.Port))
	}
	if c.DevOptions.HMRPort < 0 || c.DevOptions.HMRPort > 65535 {
		problems = append(problems, fmt.Sprintf("dev_options.hmr_port %d out of range", c.DevOptions.HMRPort))
	}
	if c.DevOptions.HMRDelay < 0 {
		problems = append(problems, "dev_options.hmr_delay cannot be negative")
	}

	for i, m := range c.Mount {
		if strings.TrimSpace(m.Dir) == "" {
			problems = append(problems, fmt.Sprintf("mount[%d].dir is empty", i))
		}
		if !strings.HasPrefix(m.URL, "/") {
			problems = append(problems, fmt.Sprintf("mount[%d].url %q must start with /", i, m.URL))
		}
	}

	for i, a := range c.Alias {
		if a.From == "" || a.To == "" {
			problems = append(problems, fmt.Sprintf("alias[%d] needs both from and to", i))
		}
	}

	for i := range c.Routes {
		r := &c.Routes[i]
		re, err := regexp.Compile(r.Src)
		if err != nil {
			problems = append(problems, fmt.Sprintf("routes[%d].src: %v", i, err))
			continue
		}
		r.pattern = re
		if r.Match != "routes" && r.Match != "all" {
			problems = append(problems, fmt.Sprintf("routes[%d].match %q must be routes or all", i, r.Match))
		}
	}

	switch c.Packages.Source {
	case "local", "remote":
	default:
		problems = append(problems, fmt.Sprintf("package_options.source %q must be local or remote", c.Packages.Source))
	}

	if c.Logging.Level != "" {
		if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		problems = append(problems, fmt.Sprintf("logging.format %q must be text or json", c.Logging.Format))
	}

	if len(problems) > 0 {
		return errors.NewConfigurationError(errors.ErrCodeConfigInvalid,
			"invalid configuration: "+strings.Join(problems, "; "))
	}
	return nil
}

// IsDev reports whether the config describes a development session.
func (c *Config) IsDev() bool { return c.Mode == ModeDevelopment }

// CacheMode returns the short mode name used in build cache keys.
func (c *Config) CacheMode() string {
	switch c.Mode {
	case ModeProduction:
		return urls.ModeProd
	case ModeTest:
		return urls.ModeTest
	}
	return urls.ModeDev
}

// OutDir returns the absolute production build directory.
func (c *Config) OutDir() string {
	if filepath.IsAbs(c.BuildOptions.Out) {
		return c.BuildOptions.Out
	}
	return filepath.Join(c.Root, c.BuildOptions.Out)
}

// ExcludeGlobs returns the exclude patterns plus the build output directory.
func (c *Config) ExcludeGlobs() []string {
	out := append([]string{}, c.Exclude...)
	return append(out, filepath.ToSlash(c.OutDir())+"/**")
}

// MountEntries returns the mount table with absolute disk paths, in
// declaration order.
func (c *Config) MountEntries() []urls.MountEntry {
	entries := make([]urls.MountEntry, 0, len(c.Mount))
	for _, m := range c.Mount {
		dir := m.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(c.Root, dir)
		}
		resolve := m.Resolve == nil || *m.Resolve
		entries = append(entries, urls.MountEntry{
			DiskPath:        filepath.Clean(dir),
			URLPrefix:       m.URL,
			Static:          m.Static,
			ResolveImports:  resolve,
			IncludeDotfiles: m.Dot,
		})
	}
	return entries
}

// Mapper builds the URL mapper for this config and an extension map.
func (c *Config) Mapper(exts urls.ExtensionMap) *urls.Mapper {
	return &urls.Mapper{
		Mounts:        c.MountEntries(),
		Extensions:    exts,
		WorkspaceRoot: c.WorkspaceRoot,
		MetaURLPath:   c.BuildOptions.MetaURLPath,
	}
}

// LoggerConfig derives the logger settings.
func (c *Config) LoggerConfig() *logging.LoggerConfig {
	lc := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(c.Logging.Level); err == nil {
		lc.Level = lvl
	}
	if c.Logging.Format != "" {
		lc.Format = c.Logging.Format
	}
	return lc
}
