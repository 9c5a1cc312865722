package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/snowdrift/internal/build"
	"github.com/conneroisu/snowdrift/internal/config"
)

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"b"},
	Short:   "Write a production build",
	Long: `Build every mounted file once, resolve its imports and write the result,
with the proxies and package files it needs, to the output directory.
Any file that fails to build fails the command.

Examples:
  snowdrift build                 # Build into ./build
  snowdrift build --out dist      # Build into ./dist
  snowdrift build --mode test     # Build with test mode env`,
	RunE: runBuild,
}

var buildMode string

func init() {
	rootCmd.AddCommand(buildCmd)
	addBuildFlags(buildCmd)
	buildCmd.Flags().StringVar(&buildMode, "mode", config.ModeProduction, "Build mode (development, production, test)")
}

func runBuild(cmd *cobra.Command, args []string) error {
	start := time.Now()
	v := viper.GetViper()
	bindFlags(v, cmd.Flags(), buildFlags)
	if cmd.Flags().Changed("mode") || !modeConfigured(v) {
		v.Set("mode", buildMode)
	}

	p, err := loadProject(v)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	defer p.Close()

	cfg := p.Config
	builder := build.NewBuilder(build.BuilderOptions{
		Root:     cfg.Root,
		Mapper:   p.Mapper,
		Exclude:  cfg.ExcludeGlobs(),
		OutDir:   cfg.OutDir(),
		Clean:    cfg.BuildOptions.Clean,
		Services: p.Services(nil),
		Packages: p.Packages,
		Logger:   p.Logger,
	})

	if err := builder.Run(context.Background()); err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	stats := builder.Metrics().GetSnapshot()
	fmt.Fprintf(cmd.OutOrStdout(), "Built %d files (%d static) into %s in %v\n",
		stats.SuccessfulBuilds, stats.StaticFiles, cfg.OutDir(), time.Since(start).Round(time.Millisecond))
	return nil
}

// modeConfigured reports whether the mode came from the config file or the
// environment rather than the defaults.
func modeConfigured(v *viper.Viper) bool {
	return v.InConfig("mode") || os.Getenv("SNOWDRIFT_MODE") != ""
}
