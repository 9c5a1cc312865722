// Package cmd provides the snowdrift command line.
//
// Configuration is read with the following precedence:
//  1. Command-line flags (--config, --port, etc.)
//  2. SNOWDRIFT_CONFIG_FILE: path to the configuration file
//  3. Environment variables (SNOWDRIFT_DEV_OPTIONS_PORT, SNOWDRIFT_MODE, ...)
//  4. snowdrift.config.yml or .snowdrift.yml in the working directory
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/snowdrift/internal/config"
	"github.com/conneroisu/snowdrift/internal/logging"
	"github.com/conneroisu/snowdrift/internal/project"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "snowdrift",
	Short: "An unbundled ES module development server",
	Long: `Snowdrift serves a web project as native ES modules. Each file is built
on first request, cached, and rebuilt when it changes on disk; browsers are
told about changes over the ESM-HMR websocket.

Quick Start:
  snowdrift dev                   Start the development server
  snowdrift build                 Write a production build
  snowdrift config                Print the resolved configuration`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is snowdrift.config.yml, can also use SNOWDRIFT_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("root", "", "project root directory")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("root", rootCmd.PersistentFlags().Lookup("root"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("SNOWDRIFT_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(defaultConfigName())
	}

	viper.SetEnvPrefix("SNOWDRIFT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// defaultConfigName prefers snowdrift.config.yml over .snowdrift.yml.
func defaultConfigName() string {
	if _, err := os.Stat(".snowdrift.yml"); err == nil {
		if _, err := os.Stat("snowdrift.config.yml"); err != nil {
			return ".snowdrift"
		}
	}
	return "snowdrift.config"
}

// loadProject reads the configuration held by v and assembles its
// services with a logger built from the logging section.
func loadProject(v *viper.Viper) (*project.Project, error) {
	cfg, err := config.LoadFrom(v)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.LoggerConfig())
	return project.New(cfg, project.Options{Logger: logger})
}
