package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// boundFlag ties a command flag to the configuration key it overrides.
type boundFlag struct {
	name string
	key  string
}

var serverFlags = []boundFlag{
	{name: "port", key: "dev_options.port"},
	{name: "hostname", key: "dev_options.hostname"},
	{name: "open", key: "dev_options.open"},
	{name: "hmr", key: "dev_options.hmr"},
	{name: "hmr-delay", key: "dev_options.hmr_delay"},
}

var buildFlags = []boundFlag{
	{name: "out", key: "build_options.out"},
	{name: "clean", key: "build_options.clean"},
	{name: "sourcemap", key: "build_options.sourcemap"},
	{name: "base-url", key: "build_options.base_url"},
}

func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("port", "p", 8080, "Port to serve on")
	cmd.Flags().String("hostname", "localhost", "Host to bind to")
	cmd.Flags().String("open", "none", "Browser to open on start (none disables)")
	cmd.Flags().Bool("hmr", true, "Enable hot module replacement")
	cmd.Flags().Int("hmr-delay", 0, "Milliseconds to batch HMR updates")
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("out", "o", "build", "Output directory")
	cmd.Flags().Bool("clean", true, "Remove the output directory before building")
	cmd.Flags().Bool("sourcemap", false, "Write source maps next to built files")
	cmd.Flags().String("base-url", "/", "URL prefix of the deployed build")
}

// bindFlags copies every changed flag into v. Unchanged flags leave the
// configured value alone.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, bound []boundFlag) {
	for _, b := range bound {
		f := flags.Lookup(b.name)
		if f == nil || !f.Changed {
			continue
		}
		switch f.Value.Type() {
		case "bool":
			val, _ := flags.GetBool(b.name)
			v.Set(b.key, val)
		case "int":
			val, _ := flags.GetInt(b.name)
			v.Set(b.key, val)
		default:
			v.Set(b.key, f.Value.String())
		}
	}
}
