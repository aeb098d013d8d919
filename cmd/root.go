// Package cmd implements the episodic command line.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/MegaGrindStone/episodic/config"
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

type rootOptions struct {
	configPath string
	v          *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "episodic",
		Short: "Feed source files into a graph memory server as episodes",
		Long: "episodic summarizes source files with a local model and submits them as episodes to a memory " +
			"server over MCP, waiting for the server's ingestion queue and verifying each episode in the " +
			"graph store before moving on.",
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "",
		"config file (default ./episodic.toml or ~/.config/episodic/episodic.toml)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: text or json (default text on a terminal)")
	flags.String("memory-url", "", "base URL of the memory server")
	flags.String("group-id", "", "group the episodes belong to")
	annotateFlags(flags, map[string]string{
		"log-level":  config.KeyLogLevel,
		"log-format": config.KeyLogFormat,
		"memory-url": config.KeyMemoryURL,
		"group-id":   config.KeyMemoryGroupID,
	})

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(opts),
		newAddCmd(opts),
		newToolsCmd(opts),
		newQueueCmd(opts),
		newResourceCmd(opts),
		newVerifyCmd(opts),
		newConfigCmd(opts),
	)

	return rootCmd
}

const configKeyAnnotation = "episodic_config_key"

// annotateFlags records the config key each flag sets. The binding itself happens when the command
// runs, so flags of different commands may share a key.
func annotateFlags(flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if err := flags.SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
			panic(err)
		}
	}
}

// load resolves the configuration with the flags of cmd bound to their keys. An unset flag leaves the
// file, environment and defaults in charge.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if keys := f.Annotations[configKeyAnnotation]; len(keys) == 1 && bindErr == nil {
			bindErr = o.v.BindPFlag(keys[0], f)
		}
	})
	if bindErr != nil {
		return config.Config{}, bindErr
	}
	return config.Load(o.v, o.configPath)
}
