package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or write the configuration",
	}
	cmd.AddCommand(newConfigShowCmd(opts), newConfigInitCmd(opts))
	return cmd
}

func newConfigShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cfg.File != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# read from %s\n", cfg.File)
			}
			return cfg.WriteTOML(cmd.OutOrStdout())
		},
	}
}

func newConfigInitCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [PATH]",
		Short: "Write the resolved configuration to a file, episodic.toml by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "episodic.toml"
			if len(args) == 1 {
				path = args[0]
			}

			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			flag := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create config directory: %w", err)
				}
			}
			f, err := os.OpenFile(path, flag, 0o600)
			if errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err != nil {
				return fmt.Errorf("failed to create config file: %w", err)
			}

			if err := cfg.WriteTOML(f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	return cmd
}
