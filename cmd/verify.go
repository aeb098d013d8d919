package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Query the graph store behind the memory server",
	}
	cmd.AddCommand(newVerifyCheckCmd(opts), newVerifySearchCmd(opts), newVerifyCountCmd(opts))
	return cmd
}

func newVerifyCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check NAME",
		Short: "Report whether an episode is stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ok, err := wireApp(cfg, cmd.ErrOrStderr()).store().Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%q not found", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "found")
			return nil
		},
	}
}

func newVerifySearchCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search TERM",
		Short: "List nodes whose name contains a term",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			nodes, err := wireApp(cfg, cmd.ErrOrStderr()).store().Search(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, n := range nodes {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", n.Name, strings.Join(n.Labels, ","), n.CreatedAt)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of nodes")

	return cmd
}

func newVerifyCountCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of nodes in the graph store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			n, err := wireApp(cfg, cmd.ErrOrStderr()).store().NodeCount(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
			return err
		},
	}
}
