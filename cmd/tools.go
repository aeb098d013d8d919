package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/episodic/mcp"
)

func newToolsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the memory server offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			a := wireApp(cfg, cmd.ErrOrStderr())

			client, err := a.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			tools, err := client.ListTools(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			info := client.ServerInfo()
			fmt.Fprintf(out, "server: %s %s\nsession: %s\n\n", info.Name, info.Version, client.SessionID())

			hasAddMemory := false
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, tool := range tools {
				hasAddMemory = hasAddMemory || tool.Name == mcp.ToolAddMemory
				fmt.Fprintf(tw, "%s\t%s\n", tool.Name, tool.Description)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if !hasAddMemory {
				fmt.Fprintf(out, "\nwarning: the server does not offer %s\n", mcp.ToolAddMemory)
			}
			return nil
		},
	}
}
