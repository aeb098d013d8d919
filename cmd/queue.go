package cmd

import (
	"fmt"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/episodic/config"
	"github.com/MegaGrindStone/episodic/queue"
)

func newQueueCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the memory server's ingestion queue",
	}
	cmd.AddCommand(newQueueStatusCmd(opts), newQueueWaitCmd(opts))
	return cmd
}

func newQueueStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show one observation of the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			snap, err := wireApp(cfg, cmd.ErrOrStderr()).queueMonitor().Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			return writeSnapshot(cmd, snap)
		},
	}
}

func writeSnapshot(cmd *cobra.Command, snap queue.Snapshot) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "source: %s (approximate: %t)\n", snap.Source, snap.Approximate)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tDEPTH\tIN FLIGHT\tWORKER")
	for _, gid := range slices.Sorted(maps.Keys(snap.Groups)) {
		g := snap.Groups[gid]
		depth := "unknown"
		if g.Depth != queue.DepthUnknown {
			depth = fmt.Sprint(g.Depth)
		}
		name := gid
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", name, depth, g.InFlightItem, g.WorkerAlive)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, item := range slices.Sorted(maps.Keys(snap.Completed)) {
		fmt.Fprintf(out, "completed: %s\n", item)
	}
	for _, item := range slices.Sorted(maps.Keys(snap.Failed)) {
		fmt.Fprintf(out, "failed: %s: %s\n", item, snap.Failed[item])
	}
	return nil
}

func newQueueWaitCmd(opts *rootOptions) *cobra.Command {
	var group, item string

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until the queue drains, or until one item is processed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			monitor := wireApp(cfg, cmd.ErrOrStderr()).queueMonitor()
			timeout := cfg.Queue.Timeout

			if item != "" {
				if !monitor.WaitUntilItemDone(cmd.Context(), group, item, timeout) {
					return fmt.Errorf("item %q not processed within %s", item, config.FormatDuration(timeout))
				}
				fmt.Fprintln(cmd.OutOrStdout(), "processed")
				return nil
			}
			if !monitor.WaitUntilEmpty(cmd.Context(), group, timeout) {
				return fmt.Errorf("queue did not drain within %s", config.FormatDuration(timeout))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "empty")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&group, "group", "", "group to watch (default every group)")
	flags.StringVar(&item, "item", "", "episode name to wait for")
	flags.String("timeout", "", "how long to wait")
	annotateFlags(flags, map[string]string{"timeout": config.KeyQueueTimeout})

	return cmd
}
