package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/episodic/config"
)

var errSamplingDisabled = errors.New("resource sampling is disabled")

func newResourceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Inspect the shared GPU and its lease",
	}
	cmd.AddCommand(newResourceStatusCmd(opts), newResourceWaitCmd(opts))
	return cmd
}

func newResourceStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Sample the GPU once and show the lease holder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			a := wireApp(cfg, cmd.ErrOrStderr())
			out := cmd.OutOrStdout()

			if g := a.guard(); g != nil {
				st, err := g.State(cmd.Context())
				if err != nil {
					fmt.Fprintf(out, "utilization: unavailable (%v)\n", err)
				} else {
					fmt.Fprintf(out, "utilization: %.1f%% (busy: %t, sampler: %s)\n",
						st.Utilization, st.IsBusy, cfg.Resource.Sampler)
				}
			} else {
				fmt.Fprintln(out, "utilization: sampling disabled")
			}

			lease, closeLease, err := a.lease()
			if err != nil {
				return err
			}
			defer closeLease()
			if lease == nil {
				return nil
			}
			holder, err := lease.Holder(cmd.Context())
			if err != nil {
				return err
			}
			if holder == "" {
				holder = "free"
			}
			fmt.Fprintf(out, "lease %s: %s\n", cfg.Resource.LeaseKey, holder)
			return nil
		},
	}
}

func newResourceWaitCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until the GPU is idle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			g := wireApp(cfg, cmd.ErrOrStderr()).guard()
			if g == nil {
				return errSamplingDisabled
			}
			if !g.WaitUntilIdle(cmd.Context(), cfg.Resource.Timeout) {
				return fmt.Errorf("resource still busy after %s", config.FormatDuration(cfg.Resource.Timeout))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "idle")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("timeout", "", "how long to wait")
	flags.String("sampler", "", "auto, docker, sysfs, process or none")
	annotateFlags(flags, map[string]string{
		"timeout": config.KeyResourceTimeout,
		"sampler": config.KeyResourceSampler,
	})

	return cmd
}
