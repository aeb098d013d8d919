package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/episodic/batch"
	"github.com/MegaGrindStone/episodic/config"
)

var errItemsFailed = errors.New("some items failed")

func newRunCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the work list once",
		Long: "run summarizes every file on the work list, submits it as an episode, waits until the memory " +
			"server processed it and confirms it in the graph store. Verified files are removed from the list.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runBatch(ctx, cmd, wireApp(cfg, cmd.ErrOrStderr()))
		},
	}

	flags := cmd.Flags()
	flags.String("file-list", "", "file listing one source path per line")
	flags.String("ledger", "", "file recording attempts across runs")
	flags.Int("max-chars", 0, "characters of each file handed to the model")
	flags.String("rate-limit-delay", "", "pause between files, e.g. 2 or 2s")
	flags.String("queue-timeout", "", "how long to wait for the server to process one episode")
	flags.Int("max-attempts", 0, "skip files that already failed this often, 0 for unlimited")
	flags.String("analysis-url", "", "OpenAI-compatible endpoint of the local model")
	flags.String("model", "", "model used for summaries")
	flags.Bool("dry-run", false, "only read and report the files")
	flags.Bool("drain-first", false, "wait for the server's queue to empty before starting")
	annotateFlags(flags, map[string]string{
		"file-list":        config.KeyBatchWorkList,
		"ledger":           config.KeyBatchLedger,
		"max-chars":        config.KeyAnalysisMaxChars,
		"rate-limit-delay": config.KeyBatchRateLimitDelay,
		"queue-timeout":    config.KeyQueueTimeout,
		"max-attempts":     config.KeyBatchMaxAttempts,
		"analysis-url":     config.KeyAnalysisURL,
		"model":            config.KeyAnalysisModel,
		"dry-run":          config.KeyBatchDryRun,
		"drain-first":      config.KeyBatchDrainFirst,
	})

	return cmd
}

func runBatch(ctx context.Context, cmd *cobra.Command, a *app) error {
	cfg := a.cfg

	ledger, err := batch.OpenLedger(cfg.Batch.Ledger)
	if err != nil {
		return err
	}

	lease, closeLease, err := a.lease()
	if err != nil {
		return err
	}
	defer closeLease()

	memory := a.memory()
	defer memory.Close()

	options := []batch.Option{
		batch.WithLedger(ledger),
		batch.WithEpisodeDefaults(cfg.Memory.GroupID, cfg.Memory.Source, cfg.Memory.SourceDescription),
		batch.WithMaxChars(cfg.Analysis.MaxChars),
		batch.WithRateLimitDelay(cfg.Batch.RateLimitDelay),
		batch.WithQueueTimeout(cfg.Queue.Timeout),
		batch.WithMaxAttempts(cfg.Batch.MaxAttempts),
		batch.WithDryRun(cfg.Batch.DryRun),
		batch.WithDrainFirst(cfg.Batch.DrainFirst),
		batch.WithLogger(a.logger),
	}
	if g := a.guard(); g != nil {
		options = append(options, batch.WithGuard(g, cfg.Resource.Timeout))
	}
	if lease != nil {
		options = append(options, batch.WithLocker(lease, cfg.Resource.Timeout))
	}

	orch := batch.New(batch.NewFileWorkList(cfg.Batch.WorkList), a.analyzer(), memory, a.queueMonitor(),
		a.verifier(), options...)

	report, err := orch.Run(ctx)
	if werr := writeReport(cmd, report); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%w: %d of %d", errItemsFailed, report.Failed, len(report.Items))
	}
	return nil
}

func writeReport(cmd *cobra.Command, report batch.Report) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, item := range report.Items {
		detail := ""
		if item.Err != nil {
			detail = item.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", item.Status, item.SourceRef, item.Attempts, detail)
	}
	fmt.Fprintf(tw, "verified: %d\tfailed: %d\tskipped: %d\t\n", report.Verified, report.Failed, report.Skipped)
	return tw.Flush()
}
