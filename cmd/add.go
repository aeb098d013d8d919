package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/episodic/mcp"
)

type addOptions struct {
	name    string
	body    string
	file    string
	propose string
	wait    bool
}

func newAddCmd(opts *rootOptions) *cobra.Command {
	addOpts := &addOptions{}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Submit one episode",
		Long: "add submits a single episode, given as text, read from a file, or proposed by the model from an " +
			"instruction. With --wait it also waits for the server to process the episode and verifies it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			a := wireApp(cfg, cmd.ErrOrStderr())
			ctx := cmd.Context()

			episode, err := addOpts.episode(cmd, a)
			if err != nil {
				return err
			}

			client, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			res, err := client.AddMemory(ctx, episode)
			if err != nil {
				return err
			}
			state := "accepted"
			if !res.Provisional {
				state = "stored"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (request %s)\n", state, episode.Name, res.RequestID)
			if text := res.Text(); text != "" {
				fmt.Fprintln(cmd.OutOrStdout(), text)
			}

			if !addOpts.wait {
				return nil
			}
			if !a.queueMonitor().WaitUntilItemDone(ctx, episode.GroupID, episode.Name, cfg.Queue.Timeout) {
				return fmt.Errorf("episode %q was not processed within %s", episode.Name, cfg.Queue.Timeout)
			}
			v := a.verifier()
			if v == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "processed")
				return nil
			}
			ok, err := v.Verify(ctx, episode.Name)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("episode %q processed but not found in the graph store", episode.Name)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "verified")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addOpts.name, "name", "", "episode name (default the absolute path of --file)")
	flags.StringVar(&addOpts.body, "body", "", "episode text")
	flags.StringVar(&addOpts.file, "file", "", "read the episode text from a file")
	flags.StringVar(&addOpts.propose, "propose", "", "let the model write the episode from an instruction")
	flags.BoolVar(&addOpts.wait, "wait", false, "wait until the episode is processed and verified")
	cmd.MarkFlagsMutuallyExclusive("body", "file", "propose")
	cmd.MarkFlagsOneRequired("body", "file", "propose")

	return cmd
}

func (o *addOptions) episode(cmd *cobra.Command, a *app) (mcp.Episode, error) {
	name, body := o.name, o.body

	switch {
	case o.file != "":
		data, err := os.ReadFile(o.file)
		if err != nil {
			return mcp.Episode{}, fmt.Errorf("failed to read episode file: %w", err)
		}
		body = string(data)
		if name == "" {
			if name, err = filepath.Abs(o.file); err != nil {
				name = o.file
			}
		}
	case o.propose != "":
		proposed, err := a.analyzer().ProposeEpisode(cmd.Context(), o.propose)
		if err != nil {
			return mcp.Episode{}, err
		}
		body = proposed.Body
		if name == "" {
			name = proposed.Name
		}
	}

	if name == "" {
		return mcp.Episode{}, errors.New("episode name is required")
	}
	return a.episode(name, body), nil
}
