package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-lessons/internal/journal"
)

var runEventsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect lesson builds recorded in the journal",
}

var runsShowCmd = &cobra.Command{
	Use:   "show RUN_ID",
	Short: "Show a build and its phrase events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Journal.RetentionMode == journal.RetentionEphemeral {
			return errors.New("journal is disabled (journal.retention_mode=ephemeral)")
		}
		store, err := journal.Open(cmd.Context(), cfg.Journal, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		run, err := store.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "run %s: %s %s\n", run.ID, run.Lesson, run.Status)
		fmt.Fprintf(out, "  input:    %s\n", run.Input)
		fmt.Fprintf(out, "  started:  %s\n", run.StartedAt.Format(time.RFC3339))
		if !run.FinishedAt.IsZero() {
			fmt.Fprintf(out, "  finished: %s\n", run.FinishedAt.Format(time.RFC3339))
		}
		fmt.Fprintf(out, "  phrases:  %d bilingual, %d target-only, %d failed\n", run.Phrases, run.TargetOnly, run.Failed)
		if run.Error != "" {
			fmt.Fprintf(out, "  error:    %s\n", run.Error)
		}

		events, err := store.ListRunEvents(cmd.Context(), run.ID, runEventsLimit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\nTYPE\tKIND\tINDEX\tDETAIL")
		for _, evt := range events {
			var detail struct {
				Text  string `json:"text"`
				Path  string `json:"path"`
				Error string `json:"error"`
			}
			_ = json.Unmarshal(evt.Payload, &detail)
			info := detail.Path
			if detail.Error != "" {
				info = detail.Error
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%q %s\n", evt.Type, evt.Kind, evt.Index, detail.Text, info)
		}
		return tw.Flush()
	},
}

func init() {
	runsShowCmd.Flags().IntVar(&runEventsLimit, "limit", 200, "Maximum number of events to show")
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}
