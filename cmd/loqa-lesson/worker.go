package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-lessons/internal/runtime"
	"github.com/loqalabs/loqa-lessons/internal/tts"
)

var workerBackend string

var workerCmd = &cobra.Command{
	Use:   "tts-worker",
	Short: "Serve synthesis requests from the NATS bus",
	Long: `tts-worker subscribes to tts.request in the tts-workers queue group and
answers each request with tts.audio chunks followed by tts.done. Builders
configured with tts.mode=bus send their phrases to these workers.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		local := cfg
		if workerBackend != "" {
			local.TTS.Mode = workerBackend
		}
		if local.TTS.Mode == tts.ModeBus {
			return fmt.Errorf("tts-worker needs a local backend, set --backend to %s, %s or %s",
				tts.ModeOpenAI, tts.ModeExec, tts.ModeMock)
		}

		rt := runtime.New(local, logger)
		if err := rt.Start(cmd.Context()); err != nil {
			return err
		}
		defer rt.Close()

		svc, err := rt.Worker(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		<-cmd.Context().Done()
		logger.Info("tts worker stopping", slog.String("backend", local.TTS.Mode))
		return nil
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List synthesis workers announced on the bus",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := startRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		// give running workers a chance to answer the discovery request
		select {
		case <-time.After(time.Duration(cfg.Bus.HeartbeatInterval) * time.Millisecond):
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		}
		workers, err := rt.Workers()
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WORKER\tBACKEND\tMODEL\tHEALTHY\tLAST SEEN")
		for _, w := range workers {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", w.ID, w.Backend, w.Model, w.Healthy, w.LastSeen.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerBackend, "backend", "", "Synthesis backend (openai, exec, mock); defaults to tts.mode")
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(workersCmd)
}
