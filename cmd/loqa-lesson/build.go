package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var buildJSON bool

var buildCmd = &cobra.Command{
	Use:   "build [lesson-file]",
	Short: "Synthesize and assemble a lesson",
	Long: `Build parses the lesson file, synthesizes every phrase and writes the
lesson under <output_root>/<file name>/:

  target_intro/target_NN   target-language-only phrases
  normal/phrase_NN         bilingual phrases
  section_target_intro     target-only phrases with their pauses
  section_main_lesson      bilingual phrases with their pauses
  full_normal              both sections joined
  full_slow                full_normal slowed by audio.slow_factor

Without an argument lesson.input from the configuration is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().BoolVar(&buildJSON, "json", false, "Print the build result as JSON")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	input := cfg.Lesson.Input
	if len(args) > 0 {
		input = args[0]
	}

	rt, err := startRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.AwaitWorkers(cmd.Context()); err != nil {
		return err
	}
	builder, err := rt.Builder()
	if err != nil {
		return err
	}
	res, err := builder.Build(cmd.Context(), input)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if buildJSON {
		enc := json.NewEncoder(out)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(out, "lesson %s (run %s)\n", res.Lesson, res.RunID)
	fmt.Fprintf(out, "  phrases:      %d (%d cached, %d failed)\n", len(res.PhraseFiles)+len(res.TargetFiles), res.Cached, len(res.Failures))
	fmt.Fprintf(out, "  full_normal:  %s (%s)\n", res.FullNormal, res.Duration.Round(10*time.Millisecond))
	fmt.Fprintf(out, "  full_slow:    %s (%s)\n", res.FullSlow, res.SlowDuration.Round(10*time.Millisecond))
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "  skipped line %d: %s (%s)\n", w.Line, w.Content, w.Reason)
	}
	for _, f := range res.Failures {
		fmt.Fprintf(out, "  failed %s phrase %d %q: %s\n", f.Kind, f.Index, f.Text, f.Error)
	}
	return nil
}
