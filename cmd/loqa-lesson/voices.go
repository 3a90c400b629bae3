package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-lessons/internal/lesson"
)

var previewDir string

var voicesCmd = &cobra.Command{
	Use:   "voices",
	Short: "List the configured voice profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		names := make([]string, 0, len(cfg.Voices))
		for name := range cfg.Voices {
			names = append(names, name)
		}
		sort.Strings(names)

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PROFILE\tLANGUAGE\tMODEL\tVOICE\tUSED AS")
		for _, name := range names {
			p := cfg.Voice(name)
			role := ""
			switch name {
			case cfg.Lesson.SourceVoice:
				role = "source"
			case cfg.Lesson.TargetVoice:
				role = "target"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, p.Language, p.Model, p.Voice, role)
		}
		return tw.Flush()
	},
}

var previewsCmd = &cobra.Command{
	Use:   "previews",
	Short: "Render a short sample for every voice profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
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
		paths, err := builder.Previews(cmd.Context(), previewDir)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(paths))
		for name := range paths {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, paths[name])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "index written to %s\n", filepath.Join(previewDir, lesson.PreviewsManifest))
		return nil
	},
}

func init() {
	previewsCmd.Flags().StringVar(&previewDir, "dir", "voice_previews", "Directory to write previews to")
	rootCmd.AddCommand(voicesCmd)
	rootCmd.AddCommand(previewsCmd)
}
