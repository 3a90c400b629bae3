package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-lessons/internal/phrase"
)

var parseCmd = &cobra.Command{
	Use:   "parse [lesson-file]",
	Short: "Print the phrases parsed from a lesson file as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input := cfg.Lesson.Input
		if len(args) > 0 {
			input = args[0]
		}
		data, err := os.ReadFile(input)
		if err != nil {
			return fmt.Errorf("read lesson: %w", err)
		}
		out, err := phrase.Parse(string(data), logger).JSON()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(parseCmd)
}
