package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/resume-pipeline/internal/app"
)

var parseCmd = &cobra.Command{
	Use:   "parse <file.pdf>",
	Short: "Run the parse capability on a local document and print its JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, _ := cmd.Flags().GetString("provider")
		llmCfg := cfg.LLM
		if provider != "" {
			llmCfg.Provider = provider
		}
		parser, err := app.NewParser(llmCfg, logger)
		if err != nil {
			return err
		}
		doc, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		out, err := parser.ParseDocument(cmd.Context(), doc)
		if err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		_, err = fmt.Println(string(out))
		return err
	},
}

func init() {
	parseCmd.Flags().String("provider", "", "openai or stub (defaults to LLM_PROVIDER)")
	rootCmd.AddCommand(parseCmd)
}
