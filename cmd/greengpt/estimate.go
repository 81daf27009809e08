package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/greengpt/internal/config"
	"github.com/goodtune/greengpt/internal/impact"
	"github.com/spf13/cobra"
)

var estimateCmd = &cobra.Command{
	Use:   "estimate [TEXT...]",
	Short: "Estimate tokens and impact for a piece of text",
	Long: `Estimate the token count of TEXT, or of standard input when no text is
given, and convert it with the configured ratios. Nothing is recorded.`,
	Example: `  greengpt estimate "How much water does this prompt cost?"
  cat prompt.txt | greengpt estimate`,
	RunE: runEstimate,
}

func init() {
	rootCmd.AddCommand(estimateCmd)
}

func runEstimate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	text := strings.Join(args, " ")
	if len(args) == 0 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		text = string(data)
	}

	ratios := impact.Ratios{
		WaterPerToken: cfg.Impact.WaterPerToken,
		CO2PerToken:   cfg.Impact.CO2PerToken,
	}
	printEstimate(cmd.OutOrStdout(), ratios.State(impact.EstimateTokens(text)))
	return nil
}

func printEstimate(w io.Writer, s impact.State) {
	bold := color.New(color.Bold)
	_, _ = bold.Fprintf(w, "Tokens  %d\n", s.Tokens)
	_, _ = fmt.Fprintf(w, "Water   %.4f L\nCO2     %.2f g\n", s.WaterUsageLiters, s.CO2Grams)
}
