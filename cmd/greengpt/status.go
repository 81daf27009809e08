package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/greengpt/internal/display"
	"github.com/goodtune/greengpt/internal/impact"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session impact",
	Long:  `Show the tokens counted in the current session and their estimated water and CO2 cost.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Archive the current session and start a new one",
	Long: `Archive the current session into the history and zero the counters.
Nothing is archived when the session has no tokens.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, store, err := loadForCommand()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	aggregator := newAggregator(context.Background(), cfg, store, commandLogger())

	// Rendered once, so a raised capacity notice stays up
	panel := display.NewPanel(aggregator, thresholds(cfg.Display), noTimers)
	defer panel.Close()

	return display.Render(cmd.OutOrStdout(), panel.View())
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, store, err := loadForCommand()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	aggregator := newAggregator(context.Background(), cfg, store, commandLogger())
	record, ok := aggregator.Reset()
	printReset(cmd.OutOrStdout(), record, ok)
	return nil
}

func printReset(w io.Writer, record impact.SessionRecord, ok bool) {
	if !ok {
		_, _ = color.New(color.FgYellow).Fprintln(w, "Current session is empty, nothing archived")
		return
	}

	_, _ = color.New(color.FgGreen, color.Bold).Fprintf(w, "Archived session %s\n", record.ID)
	_, _ = fmt.Fprintf(w, "  Tokens  %d\n  Water   %.4f L\n  CO2     %.2f g\n",
		record.Tokens, record.WaterUsageLiters, record.CO2Grams)
}

type stoppedTimer struct{}

func (stoppedTimer) Stop() bool { return false }

func noTimers(_ time.Duration, _ func()) display.Timer { return stoppedTimer{} }
