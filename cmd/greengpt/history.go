package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/greengpt/internal/impact"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	historyDaily  bool
	historyFormat string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived sessions",
	Long:  `List archived impact sessions, or per-day token totals with --daily.`,
	Example: `  greengpt history
  greengpt history --daily --format yaml`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().BoolVar(&historyDaily, "daily", false, "Show per-day token totals")
	historyCmd.Flags().StringVarP(&historyFormat, "format", "f", "table", "Output format: table, json or yaml")
	rootCmd.AddCommand(historyCmd)
}

// sessionRow is a SessionRecord as printed by the history command
type sessionRow struct {
	ID               string    `json:"id" yaml:"id"`
	Timestamp        time.Time `json:"timestamp" yaml:"timestamp"`
	Tokens           int64     `json:"tokens" yaml:"tokens"`
	WaterUsageLiters float64   `json:"waterUsageLiters" yaml:"water_usage_liters"`
	CO2Grams         float64   `json:"co2Grams" yaml:"co2_grams"`
}

// dailyRow is a DailyRecord with its derived impact
type dailyRow struct {
	Date             string  `json:"date" yaml:"date"`
	Tokens           int64   `json:"tokens" yaml:"tokens"`
	WaterUsageLiters float64 `json:"waterUsageLiters" yaml:"water_usage_liters"`
	CO2Grams         float64 `json:"co2Grams" yaml:"co2_grams"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, store, err := loadForCommand()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	aggregator := newAggregator(context.Background(), cfg, store, commandLogger())
	out := cmd.OutOrStdout()

	if historyDaily {
		return printDaily(out, historyFormat, dailyRows(aggregator.Daily(), aggregator.Ratios()))
	}
	return printSessions(out, historyFormat, sessionRows(aggregator.History()))
}

func sessionRows(records []impact.SessionRecord) []sessionRow {
	rows := make([]sessionRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, sessionRow(r))
	}
	return rows
}

func dailyRows(records []impact.DailyRecord, ratios impact.Ratios) []dailyRow {
	rows := make([]dailyRow, 0, len(records))
	for _, r := range records {
		state := ratios.State(r.Tokens)
		rows = append(rows, dailyRow{
			Date:             r.Date,
			Tokens:           r.Tokens,
			WaterUsageLiters: state.WaterUsageLiters,
			CO2Grams:         state.CO2Grams,
		})
	}
	return rows
}

func printSessions(w io.Writer, format string, rows []sessionRow) error {
	switch format {
	case "json", "yaml":
		return encode(w, format, rows)
	case "table", "":
	default:
		return fmt.Errorf("unknown format %q (expected table, json or yaml)", format)
	}

	cyan := color.New(color.FgCyan, color.Bold)
	if len(rows) == 0 {
		_, _ = color.New(color.FgYellow).Fprintln(w, "No archived sessions")
		return nil
	}

	_, _ = cyan.Fprintf(w, "%-36s  %-19s  %10s  %12s  %12s\n", "ID", "ARCHIVED", "TOKENS", "WATER (L)", "CO2 (g)")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%-36s  %-19s  %10d  %12.4f  %12.2f\n",
			r.ID, r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.Tokens, r.WaterUsageLiters, r.CO2Grams)
	}
	return nil
}

func printDaily(w io.Writer, format string, rows []dailyRow) error {
	switch format {
	case "json", "yaml":
		return encode(w, format, rows)
	case "table", "":
	default:
		return fmt.Errorf("unknown format %q (expected table, json or yaml)", format)
	}

	cyan := color.New(color.FgCyan, color.Bold)
	if len(rows) == 0 {
		_, _ = color.New(color.FgYellow).Fprintln(w, "No daily totals")
		return nil
	}

	_, _ = cyan.Fprintf(w, "%-10s  %10s  %12s  %12s\n", "DATE", "TOKENS", "WATER (L)", "CO2 (g)")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%-10s  %10d  %12.4f  %12.2f\n", r.Date, r.Tokens, r.WaterUsageLiters, r.CO2Grams)
	}
	return nil
}

func encode(w io.Writer, format string, v any) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
