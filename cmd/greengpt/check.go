package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/greengpt/internal/config"
	"github.com/goodtune/greengpt/internal/gate"
	"github.com/spf13/cobra"
)

var (
	checkAuthenticated bool
	checkMethod        string
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] PATH",
	Short: "Check the page gate decision for a path",
	Long:  `Check what the page gate policy decides for a request to PATH.`,
	Example: `  greengpt -c config.yaml check /
  greengpt check --authenticated /chat/42`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkAuthenticated, "authenticated", false, "Evaluate as a signed-in visitor")
	checkCmd.Flags().StringVar(&checkMethod, "method", http.MethodGet, "HTTP method")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	path := args[0]
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path must start with /: %s", path)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	engine, err := gate.NewEngine(cfg.Web.GatePolicyDir, commandLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize page gate: %w", err)
	}

	input := gate.Input{
		Path:          path,
		Method:        strings.ToUpper(checkMethod),
		Authenticated: checkAuthenticated,
	}

	decision, err := engine.Evaluate(context.Background(), input)
	if err != nil {
		return fmt.Errorf("gate evaluation failed: %w", err)
	}

	// Display result with colors
	printCheckResult(cmd.OutOrStdout(), input, decision)
	return nil
}

// printCheckResult prints the gate check result with colors
func printCheckResult(w io.Writer, input gate.Input, decision *gate.Decision) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	rule := strings.Repeat("━", 50)

	_, _ = fmt.Fprintln(w)
	_, _ = cyan.Fprintln(w, rule)
	_, _ = cyan.Fprintln(w, "PAGE GATE CHECK")
	_, _ = cyan.Fprintln(w, rule)
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintf(w, "Path:          %s\n", input.Path)
	_, _ = fmt.Fprintf(w, "Method:        %s\n", input.Method)
	_, _ = fmt.Fprintf(w, "Authenticated: %t\n", input.Authenticated)
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprint(w, "Decision:      ")
	switch {
	case decision.Exempt:
		_, _ = yellow.Fprintln(w, "EXEMPT")
		_, _ = fmt.Fprintln(w, "               → Path is outside the gate")
	case decision.Allow:
		_, _ = green.Fprintln(w, "ALLOW")
		_, _ = fmt.Fprintln(w, "               → Page will be served")
	default:
		target := decision.Redirect
		if target == "" {
			target = "/login"
		}
		_, _ = red.Fprintln(w, "REDIRECT")
		_, _ = fmt.Fprintf(w, "               → Visitor will be sent to %s\n", target)
	}

	_, _ = fmt.Fprintln(w)
	_, _ = cyan.Fprintln(w, rule)
	_, _ = fmt.Fprintln(w)
}
