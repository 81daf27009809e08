package main

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/greengpt/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validateDump bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the GreenGPT configuration file for syntax and semantic errors.`,
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(out, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		_, _ = fmt.Fprintln(out)
		_, _ = red.Fprintf(out, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(out, "   - %s\n", key)
		}
		_, _ = fmt.Fprintln(out, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(out, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(out, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(out, strings.Repeat("=", 80))

		dumpConfig(out, cfg, config.Default(), unknownKeys)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// getValidKeys returns the set of configuration keys. Every key has a
// default, so the defaults enumerate them.
func getValidKeys() map[string]bool {
	v := viper.New()
	config.SetDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(w io.Writer, cfg, defaultCfg *config.Config, unknownKeys []string) {
	dumpSection(w, "", reflect.ValueOf(*cfg), reflect.ValueOf(*defaultCfg), 0)

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		cyan := color.New(color.FgCyan, color.Bold)

		_, _ = cyan.Fprintln(w, "\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(w, "  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
}

// dumpSection walks a config struct by its mapstructure tags
func dumpSection(w io.Writer, prefix string, value, defaultValue reflect.Value, depth int) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	indent := strings.Repeat("  ", depth)
	t := value.Type()

	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Tag.Get("mapstructure")
		if name == "" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		field, defaultField := value.Field(i), defaultValue.Field(i)
		if field.Kind() == reflect.Struct {
			if depth == 0 {
				_, _ = cyan.Fprintf(w, "\n[%s]\n", key)
			} else {
				_, _ = cyan.Fprintf(w, "%s[%s]\n", indent, key)
			}
			dumpSection(w, key, field, defaultField, depth+1)
			continue
		}

		current, def := field.Interface(), defaultField.Interface()
		if isSecret(name) {
			current, def = redact(field.String()), redact(defaultField.String())
		}
		dumpField(w, indent+name, current, def, yellow, green)
	}
}

// dumpField prints a field with color if it differs from default
func dumpField(w io.Writer, name string, value, defaultValue any, modifiedColor, defaultColor *color.Color) {
	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Fprintf(w, "%s = %v\n", name, value)
		return
	}
	_, _ = modifiedColor.Fprintf(w, "%s = %v  (modified from default: %v)\n", name, value, defaultValue)
}

func isSecret(name string) bool {
	return strings.Contains(name, "password") || strings.Contains(name, "secret")
}

// redact hides a secret if not empty
func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
