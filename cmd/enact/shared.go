package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dontdude/goenact/internal/app"
	"github.com/dontdude/goenact/internal/compose"
	"github.com/dontdude/goenact/internal/config"
)

// newLogger logs to stderr so stdout carries only command output.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// initComponents loads the config and builds the shared components.
// Callers must call Cleanup when done.
func initComponents(cmd *cobra.Command, opts app.Options) (*app.Components, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = newLogger()
	}
	slog.SetDefault(opts.Logger)
	return app.Build(cmd.Context(), cfg, opts)
}

// parseInputs merges a JSON object with key=value pairs. A pair's value is
// decoded as JSON when it parses and kept as a string otherwise, so
// count=3 is a number and name=Ada a string. Pairs win over the object.
// Numbers keep their exact digits.
func parseInputs(object string, pairs []string) (map[string]any, error) {
	inputs := map[string]any{}
	if strings.TrimSpace(object) != "" {
		var err error
		if inputs, err = compose.DecodeInputs([]byte(object)); err != nil {
			return nil, fmt.Errorf("--inputs must be a JSON object: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--input %q: want key=value", pair)
		}
		var v any
		if err := compose.DecodeJSON([]byte(raw), &v); err != nil {
			v = raw
		}
		inputs[key] = v
	}
	return inputs, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
