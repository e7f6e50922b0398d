package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rendis/convo/internal/logging"
)

// cli carries the resolved configuration from the root command to its
// subcommands.
type cli struct {
	configPath string
	dbPath     string
	logLevel   string

	cfg    Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "convo",
		Short: "Conversation graph engine CLI",
		Long:  "convo runs resumable conversation graphs: start runs, feed replies, sweep expired runs and serve timers.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage:      true,
		PersistentPreRunE: c.init,
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to settings.yaml (default: ~/.convo/settings.yaml)")
	root.PersistentFlags().StringVar(&c.dbPath, "db", "", "Path to the libSQL database (overrides db_path)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("convo version %s\n", version))

	root.AddCommand(
		newValidateCmd(c),
		newGraphsCmd(c),
		newRunCmd(c),
		newResumeCmd(c),
		newStatusCmd(c),
		newExpireCmd(c),
		newServeCmd(c),
		newMCPCmd(c),
	)
	return root
}

// init resolves configuration; flags win over every config layer.
func (c *cli) init(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return exitError(exitInputParse, "loading config: %v", err)
	}
	if c.dbPath != "" {
		cfg.DBPath = c.dbPath
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	c.cfg = cfg
	c.logger = logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(c.logger)
	return nil
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseInput decodes an inline JSON object flag. Empty means no input.
func parseInput(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, exitError(exitInputParse, "invalid --input JSON: %v", err)
	}
	return input, nil
}
