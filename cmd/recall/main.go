// Package main provides the CLI for recall.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/recall/internal/version"
	"github.com/jmylchreest/recall/pkg/config"
	"github.com/jmylchreest/recall/pkg/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(1)
	}
}

// app carries the global flags and the loaded configuration.
type app struct {
	configPath string
	dbPath     string
	logLevel   string
	jsonOut    bool

	cfg *config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "recall",
		Short:         "Persistent semantic memory for AI agents",
		Long:          "recall stores knowledge, episodes, decisions and patterns, finds them again with hybrid keyword and vector search, and tracks project tasks.",
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}
	root.SetVersionTemplate("{{.Version}}\n")

	f := root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", "", "Config file (default: $RECALL_CONFIG)")
	f.StringVarP(&a.dbPath, "db", "d", "", "Database path (default: db_path setting or ~/.recall/recall.db)")
	f.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.BoolVar(&a.jsonOut, "json", false, "Print JSON instead of tables")

	root.AddCommand(
		newMCPCmd(a),
		newServeCmd(a),
		newMemoryCmd(a),
		newSearchCmd(a),
		newStatsCmd(a),
		newProjectCmd(a),
		newTaskCmd(a),
		newReflectCmd(a),
		newImproveCmd(a),
		newModelsCmd(a),
		newAdminCmd(a),
		newVersionCmd(a),
	)
	return root
}

// init loads configuration and installs the stderr logger. stdout stays
// clean for command output and the MCP protocol.
func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.DBPath = a.dbPath
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", cfg.Log.Level, err)
	}
	a.cfg = cfg
	a.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.log)
	return nil
}

// withService opens the database for the duration of fn.
func (a *app) withService(ctx context.Context, fn func(*service.Service) error) error {
	svc, err := service.Open(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			a.log.Warn("close database", "error", cerr)
		}
	}()
	return fn(svc)
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		// Version needs no configuration or database.
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			if a.jsonOut {
				fmt.Fprintln(cmd.OutOrStdout(), version.JSON())
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
