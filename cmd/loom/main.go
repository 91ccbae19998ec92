// Package main provides the loom CLI.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"loom/internal/build"
	"loom/internal/farm"
	"loom/internal/options"
	"loom/internal/store"
	"loom/internal/tracker"
)

// Version is the current loom CLI version.
var Version = "0.3.1"

const (
	stateKey     = "request-graph"
	fileStatsKey = "file-stats"
)

var (
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:     "loom",
	Short:   "Loom - incremental content-addressable builds",
	Long:    `Loom memoizes build requests in a persistent graph and re-executes only the requests whose observed inputs changed between runs.`,
	Version: Version,
}

var buildCmd = &cobra.Command{
	Use:   "build [path]",
	Short: "Run an incremental build of the project",
	Long: `Run an incremental build rooted at the given path (default: current
directory). Prior state is loaded from .loom/state.db, startup
invalidations are applied, and the resulting graph is saved back for
the next run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBuild,
}

var statusCmd = &cobra.Command{
	Use:   "status [path]",
	Short: "Report which requests are stale",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var stateCmd = &cobra.Command{
	Use:   "state [path]",
	Short: "Inspect the persisted build state",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runState,
}

var cleanCmd = &cobra.Command{
	Use:   "clean [path]",
	Short: "Discard the persisted build state",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runClean,
}

func newLogger(levelStr, formatStr string, w io.Writer) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if formatStr == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func projectRoot(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving project root: %w", err)
	}
	return root, nil
}

// openTracker loads persisted state and applies the startup
// invalidations: unpredictable requests, changed env vars, changed
// options.
func openTracker(root string, db *store.DB, logger *slog.Logger) (*tracker.Tracker, error) {
	opts := options.FromEnv(root)

	state, err := db.LoadState(stateKey)
	if err != nil && !errors.Is(err, store.ErrStateNotFound) {
		logger.Warn("discarding persisted state", "error", err)
		state = nil
	}

	t := tracker.New(tracker.Config{
		Farm:    farm.New(opts.Workers),
		Options: opts,
		Logger:  logger,
		State:   state,
	})

	t.InvalidateUnpredictableNodes()
	t.InvalidateEnvNodes(opts.Env)
	if err := t.InvalidateOptionNodes(opts.Values()); err != nil {
		return nil, err
	}

	// Without a live watcher between runs, synthesize the events a
	// watcher would have delivered from the last build's snapshot.
	prev, err := loadFileStats(db)
	if err != nil {
		logger.Warn("discarding file stat snapshot", "error", err)
		prev = nil
	}
	if events := build.DetectChanges(prev, t); len(events) > 0 {
		if t.RespondToFSEvents(events) {
			logger.Debug("filesystem changes detected", "events", len(events))
		}
	}
	return t, nil
}

func loadFileStats(db *store.DB) (map[string]build.FileStat, error) {
	blob, err := db.LoadState(fileStatsKey)
	if errors.Is(err, store.ErrStateNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stats map[string]build.FileStat
	if err := json.Unmarshal(blob, &stats); err != nil {
		return nil, fmt.Errorf("parsing file stat snapshot: %w", err)
	}
	return stats, nil
}

func saveFileStats(db *store.DB, t *tracker.Tracker) error {
	blob, err := json.Marshal(build.SnapshotStats(t.WatchedFilePaths()))
	if err != nil {
		return err
	}
	return db.SaveState(fileStatsKey, blob)
}

func runBuild(cmd *cobra.Command, args []string) error {
	logger := newLogger(flagLogLevel, flagLogFormat, cmd.ErrOrStderr())

	root, err := projectRoot(args)
	if err != nil {
		return err
	}

	db, err := store.Open(root)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := openTracker(root, db, logger)
	if err != nil {
		return err
	}

	req, err := build.NewBuildRequest(db, build.BuildRequestInput{ProjectRoot: root})
	if err != nil {
		return err
	}

	value, err := t.RunRequest(cmd.Context(), req)
	if err != nil {
		return err
	}

	state, err := t.Serialize()
	if err != nil {
		return fmt.Errorf("serializing build state: %w", err)
	}
	if err := db.SaveState(stateKey, state); err != nil {
		return err
	}
	if err := saveFileStats(db, t); err != nil {
		return err
	}

	result, err := build.DecodeBuildResult(value)
	if err != nil {
		return err
	}
	logger.Info("build finished", "assets", len(result.Assets), "config", result.ConfigPath)
	for _, asset := range result.Assets {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", asset.Digest[:12], asset.Path)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := newLogger(flagLogLevel, flagLogFormat, cmd.ErrOrStderr())

	root, err := projectRoot(args)
	if err != nil {
		return err
	}

	db, err := store.Open(root)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := openTracker(root, db, logger)
	if err != nil {
		return err
	}

	invalid := t.GetInvalidRequests()
	if len(invalid) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "all requests up to date")
		return nil
	}
	for _, record := range invalid {
		fmt.Fprintf(cmd.OutOrStdout(), "stale  %s  %s\n", record.Type, record.ID[:12])
	}
	return nil
}

func runState(cmd *cobra.Command, args []string) error {
	root, err := projectRoot(args)
	if err != nil {
		return err
	}

	db, err := store.Open(root)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "states:        %d\n", stats.States)
	fmt.Fprintf(cmd.OutOrStdout(), "file digests:  %d\n", stats.Digests)

	state, err := db.LoadState(stateKey)
	if errors.Is(err, store.ErrStateNotFound) {
		fmt.Fprintln(cmd.OutOrStdout(), "request graph: none")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "request graph: %d bytes\n", len(state))
	return nil
}

func runClean(cmd *cobra.Command, args []string) error {
	root, err := projectRoot(args)
	if err != nil {
		return err
	}

	db, err := store.Open(root)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.DeleteState(stateKey); err != nil {
		return err
	}
	if err := db.DeleteState(fileStatsKey); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "state cleared")
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(cleanCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
