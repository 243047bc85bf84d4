// Package cli implements the cobra-based commands of worktree-session.
//
// Each subcommand lives in its own file. This file defines the root command,
// the global flags and the shared plumbing: loading settings, initialising
// the logger, starting the application and translating errors into exit
// codes.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-session/internal/app"
	"github.com/shinji-kodama/worktree-session/internal/config"
	"github.com/shinji-kodama/worktree-session/internal/logger"
	"github.com/shinji-kodama/worktree-session/internal/model"
)

// Global flag values, bound to persistent flags on the root command.
var (
	// jsonOutput switches every command to structured JSON on stdout.
	jsonOutput bool

	// verbose lowers the log level to debug and mirrors records to stderr.
	verbose bool

	// configPath overrides config.DefaultPath.
	configPath string
)

// Version, Commit and Date are injected from the main package.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "worktree-session",
		Short: "Git worktree and terminal session manager",
		Long: `worktree-session manages the Git worktrees of a repository together with
the terminal sessions attached to them.

Each worktree can host at most one live session, run either on a local
pseudo-terminal or inside a container built from the worktree's
devcontainer.json. Removing a worktree stops its session first.`,

		// Errors are printed by Execute in text or JSON form.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the config file (default: user config dir)")

	rootCmd.AddCommand(
		NewRegisterCommand(),
		NewListCommand(),
		NewCreateCommand(),
		NewRemoveCommand(),
		NewPruneCommand(),
		NewOpenCommand(),
		NewRecentCommand(),
		NewBranchesCommand(),
	)
	return rootCmd
}

// Execute runs the root command and exits with the code carried by the
// returned error.
func Execute(rootCmd *cobra.Command) {
	err := rootCmd.Execute()
	logger.Close()
	if err == nil {
		return
	}

	cliErr := toCLIError(err)
	printError(os.Stderr, cliErr)
	os.Exit(int(cliErr.Code))
}

// toCLIError gives every error an exit code. Domain errors carry a kind;
// anything else is a general error.
func toCLIError(err error) *model.CLIError {
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		return cliErr
	}
	if errors.Is(err, app.ErrDockerNotRunning) {
		return model.WrapCLIError(model.ExitDockerNotRunning, "docker is not available", err)
	}
	if model.KindOf(err) != "" {
		return model.WrapKind("command failed", err)
	}
	return model.WrapCLIError(model.ExitGeneralError, err.Error(), nil)
}

// printError writes err to w as "Error: ..." or, with --json, as an error
// object.
func printError(w io.Writer, err *model.CLIError) {
	if !jsonOutput {
		fmt.Fprintf(w, "Error: %s\n", err.Error())
		return
	}

	body := map[string]any{
		"message": err.Message,
		"code":    int(err.Code),
	}
	if err.Err != nil {
		body["detail"] = err.Err.Error()
	}
	if kind := model.KindOf(err); kind != "" {
		body["kind"] = string(kind)
	}
	data, _ := json.MarshalIndent(map[string]any{"error": body}, "", "  ")
	fmt.Fprintln(w, string(data))
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// loadStore opens the config file named by --config or the default path.
func loadStore() (*config.Store, error) {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, err
		}
	}
	store, err := config.Load(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to load config", err)
	}
	return store, nil
}

// initLogger sends log records to the configured file, next to the config
// file by default. With --verbose they are mirrored to stderr at debug
// level.
func initLogger(store *config.Store) {
	cfg := store.Config()
	level := logger.ParseLevel(cfg.LogLevel)
	var mirror io.Writer
	if verbose {
		level = slog.LevelDebug
		mirror = os.Stderr
	}

	path := cfg.LogFile
	if path == "" {
		path = filepath.Join(filepath.Dir(store.Path()), "worktree-session.log")
	}
	if err := logger.Init(path, level, mirror); err != nil {
		// Logging must never stop a command from running.
		if mirror == nil {
			mirror = io.Discard
		}
		logger.InitWriter(mirror, level)
	}
}

// startApp loads the settings and starts the application. The returned
// stop function closes it with app.DefaultShutdownTimeout.
func startApp(ctx context.Context) (*app.App, func(), error) {
	store, err := loadStore()
	if err != nil {
		return nil, nil, err
	}
	initLogger(store)

	a, err := app.New(ctx, store)
	if err != nil {
		return nil, nil, err
	}
	stop := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), app.DefaultShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.WithComponent("cli").Warn("shutdown incomplete", "error", err)
		}
	}
	return a, stop, nil
}
