// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for sockserve.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/invowk/sockserve/internal/config"
	"github.com/invowk/sockserve/internal/handler"
	"github.com/invowk/sockserve/internal/issue"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

type (
	// App wires CLI services and shared dependencies. Every command handler
	// receives the App and reads configuration and handlers through it.
	App struct {
		Config   config.Provider
		Handlers *handler.Registry
		stdout   io.Writer
		stderr   io.Writer

		verbose bool
		cfgFile string
	}

	// Dependencies defines the injection points for building an App. Nil
	// fields are replaced with production defaults by NewApp.
	Dependencies struct {
		Config   config.Provider
		Handlers *handler.Registry
		Stdout   io.Writer
		Stderr   io.Writer
	}
)

// NewApp creates an App from deps.
func NewApp(deps Dependencies) *App {
	app := &App{
		Config:   deps.Config,
		Handlers: deps.Handlers,
		stdout:   deps.Stdout,
		stderr:   deps.Stderr,
	}
	if app.Config == nil {
		app.Config = config.NewProvider()
	}
	if app.Handlers == nil {
		app.Handlers = handler.DefaultRegistry()
	}
	if app.stdout == nil {
		app.stdout = os.Stdout
	}
	if app.stderr == nil {
		app.stderr = os.Stderr
	}
	return app
}

// NewRootCommand builds the sockserve command tree.
func NewRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sockserve",
		Short: "A lifecycle-managed TCP socket server",
		Long: TitleStyle.Render("sockserve") + SubtitleStyle.Render(" - A lifecycle-managed TCP socket server") + `

sockserve accepts TCP connections and hands each one to a connection
handler running on a bounded worker pool. The server can be suspended,
resumed and stopped at runtime through signals or the HTTP control plane,
and the same handler can be exposed over SSH.

` + SubtitleStyle.Render("Examples:") + `
  sockserve serve --port 7000            Serve the echo handler on port 7000
  sockserve send 127.0.0.1:7000 hello    Send a message and print the reply
  sockserve ctl state                    Show the state of a running server
  sockserve config show                  Show the effective configuration`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(app.stdout)
	rootCmd.SetErr(app.stderr)

	rootCmd.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&app.cfgFile, "config", "", "config file (.properties, .cue, .toml or .yaml)")

	rootCmd.AddCommand(
		newServeCommand(app),
		newSendCommand(app),
		newConfigCommand(app),
		newCtlCommand(app),
		newHandlersCommand(app),
		newDiscoverCommand(app),
		newConnectCommand(app),
	)
	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	app := NewApp(Dependencies{})
	if err := fang.Execute(
		context.Background(),
		NewRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
	); err != nil {
		app.renderIssue(err)
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// loadConfig loads the configuration honoring --config and extra properties.
func (a *App) loadConfig(ctx context.Context, props map[string]string) (*config.Config, string, error) {
	return a.Config.Load(ctx, config.LoadOptions{
		ConfigFilePath: a.cfgFile,
		Properties:     props,
	})
}

// newLogger returns the CLI logger; --verbose enables debug output.
func (a *App) newLogger() *log.Logger {
	level := log.InfoLevel
	if a.verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(a.stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})
}

// renderIssue prints the catalog entry linked to an actionable error.
func (a *App) renderIssue(err error) {
	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		return
	}
	entry := ae.CatalogIssue()
	if entry == nil {
		return
	}
	rendered, renderErr := entry.Render("dark")
	if renderErr != nil {
		return
	}
	fmt.Fprint(a.stderr, rendered)
}

// formatErrorForDisplay formats an error for user display.
// If the error is an ActionableError, it uses the Format method.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}
