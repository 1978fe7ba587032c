// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/invowk/sockserve/internal/config"

	"github.com/spf13/cobra"
)

const (
	formatCUE  = "cue"
	formatTOML = "toml"
)

// newConfigCommand creates the `sockserve config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect sockserve configuration",
		Long: `Inspect sockserve configuration.

Configuration is searched in this order:
  - the file given with --config
  - ./sockserve.{cue,properties,toml,yaml,yml}
  - <config dir>/config.{cue,properties,toml,yaml,yml}

SOCKSERVE_* environment variables override file values,
e.g. SOCKSERVE_SOCKETSERVER_SERVERPORT=7000.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := app.loadConfig(cmd.Context(), nil)
			if err != nil {
				return err
			}
			showConfig(cmd.OutOrStdout(), cfg, path)
			return nil
		},
	})

	var format string
	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Output the effective configuration as CUE or TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := app.loadConfig(cmd.Context(), nil)
			if err != nil {
				return err
			}
			switch format {
			case formatCUE:
				fmt.Fprint(cmd.OutOrStdout(), config.GenerateCUE(cfg))
			case formatTOML:
				out, err := config.ToTOML(cfg)
				if err != nil {
					return err
				}
				_, _ = cmd.OutOrStdout().Write(out)
			default:
				return fmt.Errorf("unknown format %q (want %s or %s)", format, formatCUE, formatTOML)
			}
			return nil
		},
	}
	dumpCmd.Flags().StringVarP(&format, "format", "f", formatCUE, "output format: cue or toml")
	cfgCmd.AddCommand(dumpCmd)

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ValidateFile(cmd.Context(), args[0]); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", ErrorStyle.Render("✗"), formatErrorForDisplay(err, app.verbose))
				return &ExitError{Code: 1, Err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s is valid\n", SuccessStyle.Render("✓"), args[0])
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the configuration directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.ConfigDir()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config directory: %s\n", dir)
			fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n", filepath.Join(dir, "config.cue"))
			return nil
		},
	})

	return cfgCmd
}

func showConfig(out io.Writer, cfg *config.Config, path string) {
	keyStyle := CmdStyle
	valueStyle := SuccessStyle

	fmt.Fprintln(out, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(out)
	if path != "" {
		fmt.Fprintf(out, "%s: %s\n", keyStyle.Render("Config file"), path)
	} else {
		fmt.Fprintf(out, "%s: %s\n", keyStyle.Render("Config file"), SubtitleStyle.Render("(using defaults)"))
	}

	s := cfg.SocketServer
	section := func(name string, rows [][2]string) {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "%s:\n", keyStyle.Render(name))
		for _, r := range rows {
			fmt.Fprintf(out, "  %s: %s\n", r[0], valueStyle.Render(r[1]))
		}
	}
	section("socketserver", [][2]string{
		{"serverhost", strconv.Quote(s.ServerHost)},
		{"serverport", strconv.Itoa(s.ServerPort)},
		{"activeconnections", strconv.Itoa(s.ActiveConnections)},
		{"socketqueuesize", strconv.Itoa(s.SocketQueueSize)},
		{"handlerqueuesize", strconv.Itoa(s.HandlerQueueSize)},
		{"sockettimeout", strconv.Itoa(s.SocketTimeout)},
		{"connectionhandler", s.ConnectionHandler},
		{"backpressure", s.Backpressure},
		{"shutdowntimeout", strconv.Itoa(s.ShutdownTimeout)},
	})
	section("sshfront", [][2]string{
		{"enabled", strconv.FormatBool(cfg.SSH.Enabled)},
		{"address", cfg.SSH.Address()},
		{"password", redact(cfg.SSH.Password)},
	})
	section("control", [][2]string{
		{"enabled", strconv.FormatBool(cfg.Control.Enabled)},
		{"address", cfg.Control.Address},
		{"token", redact(cfg.Control.Token)},
	})
}

func redact(secret string) string {
	if secret == "" {
		return "(not set)"
	}
	return "(set)"
}
