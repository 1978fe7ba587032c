// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/invowk/sockserve/internal/config"

	"github.com/spf13/cobra"
)

func newHandlersCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List the registered connection handlers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, TitleStyle.Render("Connection handlers"))
			for _, name := range app.Handlers.Names() {
				if name == config.DefaultConnectionHandler {
					fmt.Fprintf(out, "  %s %s\n", CmdStyle.Render(name), SubtitleStyle.Render("(default)"))
					continue
				}
				fmt.Fprintf(out, "  %s\n", CmdStyle.Render(name))
			}
			return nil
		},
	}
}
