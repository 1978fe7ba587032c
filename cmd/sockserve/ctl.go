// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"os"

	"github.com/invowk/sockserve/internal/config"
	"github.com/invowk/sockserve/internal/control"
	"github.com/invowk/sockserve/internal/service"
	"github.com/invowk/sockserve/internal/socketserver"

	"github.com/spf13/cobra"
)

type ctlFlags struct {
	addr  string
	token string
}

// client builds a control client from flags, falling back to the
// SOCKSERVE_CONTROL_* environment.
func (f *ctlFlags) client() (*control.Client, error) {
	addr, token := f.addr, f.token
	if addr == "" {
		addr = os.Getenv(control.EnvControlAddr)
	}
	if addr == "" {
		addr = config.DefaultControlAddress
	}
	if token == "" {
		token = os.Getenv(control.EnvControlToken)
	}
	if err := control.AuthToken(token).Validate(); err != nil {
		return nil, fmt.Errorf("a control token is required (--token or %s): %w", control.EnvControlToken, err)
	}
	return control.NewClient(addr, control.AuthToken(token)), nil
}

func newCtlCommand(app *App) *cobra.Command {
	var flags ctlFlags
	ctlCmd := &cobra.Command{
		Use:   "ctl",
		Short: "Drive a running server through its control plane",
		Long: `Drive a running server through its control plane.

The server must run with the control plane enabled (serve --control).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	ctlCmd.PersistentFlags().StringVar(&flags.addr, "addr", "", "control plane address (default "+config.DefaultControlAddress+")")
	ctlCmd.PersistentFlags().StringVar(&flags.token, "token", "", "control plane token")

	ctlCmd.AddCommand(&cobra.Command{
		Use:   "state [service]",
		Short: "Show service states",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			var statuses []control.ServiceStatus
			if len(args) == 1 {
				st, err := c.Service(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				statuses = []control.ServiceStatus{st}
			} else if statuses, err = c.Services(cmd.Context()); err != nil {
				return err
			}
			for _, st := range statuses {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", TitleStyle.Render(st.Name), stateStyle(st.State).Render(st.State))
			}
			return nil
		},
	})

	for _, t := range service.Transitions() {
		if t == service.TransitionInitialize {
			continue
		}
		ctlCmd.AddCommand(newTransitionCommand(&flags, t.String()))
	}
	return ctlCmd
}

func newTransitionCommand(flags *ctlFlags, transition string) *cobra.Command {
	return &cobra.Command{
		Use:   transition + " [service]",
		Short: "Apply the " + transition + " transition (default service: " + socketserver.DefaultName + ")",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := socketserver.DefaultName
			if len(args) == 1 {
				name = args[0]
			}
			c, err := flags.client()
			if err != nil {
				return err
			}
			resp, err := c.Apply(cmd.Context(), name, transition)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s -> %s\n",
				SuccessStyle.Render("✓"), TitleStyle.Render(resp.Name),
				stateStyle(resp.From).Render(resp.From), stateStyle(resp.State).Render(resp.State))
			return nil
		},
	}
}
