// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/invowk/sockserve/internal/announce"

	"github.com/spf13/cobra"
)

func newDiscoverCommand(app *App) *cobra.Command {
	var timeout time.Duration
	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Find servers advertised on the local network",
		Long:  `Browse mDNS for servers started with serve --announce and list them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			entries, err := announce.Browse(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, SubtitleStyle.Render("no servers found"))
				return nil
			}
			for _, e := range entries {
				addr := e.Host
				if len(e.Addrs) > 0 {
					addr = e.Addrs[0]
				}
				fmt.Fprintf(out, "%s %s", TitleStyle.Render(e.Instance),
					CmdStyle.Render(net.JoinHostPort(strings.TrimSuffix(addr, "."), strconv.Itoa(e.Port))))
				if h := e.Text["handler"]; h != "" {
					fmt.Fprintf(out, " %s", SubtitleStyle.Render("handler="+h))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	discoverCmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "how long to listen for announcements")
	return discoverCmd
}
