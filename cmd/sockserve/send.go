// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/invowk/sockserve/internal/connection"

	"github.com/spf13/cobra"
)

const defaultSendTimeout = 5 * time.Second

func newSendCommand(app *App) *cobra.Command {
	var (
		timeout time.Duration
		newline bool
	)
	sendCmd := &cobra.Command{
		Use:   "send <address> <message...>",
		Short: "Send a message to a server and print the reply",
		Long: `Send a message to a socket server, half-close the connection and print
everything the server writes back before it closes.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := strings.Join(args[1:], " ")
			if newline {
				msg += "\n"
			}
			reply, err := send(cmd.Context(), args[0], msg, timeout)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(reply))
			if !strings.HasSuffix(string(reply), "\n") {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	sendCmd.Flags().DurationVar(&timeout, "timeout", defaultSendTimeout, "dial timeout and per read or write idle timeout")
	sendCmd.Flags().BoolVarP(&newline, "newline", "n", false, "terminate the message with a newline")
	return sendCmd
}

// send writes msg to address, half-closes the connection and returns the reply.
func send(ctx context.Context, address, msg string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := connection.NewDialConn("tcp", address, connection.WithIdleTimeout(timeout))
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	defer c.Close()

	out, err := c.OutputStream()
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(out, msg); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	if err := c.CloseWrite(); err != nil {
		return nil, fmt.Errorf("half-close: %w", err)
	}

	in, err := c.InputStream()
	if err != nil {
		return nil, err
	}
	reply, err := io.ReadAll(in)
	if err != nil {
		return reply, fmt.Errorf("read: %w", err)
	}
	return reply, nil
}
