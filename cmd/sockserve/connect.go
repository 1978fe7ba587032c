// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/invowk/sockserve/internal/connection"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

func newConnectCommand(app *App) *cobra.Command {
	var timeout time.Duration
	connectCmd := &cobra.Command{
		Use:   "connect <address>",
		Short: "Open an interactive line session with a server",
		Long: `Open an interactive session: every line typed is sent to the server and
everything the server writes is printed. Ctrl-D ends the session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, app, args[0], timeout)
		},
	}
	connectCmd.Flags().DurationVar(&timeout, "timeout", defaultSendTimeout, "dial timeout")
	return connectCmd
}

func runConnect(cmd *cobra.Command, app *App, address string, timeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	conn := connection.NewDialConn("tcp", address)
	if err := conn.Connect(dialCtx); err != nil {
		return err
	}
	defer conn.Close()
	in, err := conn.InputStream()
	if err != nil {
		return err
	}
	out, err := conn.OutputStream()
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          address + "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	received := make(chan error, 1)
	go func() {
		_, err := io.Copy(rl.Stdout(), in)
		received <- err
		// Wake Readline once the server has closed the connection.
		_ = rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			break
		}
		if _, err := io.WriteString(out, line+"\n"); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}

	_ = conn.CloseWrite()
	select {
	case err := <-received:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("read: %w", err)
		}
	case <-time.After(timeout):
	}
	fmt.Fprintln(app.stderr, SubtitleStyle.Render("connection closed"))
	return nil
}
