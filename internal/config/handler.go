// SPDX-License-Identifier: MPL-2.0

package config

import (
	"strings"

	"github.com/invowk/sockserve/internal/handler"
	"github.com/invowk/sockserve/internal/issue"

	"github.com/charmbracelet/log"
)

// ResolveHandler resolves the configured handler in reg (the built-in
// registry when nil). A failure is logged and returned; a nil handler is
// never returned without an error.
func (c SocketServerConfig) ResolveHandler(reg *handler.Registry, logger *log.Logger) (handler.Handler, error) {
	if reg == nil {
		reg = handler.DefaultRegistry()
	}
	name := c.ConnectionHandler
	if strings.TrimSpace(name) == "" {
		name = DefaultConnectionHandler
	}

	h, err := reg.Lookup(name)
	if err != nil {
		if logger != nil {
			logger.Error("cannot resolve connection handler", "handler", name, "error", err)
		}
		return nil, issue.NewErrorContext().
			WithOperation("resolve connection handler").
			WithResource(name).
			WithIssue(issue.UnknownHandlerId).
			WithSuggestion("Run 'sockserve handlers' to list the available handlers").
			Wrap(err).
			BuildError()
	}
	return h, nil
}
