// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// GenerateCUE renders cfg as a CUE configuration file.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// sockserve configuration\n")
	sb.WriteString("// Durations are milliseconds.\n\n")

	s := cfg.SocketServer
	sb.WriteString("socketserver: {\n")
	fmt.Fprintf(&sb, "\tserverhost:        %q\n", s.ServerHost)
	fmt.Fprintf(&sb, "\tserverport:        %d\n", s.ServerPort)
	fmt.Fprintf(&sb, "\tactiveconnections: %d\n", s.ActiveConnections)
	fmt.Fprintf(&sb, "\tsocketqueuesize:   %d\n", s.SocketQueueSize)
	fmt.Fprintf(&sb, "\thandlerqueuesize:  %d\n", s.HandlerQueueSize)
	fmt.Fprintf(&sb, "\tsockettimeout:     %d\n", s.SocketTimeout)
	fmt.Fprintf(&sb, "\tconnectionhandler: %q\n", s.ConnectionHandler)
	fmt.Fprintf(&sb, "\tbackpressure:      %q\n", s.Backpressure)
	fmt.Fprintf(&sb, "\tshutdowntimeout:   %d\n", s.ShutdownTimeout)
	sb.WriteString("}\n")

	sb.WriteString("\nsshfront: {\n")
	fmt.Fprintf(&sb, "\tenabled: %v\n", cfg.SSH.Enabled)
	fmt.Fprintf(&sb, "\thost:    %q\n", cfg.SSH.Host)
	fmt.Fprintf(&sb, "\tport:    %d\n", cfg.SSH.Port)
	if cfg.SSH.HostKeyPath != "" {
		fmt.Fprintf(&sb, "\thostkeypath: %q\n", cfg.SSH.HostKeyPath)
	}
	sb.WriteString("}\n")

	sb.WriteString("\ncontrol: {\n")
	fmt.Fprintf(&sb, "\tenabled: %v\n", cfg.Control.Enabled)
	fmt.Fprintf(&sb, "\taddress: %q\n", cfg.Control.Address)
	sb.WriteString("}\n")

	sb.WriteString("\nannounce: {\n")
	fmt.Fprintf(&sb, "\tenabled: %v\n", cfg.Announce.Enabled)
	if cfg.Announce.Instance != "" {
		fmt.Fprintf(&sb, "\tinstance: %q\n", cfg.Announce.Instance)
	}
	if cfg.Announce.Interface != "" {
		fmt.Fprintf(&sb, "\tinterface: %q\n", cfg.Announce.Interface)
	}
	sb.WriteString("}\n")

	return sb.String()
}

// ToTOML renders cfg as TOML. Secrets are left out.
func ToTOML(cfg *Config) ([]byte, error) {
	redacted := *cfg
	redacted.SSH.Password = ""
	redacted.Control.Token = ""
	out, err := toml.Marshal(redacted)
	if err != nil {
		return nil, fmt.Errorf("marshal config to TOML: %w", err)
	}
	return out, nil
}
