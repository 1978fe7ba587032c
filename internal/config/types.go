// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/invowk/sockserve/internal/dispatch"
	"github.com/invowk/sockserve/internal/handler"
)

const (
	// DefaultServerPort lets the operating system choose a free port.
	DefaultServerPort = 0
	// DefaultActiveConnections is the worker pool size.
	DefaultActiveConnections = 5
	// DefaultSocketQueueSize is the listen backlog.
	DefaultSocketQueueSize = 20
	// DefaultHandlerQueueSize is the dispatcher queue capacity.
	DefaultHandlerQueueSize = 10
	// DefaultSocketTimeout is the accept and idle timeout in milliseconds.
	DefaultSocketTimeout = 30000
	// DefaultShutdownTimeout bounds the pool drain on destroy, in milliseconds.
	DefaultShutdownTimeout = 10000
	// DefaultConnectionHandler is the registry name of the default handler.
	DefaultConnectionHandler = handler.NameEcho

	// DefaultSSHHost is the SSH front bind host.
	DefaultSSHHost = "127.0.0.1"
	// DefaultSSHPort is the SSH front port.
	DefaultSSHPort = 2222

	// DefaultControlAddress is the control plane bind address.
	DefaultControlAddress = "127.0.0.1:7070"

	// DefaultAnnounceInstance is the mDNS instance name prefix; the host name
	// is appended when no instance is configured.
	DefaultAnnounceInstance = "sockserve"
)

// ErrInvalidConfig is the sentinel wrapped by InvalidConfigError and schema failures.
var ErrInvalidConfig = errors.New("invalid config")

type (
	// Config is the root configuration.
	Config struct {
		SocketServer SocketServerConfig `json:"socketserver" mapstructure:"socketserver" toml:"socketserver"`
		SSH          SSHConfig          `json:"sshfront" mapstructure:"sshfront" toml:"sshfront"`
		Control      ControlConfig      `json:"control" mapstructure:"control" toml:"control"`
		Announce     AnnounceConfig     `json:"announce" mapstructure:"announce" toml:"announce"`
	}

	// SocketServerConfig holds the socketserver.* keys.
	SocketServerConfig struct {
		// ServerHost is the bind host; empty binds every interface.
		ServerHost string `json:"serverhost" mapstructure:"serverhost" toml:"serverhost"`
		// ServerPort is the bind port; 0 picks a free port.
		ServerPort int `json:"serverport" mapstructure:"serverport" toml:"serverport"`
		// ActiveConnections is the number of pool workers.
		ActiveConnections int `json:"activeconnections" mapstructure:"activeconnections" toml:"activeconnections"`
		// SocketQueueSize is the listen backlog.
		SocketQueueSize int `json:"socketqueuesize" mapstructure:"socketqueuesize" toml:"socketqueuesize"`
		// HandlerQueueSize is the dispatcher queue capacity.
		HandlerQueueSize int `json:"handlerqueuesize" mapstructure:"handlerqueuesize" toml:"handlerqueuesize"`
		// SocketTimeout is in milliseconds; 0 disables deadlines.
		SocketTimeout int `json:"sockettimeout" mapstructure:"sockettimeout" toml:"sockettimeout"`
		// ConnectionHandler is a handler registry name.
		ConnectionHandler string `json:"connectionhandler" mapstructure:"connectionhandler" toml:"connectionhandler"`
		// Backpressure is the dispatcher policy when the queue is full.
		Backpressure string `json:"backpressure" mapstructure:"backpressure" toml:"backpressure"`
		// ShutdownTimeout is in milliseconds; 0 waits forever.
		ShutdownTimeout int `json:"shutdowntimeout" mapstructure:"shutdowntimeout" toml:"shutdowntimeout"`
	}

	// SSHConfig holds the sshfront.* keys.
	SSHConfig struct {
		Enabled     bool   `json:"enabled" mapstructure:"enabled" toml:"enabled"`
		Host        string `json:"host" mapstructure:"host" toml:"host"`
		Port        int    `json:"port" mapstructure:"port" toml:"port"`
		Password    string `json:"password" mapstructure:"password" toml:"password,omitempty"`
		HostKeyPath string `json:"hostkeypath" mapstructure:"hostkeypath" toml:"hostkeypath,omitempty"`
	}

	// ControlConfig holds the control.* keys.
	ControlConfig struct {
		Enabled bool   `json:"enabled" mapstructure:"enabled" toml:"enabled"`
		Address string `json:"address" mapstructure:"address" toml:"address"`
		Token   string `json:"token" mapstructure:"token" toml:"token,omitempty"`
	}

	// AnnounceConfig holds the announce.* keys (mDNS advertisement).
	AnnounceConfig struct {
		Enabled bool `json:"enabled" mapstructure:"enabled" toml:"enabled"`
		// Instance is the advertised instance name; empty derives one from the host name.
		Instance string `json:"instance" mapstructure:"instance" toml:"instance,omitempty"`
		// Interface restricts the advertisement to one network interface.
		Interface string `json:"interface" mapstructure:"interface" toml:"interface,omitempty"`
	}

	// InvalidConfigError reports a field that fails validation.
	// It wraps ErrInvalidConfig for errors.Is() compatibility.
	InvalidConfigError struct {
		Key    string
		Value  any
		Reason string
	}
)

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		SocketServer: SocketServerConfig{
			ServerPort:        DefaultServerPort,
			ActiveConnections: DefaultActiveConnections,
			SocketQueueSize:   DefaultSocketQueueSize,
			HandlerQueueSize:  DefaultHandlerQueueSize,
			SocketTimeout:     DefaultSocketTimeout,
			ConnectionHandler: DefaultConnectionHandler,
			Backpressure:      string(dispatch.PolicyBlock),
			ShutdownTimeout:   DefaultShutdownTimeout,
		},
		SSH: SSHConfig{
			Host: DefaultSSHHost,
			Port: DefaultSSHPort,
		},
		Control: ControlConfig{
			Address: DefaultControlAddress,
		},
	}
}

// Validate checks the constraints CUE cannot express in terms of the
// resolved Go values.
func (c *Config) Validate() error {
	return errors.Join(c.SocketServer.Validate(), c.SSH.Validate())
}

// Validate checks value ranges and the backpressure policy.
func (c SocketServerConfig) Validate() error {
	var errs []error
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		errs = append(errs, &InvalidConfigError{Key: "socketserver.serverport", Value: c.ServerPort, Reason: "must be between 0 and 65535"})
	}
	for key, v := range map[string]int{
		"socketserver.activeconnections": c.ActiveConnections,
		"socketserver.socketqueuesize":   c.SocketQueueSize,
		"socketserver.handlerqueuesize":  c.HandlerQueueSize,
	} {
		if v < 1 {
			errs = append(errs, &InvalidConfigError{Key: key, Value: v, Reason: "must be positive"})
		}
	}
	if c.SocketTimeout < 0 {
		errs = append(errs, &InvalidConfigError{Key: "socketserver.sockettimeout", Value: c.SocketTimeout, Reason: "must not be negative"})
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, &InvalidConfigError{Key: "socketserver.shutdowntimeout", Value: c.ShutdownTimeout, Reason: "must not be negative"})
	}
	if _, err := dispatch.ParsePolicy(c.Backpressure); err != nil {
		errs = append(errs, &InvalidConfigError{Key: "socketserver.backpressure", Value: c.Backpressure, Reason: err.Error()})
	}
	return errors.Join(errs...)
}

// Address returns the host:port bind address.
func (c SocketServerConfig) Address() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

// SocketTimeoutDuration returns SocketTimeout as a time.Duration.
func (c SocketServerConfig) SocketTimeoutDuration() time.Duration {
	return time.Duration(c.SocketTimeout) * time.Millisecond
}

// ShutdownTimeoutDuration returns ShutdownTimeout as a time.Duration.
func (c SocketServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Millisecond
}

// PoolConfig returns the dispatcher settings. An unparsable policy falls
// back to blocking; Validate reports it.
func (c SocketServerConfig) PoolConfig() dispatch.Config {
	policy, err := dispatch.ParsePolicy(c.Backpressure)
	if err != nil {
		policy = dispatch.PolicyBlock
	}
	return dispatch.Config{
		Size:      c.ActiveConnections,
		QueueSize: c.HandlerQueueSize,
		Policy:    policy,
	}
}

// Validate checks the SSH front port when enabled.
func (c SSHConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Port < 0 || c.Port > 65535 {
		return &InvalidConfigError{Key: "sshfront.port", Value: c.Port, Reason: "must be between 0 and 65535"}
	}
	return nil
}

// Address returns the SSH front host:port.
func (c SSHConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Error implements the error interface for InvalidConfigError.
func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("%s: invalid value %v: %s", e.Key, e.Value, e.Reason)
}

// Unwrap returns ErrInvalidConfig for errors.Is() compatibility.
func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }
