// SPDX-License-Identifier: MPL-2.0

package config

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/invowk/sockserve/internal/issue"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"
)

const (
	// AppName is the application name.
	AppName = "sockserve"
	// EnvPrefix prefixes environment overrides, e.g. SOCKSERVE_SOCKETSERVER_SERVERPORT.
	EnvPrefix = "SOCKSERVE"
	// ConfigFileName is the file name (without extension) searched in the
	// working directory.
	ConfigFileName = "sockserve"
	// MaxFileSize is the largest configuration file accepted.
	MaxFileSize = 1 << 20
)

// SupportedExtensions lists the configuration file extensions in search order.
var SupportedExtensions = []string{".cue", ".properties", ".toml", ".yaml", ".yml"}

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns the sockserve configuration directory using platform
// conventions: %APPDATA% on Windows, ~/Library/Application Support on macOS
// and $XDG_CONFIG_HOME (default ~/.config) elsewhere.
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}

	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default:
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// FromMap builds a configuration from defaults, the given properties
// (keys like "socketserver.serverport") and environment overrides.
func FromMap(props map[string]string) (*Config, error) {
	cfg, _, err := loadWithOptions(context.Background(), LoadOptions{Properties: props, SkipFileSearch: true})
	return cfg, err
}

// FromProperties builds a configuration from a Java-style properties stream.
func FromProperties(r io.Reader) (*Config, error) {
	v := newViper()
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read properties: %w", err)
	}
	if err := checkFileSize(data, "properties"); err != nil {
		return nil, err
	}
	if err := mergeEncoded(v, "properties", data); err != nil {
		return nil, err
	}
	return decode(v, "properties")
}

// ValidateFile loads path on top of the defaults and validates the result.
func ValidateFile(ctx context.Context, path string) error {
	_, _, err := loadWithOptions(ctx, LoadOptions{ConfigFilePath: path})
	return err
}

// loadWithOptions performs option-driven loading and returns the resolved
// configuration file path ("" when only defaults, properties and environment
// were used).
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := newViper()

	resolvedPath := opts.ConfigFilePath
	if resolvedPath != "" {
		if !fileExists(resolvedPath) {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(resolvedPath).
				WithIssue(issue.ConfigLoadFailedId).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'sockserve config show' to see the default configuration").
				Wrap(fmt.Errorf("config file not found: %s", resolvedPath)).
				BuildError()
		}
	} else if !opts.SkipFileSearch {
		found, err := searchConfigFile(opts.ConfigDirPath)
		if err != nil {
			return nil, "", err
		}
		resolvedPath = found
	}

	if resolvedPath != "" {
		if err := readConfigFile(v, resolvedPath); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(resolvedPath).
				WithIssue(issue.ConfigLoadFailedId).
				WithSuggestion("Check the file syntax for its extension").
				WithSuggestion("Verify the values match the configuration schema").
				Wrap(err).
				BuildError()
		}
	}

	if len(opts.Properties) > 0 {
		if err := v.MergeConfigMap(nestProperties(opts.Properties)); err != nil {
			return nil, "", fmt.Errorf("failed to merge properties: %w", err)
		}
	}

	source := resolvedPath
	if source == "" {
		source = "properties"
	}
	cfg, err := decode(v, source)
	if err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(source).
			WithIssue(issue.ConfigInvalidId).
			Wrap(err).
			BuildError()
	}

	return cfg, resolvedPath, nil
}

// newViper returns a Viper instance carrying every default and reading
// SOCKSERVE_* environment overrides.
func newViper() *viper.Viper {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("socketserver.serverhost", defaults.SocketServer.ServerHost)
	v.SetDefault("socketserver.serverport", defaults.SocketServer.ServerPort)
	v.SetDefault("socketserver.activeconnections", defaults.SocketServer.ActiveConnections)
	v.SetDefault("socketserver.socketqueuesize", defaults.SocketServer.SocketQueueSize)
	v.SetDefault("socketserver.handlerqueuesize", defaults.SocketServer.HandlerQueueSize)
	v.SetDefault("socketserver.sockettimeout", defaults.SocketServer.SocketTimeout)
	v.SetDefault("socketserver.connectionhandler", defaults.SocketServer.ConnectionHandler)
	v.SetDefault("socketserver.backpressure", defaults.SocketServer.Backpressure)
	v.SetDefault("socketserver.shutdowntimeout", defaults.SocketServer.ShutdownTimeout)
	v.SetDefault("sshfront.enabled", defaults.SSH.Enabled)
	v.SetDefault("sshfront.host", defaults.SSH.Host)
	v.SetDefault("sshfront.port", defaults.SSH.Port)
	v.SetDefault("sshfront.password", defaults.SSH.Password)
	v.SetDefault("sshfront.hostkeypath", defaults.SSH.HostKeyPath)
	v.SetDefault("control.enabled", defaults.Control.Enabled)
	v.SetDefault("control.address", defaults.Control.Address)
	v.SetDefault("control.token", defaults.Control.Token)
	v.SetDefault("announce.enabled", defaults.Announce.Enabled)
	v.SetDefault("announce.instance", defaults.Announce.Instance)
	v.SetDefault("announce.interface", defaults.Announce.Interface)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// decode unmarshals v and validates the result in Go and against the schema.
func decode(v *viper.Viper, source string) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSchema(&cfg, source); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// searchConfigFile looks for ./sockserve.<ext> and then <config dir>/config.<ext>.
func searchConfigFile(configDirPath string) (string, error) {
	for _, ext := range SupportedExtensions {
		if p := ConfigFileName + ext; fileExists(p) {
			return p, nil
		}
	}

	cfgDir := configDirPath
	if cfgDir == "" {
		dir, err := ConfigDir()
		if err != nil {
			return "", err
		}
		cfgDir = dir
	}
	for _, ext := range SupportedExtensions {
		if p := filepath.Join(cfgDir, "config"+ext); fileExists(p) {
			return p, nil
		}
	}
	return "", nil
}

// readConfigFile merges the file at path into v according to its extension.
func readConfigFile(v *viper.Viper, path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".cue" {
		return loadCUEIntoViper(v, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := checkFileSize(data, path); err != nil {
		return err
	}

	switch ext {
	case ".properties", ".toml", ".yaml", ".yml":
		return mergeEncoded(v, strings.TrimPrefix(ext, "."), data)
	default:
		return fmt.Errorf("unsupported config file extension %q (supported: %s)", ext, strings.Join(SupportedExtensions, ", "))
	}
}

func mergeEncoded(v *viper.Viper, configType string, data []byte) error {
	v.SetConfigType(configType)
	if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to parse %s config: %w", configType, err)
	}
	return nil
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config
// schema and merges its contents into Viper. Fields are optional, so the
// file is validated non-concretely here; the merged result is validated
// concretely in decode.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := checkFileSize(data, path); err != nil {
		return err
	}

	ctx := cuecontext.New()
	schema, err := compileSchema(ctx)
	if err != nil {
		return err
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return formatCUEError(userValue.Err(), path)
	}

	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return formatCUEError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return formatCUEError(err, path)
	}

	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

// nestProperties turns {"a.b": "v"} into {"a": {"b": "v"}}.
func nestProperties(props map[string]string) map[string]any {
	root := make(map[string]any)
	for key, value := range props {
		parts := strings.Split(strings.ToLower(strings.TrimSpace(key)), ".")
		m := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := m[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				m[part] = child
			}
			m = child
		}
		m[parts[len(parts)-1]] = value
	}
	return root
}

func checkFileSize(data []byte, filename string) error {
	if len(data) > MaxFileSize {
		return fmt.Errorf("%s: file size %d bytes exceeds maximum %d bytes", filename, len(data), MaxFileSize)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
