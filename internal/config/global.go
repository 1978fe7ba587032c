// SPDX-License-Identifier: MPL-2.0

package config

// configDirOverride replaces ConfigDir in tests, since os.UserHomeDir does not
// reliably honor HOME on every platform.
var configDirOverride string

// Reset clears test overrides.
func Reset() {
	configDirOverride = ""
}

// SetConfigDirOverride makes ConfigDir return dir.
func SetConfigDirOverride(dir string) {
	configDirOverride = dir
}
