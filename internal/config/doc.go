// SPDX-License-Identifier: MPL-2.0

// Package config loads the socket server configuration with Viper.
//
// Sources are merged in this order, later ones winning: built-in defaults, a
// configuration file (.properties, .cue, .toml or .yaml), an explicit property
// map and SOCKSERVE_* environment variables. Every loaded configuration is
// validated against the embedded CUE schema (config_schema.cue).
package config
