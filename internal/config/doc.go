// Package config loads, normalizes, and validates the TOML configuration for
// the vidharvest daemon. It owns path expansion, directory creation, and the
// embedded sample configuration used by "config init".
package config
