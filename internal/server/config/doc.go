// Package config provides server configuration for dps-server.
//
// This package defines the server configuration structure and validation:
//
//   - config.go: ServerConfig struct definition
//   - default.go: Default configuration values
//   - verify.go: Validation (addresses, limits, replication factor, log level)
//   - cluster.go, engine.go: Conversion to component configs
//   - sanitize.go: Log sanitization (hide the gossip key)
//
// Configuration is loaded via internal/infra/confloader from a YAML file
// and DPS_ prefixed environment variables.
package config
