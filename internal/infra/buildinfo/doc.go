// Package buildinfo provides build information for dps-server.
//
// This package exposes build-time information injected via ldflags:
//
//   - Version: Semantic version (e.g., "1.0.0")
//   - Commit: Git commit hash
//   - BuildTime: Build timestamp
//   - GoVersion: Go compiler version
//
// Commit, BuildTime and GoVersion fall back to the values the Go toolchain
// records in the binary.
package buildinfo
