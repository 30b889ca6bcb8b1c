// Package confloader loads layered configuration and watches the config
// file for changes.
//
// Priority (highest to lowest):
//
//  1. Overrides (WithOverrides, from command line flags)
//  2. Environment variables (DPS_ prefix)
//  3. Configuration file (YAML)
//  4. Default values already present in the target struct
package confloader
