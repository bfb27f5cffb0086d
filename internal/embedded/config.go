// Package embedded holds files compiled into the binary.
package embedded

import _ "embed"

// DefaultConfigTemplate is the commented config written by --init.
//
//go:embed config.example.yaml
var DefaultConfigTemplate []byte
