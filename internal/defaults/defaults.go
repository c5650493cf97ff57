// Package defaults provides an embedded copy of the example
// configuration for the mcphost init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte
