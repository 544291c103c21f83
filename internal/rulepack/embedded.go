package rulepack

import _ "embed"

//go:embed default_pack.yaml
var defaultPackYAML []byte

// LoadDefault compiles the embedded rule pack shipped with the binary.
// Used when no pack path is configured.
func LoadDefault() (*Pack, error) {
	return Parse(defaultPackYAML)
}
