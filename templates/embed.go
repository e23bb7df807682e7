// Package templates embeds the default configuration and agent instruction
// files written into a fresh data directory by `macroplan init`.
package templates

import "embed"

//go:embed config.yaml instructions
var FS embed.FS
