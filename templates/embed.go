// Package templates embeds the default daemon configuration and an example unit file.
package templates

import "embed"

//go:embed config.yaml units
var FS embed.FS
