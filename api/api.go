// Package api embeds the published OpenAPI document.
package api

import "embed"

//go:embed openapi.yaml
var FS embed.FS
