// Package api embeds the OpenAPI description served by the HTTP API.
package api

import "embed"

const (
	// Title matches info.title in openapi.yaml.
	Title = "Future Self API"
	// SpecFile is the document's name inside FS.
	SpecFile = "openapi.yaml"
	// SpecPath is where the HTTP API serves SpecFile.
	SpecPath = "/" + SpecFile
)

//go:embed openapi.yaml
var FS embed.FS
