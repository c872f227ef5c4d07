// Package api embeds the OpenAPI document for the agent's operational
// endpoints, served at /openapi.yaml.
package api

import _ "embed"

// OpenAPISpec is the raw OpenAPI 3.1 YAML document.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
