package config

import "embed"

const policySchemaFile = "schema/lifecycle_policy.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
