package workflow

import "embed"

// builtinTemplates holds the pipeline templates bundled with the binary.
//
//go:embed templates/*.yaml
var builtinTemplates embed.FS
