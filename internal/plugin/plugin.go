package plugin

import "embed"

var (
	//go:embed transform
	// Default transform plugins. These are the default set of transform plugins that are embedded in the binary.
	EmbeddedDefaultTransformPlugins embed.FS
)
