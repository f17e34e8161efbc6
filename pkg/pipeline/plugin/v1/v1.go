// package plugin has all the API to load pipeline transform plugins using Yaegi.
// It uses aliases and common types to easy the dynamic plugin load so we don't need
// to import this package as a library (remove dependencies/external libs from plugins).
package plugin

import "context"

// Version is this plugin type version.
const Version = "pipeline/transform/v1"

// TransformPluginVersion is the version of the plugin type (e.g: `pipeline/transform/v1`).
type TransformPluginVersion = string

// TransformPluginID is the ID of the plugin (e.g: `env-tagger`).
type TransformPluginID = string

// Event keys of the map handed to the plugins, the JSON object form of a
// metric event.
const (
	TransformPluginEventName      = "name"
	TransformPluginEventNamespace = "namespace"
	TransformPluginEventTags      = "tags"
	TransformPluginEventTimestamp = "timestamp"
	TransformPluginEventKind      = "kind"
)

// TransformPlugin knows how to transform a single metric event given as its
// JSON object form. Returning a nil event drops it from the pipeline.
//
// This is the type the transform plugins need to implement.
type TransformPlugin = func(ctx context.Context, event map[string]interface{}) (map[string]interface{}, error)
