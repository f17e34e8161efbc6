package plugin

import (
	"context"
)

const (
	TransformPluginVersion = "pipeline/transform/v1"
	TransformPluginID      = "core/noop/v1"
)

// TransformPlugin returns the event untouched. Useful to check plugin
// wiring without changing the stream.
func TransformPlugin(_ context.Context, event map[string]interface{}) (map[string]interface{}, error) {
	return event, nil
}
