package marker

import "context"

const (
	TransformPluginID      = "marker"
	TransformPluginVersion = "pipeline/transform/v1"
)

func TransformPlugin(_ context.Context, event map[string]interface{}) (map[string]interface{}, error) {
	tags, ok := event["tags"].(map[string]interface{})
	if !ok {
		tags = map[string]interface{}{}
	}
	tags["marked"] = "true"
	event["tags"] = tags

	return event, nil
}
