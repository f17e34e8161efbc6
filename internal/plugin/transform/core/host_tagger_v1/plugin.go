package plugin

import (
	"context"
	"os"
)

const (
	TransformPluginVersion = "pipeline/transform/v1"
	TransformPluginID      = "core/host-tagger/v1"
)

// TransformPlugin tags every event with the host name, so aggregating
// collectors can tell the emitting daemons apart.
func TransformPlugin(_ context.Context, event map[string]interface{}) (map[string]interface{}, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	tags, ok := event["tags"].(map[string]interface{})
	if !ok {
		tags = map[string]interface{}{}
	}
	tags["host"] = host
	event["tags"] = tags

	return event, nil
}
