package transform_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promsink/promsink/internal/pluginengine/transform"
)

func TestTransformPluginLoader(t *testing.T) {
	tests := map[string]struct {
		pluginSrc   string
		event       map[string]interface{}
		expPluginID string
		expEvent    map[string]interface{}
		expErrLoad  bool
		expErr      bool
	}{
		"Plugin without version should fail on load.": {
			pluginSrc: `
package testplugin

import "context"

const TransformPluginID = "test_plugin"

func TransformPlugin(ctx context.Context, event map[string]interface{}) (map[string]interface{}, error) {
	return event, nil
}
`,
			expErrLoad: true,
		},

		"Plugin with an unknown version should fail on load.": {
			pluginSrc: `
package testplugin

import "context"

const (
	TransformPluginID      = "test_plugin"
	TransformPluginVersion = "pipeline/transform/v9999"
)

func TransformPlugin(ctx context.Context, event map[string]interface{}) (map[string]interface{}, error) {
	return event, nil
}
`,
			expErrLoad: true,
		},

		"Plugin without the plugin function should fail on load.": {
			pluginSrc: `
package testplugin

const (
	TransformPluginID      = "test_plugin"
	TransformPluginVersion = "pipeline/transform/v1"
)
`,
			expErrLoad: true,
		},

		"Plugin with a wrong function signature should fail on load.": {
			pluginSrc: `
package testplugin

const (
	TransformPluginID      = "test_plugin"
	TransformPluginVersion = "pipeline/transform/v1"
)

func TransformPlugin(event map[string]interface{}) map[string]interface{} {
	return event
}
`,
			expErrLoad: true,
		},

		"Plugin with invalid Go source should fail on load.": {
			pluginSrc: `
package testplugin

func TransformPlugin(
`,
			expErrLoad: true,
		},

		"Basic plugin should load and transform the event.": {
			pluginSrc: `
package testplugin

import "context"

const (
	TransformPluginID      = "test_plugin"
	TransformPluginVersion = "pipeline/transform/v1"
)

func TransformPlugin(ctx context.Context, event map[string]interface{}) (map[string]interface{}, error) {
	event["name"] = "renamed_" + event["name"].(string)
	return event, nil
}
`,
			event:       map[string]interface{}{"name": "requests_total"},
			expPluginID: "test_plugin",
			expEvent:    map[string]interface{}{"name": "renamed_requests_total"},
		},

		"Plugin returning nil should drop the event.": {
			pluginSrc: `
package testplugin

import "context"

const (
	TransformPluginID      = "test_plugin"
	TransformPluginVersion = "pipeline/transform/v1"
)

func TransformPlugin(ctx context.Context, event map[string]interface{}) (map[string]interface{}, error) {
	return nil, nil
}
`,
			event:       map[string]interface{}{"name": "requests_total"},
			expPluginID: "test_plugin",
			expEvent:    nil,
		},

		"Plugin with error should return errors.": {
			pluginSrc: `
package testplugin

import (
	"context"
	"fmt"
)

const (
	TransformPluginID      = "test_plugin"
	TransformPluginVersion = "pipeline/transform/v1"
)

func TransformPlugin(ctx context.Context, event map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("something")
}
`,
			event:       map[string]interface{}{"name": "requests_total"},
			expPluginID: "test_plugin",
			expErr:      true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			plugin, err := transform.PluginLoader.LoadRawTransformPlugin(context.Background(), test.pluginSrc)
			if test.expErrLoad {
				require.Error(err)
				return
			}
			require.NoError(err)

			assert.Equal(test.expPluginID, plugin.ID)

			gotEvent, err := plugin.Func(context.TODO(), test.event)
			if test.expErr {
				assert.Error(err)
			} else if assert.NoError(err) {
				assert.Equal(test.expEvent, gotEvent)
			}
		})
	}
}
