package transform

import (
	"context"
	"fmt"
	"regexp"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	pluginv1 "github.com/promsink/promsink/pkg/pipeline/plugin/v1"
)

// TransformPlugin is a loaded transform plugin, ready to apply.
type TransformPlugin struct {
	ID   string
	Func pluginv1.TransformPlugin
}

// PluginLoader knows how to load Go transform plugins using Yaegi.
const PluginLoader = transformPluginLoader(false)

type transformPluginLoader bool

var packageRegexp = regexp.MustCompile(`(?m)^package +([^\s]+) *$`)

// LoadRawTransformPlugin knows how to load plugins using Yaegi from source data
// not files, so plugins can't import anything apart from the Go standard
// library.
//
// The load process will search for:
// - A function called `TransformPlugin` to obtain the plugin func.
// - A constant called `TransformPluginID` to obtain the plugin ID.
// - A constant called `TransformPluginVersion` to obtain the plugin version.
func (t transformPluginLoader) LoadRawTransformPlugin(ctx context.Context, src string) (*TransformPlugin, error) {
	// Load the plugin in a new interpreter.
	// For each plugin we need to use an independent interpreter to avoid name collisions.
	yaegiInterp, err := t.newYaegiInterpreter()
	if err != nil {
		return nil, fmt.Errorf("could not create a new Yaegi interpreter: %w", err)
	}

	_, err = yaegiInterp.EvalWithContext(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("could not evaluate plugin source code: %w", err)
	}

	// Discover package name.
	packageMatch := packageRegexp.FindStringSubmatch(src)
	if len(packageMatch) != 2 {
		return nil, fmt.Errorf("invalid plugin source code, could not get package name")
	}
	packageName := packageMatch[1]

	// Get plugin version and check if is a known one.
	pluginVerTmp, err := yaegiInterp.EvalWithContext(ctx, fmt.Sprintf("%s.TransformPluginVersion", packageName))
	if err != nil {
		return nil, fmt.Errorf("could not get plugin version: %w", err)
	}

	pluginVer, ok := pluginVerTmp.Interface().(pluginv1.TransformPluginVersion)
	if !ok || (pluginVer != pluginv1.Version) {
		return nil, fmt.Errorf("unsuported plugin version: %s", pluginVer)
	}

	// Get plugin ID.
	pluginIDTmp, err := yaegiInterp.EvalWithContext(ctx, fmt.Sprintf("%s.TransformPluginID", packageName))
	if err != nil {
		return nil, fmt.Errorf("could not get plugin ID: %w", err)
	}

	pluginID, ok := pluginIDTmp.Interface().(pluginv1.TransformPluginID)
	if !ok {
		return nil, fmt.Errorf("invalid transform plugin ID type")
	}

	// Get plugin logic.
	pluginFuncTmp, err := yaegiInterp.EvalWithContext(ctx, fmt.Sprintf("%s.TransformPlugin", packageName))
	if err != nil {
		return nil, fmt.Errorf("could not get plugin: %w", err)
	}

	pluginFunc, ok := pluginFuncTmp.Interface().(pluginv1.TransformPlugin)
	if !ok {
		return nil, fmt.Errorf("invalid transform plugin type")
	}

	return &TransformPlugin{
		ID:   pluginID,
		Func: pluginFunc,
	}, nil
}

func (t transformPluginLoader) newYaegiInterpreter() (*interp.Interpreter, error) {
	i := interp.New(interp.Options{})
	err := i.Use(stdlib.Symbols)
	if err != nil {
		return nil, fmt.Errorf("could not use stdlib symbols: %w", err)
	}

	return i, nil
}
