package fs

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"
	"sync"

	"github.com/promsink/promsink/internal/log"
	pluginenginetransform "github.com/promsink/promsink/internal/pluginengine/transform"
)

type TransformPluginLoader interface {
	LoadRawTransformPlugin(ctx context.Context, src string) (*pluginenginetransform.TransformPlugin, error)
}

// FilePluginRepo provides the transform plugins loaded from files.
// To be able to provide a simple and safe plugin system to the user we have set some
// rules/requirements that a plugin must implement:
//
// - The plugin must be in a `plugin.go` file inside a directory.
// - All the plugin must be in the `plugin.go` file.
// - The plugin can't import anything apart from the Go standard library.
//
// These rules provide multiple things:
// - Easy discovery of plugins without the need to provide extra data (import paths, path sanitization...).
// - Safety because we don't allow adding external packages easily.
// - Force keeping the plugins simple, small and without smart code.
type FilePluginRepo struct {
	fss          []fs.FS
	pluginLoader TransformPluginLoader
	pluginCache  map[string]pluginenginetransform.TransformPlugin
	mu           sync.RWMutex
	logger       log.Logger
}

// NewFilePluginRepo returns a new FilePluginRepo that loads transform plugins
// from the given file systems.
func NewFilePluginRepo(logger log.Logger, pluginLoader TransformPluginLoader, fss ...fs.FS) (*FilePluginRepo, error) {
	r := &FilePluginRepo{
		fss:          fss,
		pluginLoader: pluginLoader,
		pluginCache:  map[string]pluginenginetransform.TransformPlugin{},
		logger:       logger,
	}

	err := r.Reload(context.Background())
	if err != nil {
		return nil, fmt.Errorf("could not load plugins: %w", err)
	}

	return r, nil
}

var pluginNameRegex = regexp.MustCompile("plugin.go$")

// Reload loads all the plugins again from the file systems. On error the
// previously loaded plugins stay, so a broken reload never leaves the
// pipeline without its plugins.
func (r *FilePluginRepo) Reload(ctx context.Context) error {
	plugins, err := r.loadPlugins(ctx, r.fss...)
	if err != nil {
		return fmt.Errorf("could not load plugins: %w", err)
	}

	// Set loaded plugins.
	r.mu.Lock()
	r.pluginCache = plugins
	r.mu.Unlock()

	r.logger.WithValues(log.Kv{"plugins": len(plugins)}).Infof("Transform plugins loaded")

	return nil
}

func (r *FilePluginRepo) GetTransformPlugin(ctx context.Context, id string) (*pluginenginetransform.TransformPlugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pluginCache[id]
	if !ok {
		return nil, fmt.Errorf("plugin %q missing", id)
	}

	return &p, nil
}

func (r *FilePluginRepo) ListTransformPlugins(ctx context.Context) (map[string]pluginenginetransform.TransformPlugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.pluginCache, nil
}

func (r *FilePluginRepo) loadPlugins(ctx context.Context, fss ...fs.FS) (map[string]pluginenginetransform.TransformPlugin, error) {
	plugins := map[string]pluginenginetransform.TransformPlugin{}

	for _, f := range fss {
		err := fs.WalkDir(f, ".", func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}

			if !pluginNameRegex.MatchString(path) {
				return nil
			}

			pluginData, err := fs.ReadFile(f, path)
			if err != nil {
				return fmt.Errorf("could not read %q plugin data: %w", path, err)
			}

			plugin, err := r.pluginLoader.LoadRawTransformPlugin(ctx, string(pluginData))
			if err != nil {
				return fmt.Errorf("could not load %q plugin: %w", path, err)
			}

			// Check collision.
			_, ok := plugins[plugin.ID]
			if ok {
				return fmt.Errorf("plugin %q already loaded", plugin.ID)
			}

			plugins[plugin.ID] = *plugin
			r.logger.WithValues(log.Kv{"plugin-id": plugin.ID, "plugin-path": path}).Debugf("Transform plugin discovered and loaded")

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("could not walk dir: %w", err)
		}
	}

	return plugins, nil
}
