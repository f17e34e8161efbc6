package commands

import (
	"context"
	"fmt"

	"gopkg.in/alecthomas/kingpin.v2"

	appconfig "github.com/promsink/promsink/internal/config"
	"github.com/promsink/promsink/internal/log"
	"github.com/promsink/promsink/internal/pipeline"
)

type validateCommand struct {
	configFile   string
	pluginsPaths []string
}

// NewValidateCommand returns the validate command.
func NewValidateCommand(app *kingpin.Application) Command {
	c := &validateCommand{}
	cmd := app.Command("validate", "Validates a pipeline configuration file.")

	cmd.Flag("config", "The path to the pipeline configuration file.").Short('c').Required().StringVar(&c.configFile)
	cmd.Flag("plugins-path", "The path to transform plugins (can be repeated).").Short('p').StringsVar(&c.pluginsPaths)

	return c
}

func (v validateCommand) Name() string { return "validate" }
func (v validateCommand) Run(ctx context.Context, config RootConfig) error {
	logger := config.Logger

	appCfg, err := appconfig.LoadFile(v.configFile)
	if err != nil {
		return fmt.Errorf("could not load configuration file: %w", err)
	}

	pluginRepo, err := createPluginRepo(logger, appCfg.PluginPaths, v.pluginsPaths)
	if err != nil {
		return err
	}

	plugins, err := pluginRepo.ListTransformPlugins(ctx)
	if err != nil {
		return fmt.Errorf("could not list transform plugins: %w", err)
	}

	// Components are built like in a real run, their logs are not wanted
	// here.
	err = pipeline.Validate(pipeline.Config{
		App:          appCfg,
		PluginGetter: pluginRepo,
		Logger:       log.Noop,
	})
	if err != nil {
		return fmt.Errorf("invalid pipeline configuration: %w", err)
	}

	logger.WithValues(log.Kv{
		"sources":    len(appCfg.Sources),
		"transforms": len(appCfg.Transforms),
		"sinks":      len(appCfg.Sinks),
		"plugins":    len(plugins),
	}).Infof("Configuration is valid")

	return nil
}
