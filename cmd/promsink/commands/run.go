package commands

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/slok/reload"
	"gopkg.in/alecthomas/kingpin.v2"

	appconfig "github.com/promsink/promsink/internal/config"
	"github.com/promsink/promsink/internal/info"
	"github.com/promsink/promsink/internal/log"
	loglogrus "github.com/promsink/promsink/internal/log/logrus"
	"github.com/promsink/promsink/internal/pipeline"
	"github.com/promsink/promsink/internal/plugin"
	pluginenginetransform "github.com/promsink/promsink/internal/pluginengine/transform"
	storagefs "github.com/promsink/promsink/internal/storage/fs"
	telemetryprometheus "github.com/promsink/promsink/internal/telemetry/prometheus"
)

type runCommand struct {
	configFile    string
	pluginsPaths  []string
	watchConfig   bool
	hotReloadAddr string
	hotReloadPath string
}

// NewRunCommand returns the run command.
func NewRunCommand(app *kingpin.Application) Command {
	c := &runCommand{}
	cmd := app.Command("run", "Runs the metrics pipeline daemon.")

	cmd.Flag("config", "The path to the pipeline configuration file.").Short('c').Required().StringVar(&c.configFile)
	cmd.Flag("plugins-path", "The path to transform plugins (can be repeated).").Short('p').StringsVar(&c.pluginsPaths)
	cmd.Flag("watch-config", "Trigger a hot-reload when the configuration file changes.").BoolVar(&c.watchConfig)
	cmd.Flag("hot-reload-addr", "The listen address for hot-reloading components that allow it.").Default(":8082").StringVar(&c.hotReloadAddr)
	cmd.Flag("hot-reload-path", "The webhook path for hot-reloading components that allow it.").Default("/-/reload").StringVar(&c.hotReloadPath)

	return c
}

func (r runCommand) Name() string { return "run" }
func (r runCommand) Run(ctx context.Context, config RootConfig) error {
	appCfg, err := appconfig.LoadFile(r.configFile)
	if err != nil {
		return fmt.Errorf("could not load configuration file: %w", err)
	}

	// The config file has its own log section, merge it with the CLI flags,
	// flags win.
	logger := buildLogger(config, appCfg.Log)
	logger.WithValues(log.Kv{
		"sources":    len(appCfg.Sources),
		"transforms": len(appCfg.Transforms),
		"sinks":      len(appCfg.Sinks),
	}).Infof("Configuration loaded")

	// Plugins.
	pluginRepo, err := createPluginRepo(logger, appCfg.PluginPaths, r.pluginsPaths)
	if err != nil {
		return err
	}

	// Daemon telemetry goes to the process default registry, the telemetry
	// server exposes it along Go and process collectors.
	metricsRecorder := telemetryprometheus.NewRecorder(prometheus.DefaultRegisterer)

	pipe, err := pipeline.NewPipeline(pipeline.Config{
		App:             appCfg,
		PluginGetter:    pluginRepo,
		MetricsRecorder: metricsRecorder,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("could not build the pipeline: %w", err)
	}

	// Prepare our run and reload entrypoints.
	var g run.Group
	reloadManager := reload.NewManager()

	// Run hot-reload. A failed reload keeps the running state, it never takes
	// the daemon down.
	{
		// Plugins reload before the pipeline so rule swaps see fresh plugins.
		reloadManager.Add(100, reload.ReloaderFunc(func(ctx context.Context, id string) error {
			err := pluginRepo.Reload(ctx)
			if err != nil {
				logger.Errorf("Could not reload transform plugins, keeping the loaded ones: %s", err)
			}
			return nil
		}))
		reloadManager.Add(200, reload.ReloaderFunc(func(ctx context.Context, id string) error {
			newCfg, err := appconfig.LoadFile(r.configFile)
			if err != nil {
				logger.Errorf("Could not load the new configuration, keeping the running one: %s", err)
				return nil
			}

			err = pipe.Reload(ctx, newCfg)
			if err != nil {
				logger.Errorf("Could not reload the pipeline, keeping the running configuration: %s", err)
			}
			return nil
		}))

		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				logger.Infof("Hot-reload manager running")
				defer logger.Infof("Hot-reload manager stopped")
				return reloadManager.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// OS signals.
	{
		sigC := make(chan os.Signal, 1)
		reloadC := make(chan struct{})
		exitC := make(chan struct{})
		signal.Notify(sigC, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

		// Add hot-reload notifier for SIGHUP.
		reloadManager.On(reload.NotifierFunc(func(ctx context.Context) (string, error) {
			<-reloadC
			logger.Infof("Hot-reload triggered from OS SIGHUP signal")
			return "sighup", nil
		}))

		g.Add(
			func() error {
				logger.Infof("OS signals listener started")
				defer logger.Infof("OS signals listener stopped")
				for {
					select {
					case s := <-sigC:
						logger.Infof("Signal %s received", s)
						// Don't stop if SIGHUP, only reload.
						if s == syscall.SIGHUP {
							reloadC <- struct{}{}
							continue
						}

						return nil
					case <-exitC:
						return nil
					}
				}
			},
			func(_ error) {
				close(exitC)
			},
		)
	}

	// Configuration file watcher.
	if r.watchConfig {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("could not create the configuration file watcher: %w", err)
		}
		defer watcher.Close()

		// Watch the directory, editors tend to replace files instead of
		// writing them in place.
		err = watcher.Add(filepath.Dir(r.configFile))
		if err != nil {
			return fmt.Errorf("could not watch the configuration file: %w", err)
		}

		configPath, err := filepath.Abs(r.configFile)
		if err != nil {
			return fmt.Errorf("could not resolve the configuration file path: %w", err)
		}

		reloadManager.On(reload.NotifierFunc(func(ctx context.Context) (string, error) {
			for {
				select {
				case event, ok := <-watcher.Events:
					if !ok {
						return "", fmt.Errorf("configuration file watcher closed")
					}
					eventPath, err := filepath.Abs(event.Name)
					if err != nil || eventPath != configPath {
						continue
					}
					if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
						continue
					}

					logger.Infof("Hot-reload triggered from configuration file change")
					return "config-file", nil
				case err, ok := <-watcher.Errors:
					if !ok {
						return "", fmt.Errorf("configuration file watcher closed")
					}
					logger.Errorf("Configuration file watcher error: %s", err)
				}
			}
		}))
	}

	// Hot-reloading HTTP server.
	{
		// Set reloader signaler.
		hotReloadC := make(chan struct{})
		reloadManager.On(reload.NotifierFunc(func(ctx context.Context) (string, error) {
			<-hotReloadC
			logger.Infof("Hot-reload triggered from http webhook")
			return "http", nil
		}))

		mux := http.NewServeMux()

		// On request send signal for reload over the channel.
		mux.Handle(r.hotReloadPath, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			hotReloadC <- struct{}{}
		}))

		server := &http.Server{
			Addr:    r.hotReloadAddr,
			Handler: mux,
		}

		g.Add(
			func() error {
				logger.WithValues(log.Kv{"addr": r.hotReloadAddr}).Infof("Hot-reload http server listening")
				defer logger.WithValues(log.Kv{"addr": r.hotReloadAddr}).Infof("Hot-reload http server stopped")
				return server.ListenAndServe()
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				err := server.Shutdown(ctx)
				if err != nil {
					logger.Errorf("Error shutting down hot-reload server: %s", err)
				}
			},
		)
	}

	// Telemetry HTTP server.
	{
		mux := http.NewServeMux()

		// Metrics.
		mux.Handle(appCfg.Telemetry.MetricsPath, promhttp.Handler())

		// Health check.
		mux.HandleFunc(appCfg.Telemetry.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})

		// Pprof.
		if appCfg.Telemetry.Pprof {
			mux.HandleFunc("/debug/pprof/", pprof.Index)
			mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		}

		server := &http.Server{
			Addr:    appCfg.Telemetry.ListenAddress,
			Handler: mux,
		}

		g.Add(
			func() error {
				logger.WithValues(log.Kv{"addr": appCfg.Telemetry.ListenAddress}).Infof("Telemetry http server listening")
				defer logger.WithValues(log.Kv{"addr": appCfg.Telemetry.ListenAddress}).Infof("Telemetry http server stopped")
				return server.ListenAndServe()
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				err := server.Shutdown(ctx)
				if err != nil {
					logger.Errorf("Error shutting down telemetry server: %s", err)
				}
			},
		)
	}

	// Main pipeline.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				return pipe.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// buildLogger merges the global logging flags with the configuration file's
// log section.
func buildLogger(config RootConfig, logCfg appconfig.LogConfig) log.Logger {
	if config.NoLog {
		return log.Noop
	}

	logrusLog := logrus.New()
	logrusLog.Out = config.Stderr // By default logger goes to stderr (so it can split stdout prints).

	level := logCfg.Level
	if config.Debug {
		level = "debug"
	}
	switch level {
	case "debug":
		logrusLog.SetLevel(logrus.DebugLevel)
	case "warn":
		logrusLog.SetLevel(logrus.WarnLevel)
	case "error":
		logrusLog.SetLevel(logrus.ErrorLevel)
	}

	if config.LoggerType == LoggerTypeJSON || logCfg.Format == "json" {
		logrusLog.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrusLog.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !config.NoColor,
			DisableColors: config.NoColor,
		})
	}

	logger := loglogrus.NewLogrus(logrus.NewEntry(logrusLog)).WithValues(log.Kv{
		"version": info.Version,
	})

	logger.Debugf("Debug level is enabled") // Will log only when debug enabled.

	return logger
}

// createPluginRepo loads the embedded default transform plugins plus the ones
// found on the configuration file paths and the command line ones.
func createPluginRepo(logger log.Logger, configPaths, flagPaths []string) (*storagefs.FilePluginRepo, error) {
	paths := append([]string{}, configPaths...)
	paths = append(paths, flagPaths...)

	fss := []fs.FS{plugin.EmbeddedDefaultTransformPlugins}
	for _, p := range paths {
		fss = append(fss, os.DirFS(p))
	}

	pluginRepo, err := storagefs.NewFilePluginRepo(logger, pluginenginetransform.PluginLoader, fss...)
	if err != nil {
		return nil, fmt.Errorf("could not load transform plugins: %w", err)
	}

	return pluginRepo, nil
}
