package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/llmchat/llmchat/config"
	"github.com/ZanzyTHEbar/llmchat/llmchat/generation/harness"
	"github.com/ZanzyTHEbar/llmchat/llmchat/generation/models"
	"github.com/ZanzyTHEbar/llmchat/llmchat/logging"
)

// Run parses args, executes the selected command and returns the exit code.
func Run(args []string) int {
	opts := &Options{}
	opts.Init(args)

	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// signalContext is cancelled on SIGTERM, and on SIGINT when interruptible.
func signalContext(interruptible bool) (context.Context, context.CancelFunc) {
	sigs := []os.Signal{syscall.SIGTERM}
	if interruptible {
		sigs = append(sigs, os.Interrupt)
	}
	return signal.NotifyContext(context.Background(), sigs...)
}

// app holds what both commands build from the config file.
type app struct {
	loader   *config.Loader
	cfg      *config.Config
	logger   zerolog.Logger
	provider *models.GGUFProvider
	orch     *harness.Orchestrator
}

func newApp(configPath string) (*app, error) {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	if used := loader.ConfigFileUsed(); used != "" {
		logger.Info().Str("file", used).Msg("config loaded")
	}

	provider, err := models.NewGGUFProvider(models.ConfigFromLLM(cfg.LLM), logger.With().Str("component", "model").Logger())
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	orch, err := harness.NewFactory(cfg, logger).CreateOrchestrator(provider)
	if err != nil {
		_ = provider.Close()
		return nil, err
	}

	return &app{loader: loader, cfg: cfg, logger: logger, provider: provider, orch: orch}, nil
}

// watch hot-swaps sampling parameters when the config file changes. Model
// and server settings need a restart.
func (a *app) watch() {
	err := a.loader.Watch(func(cfg *config.Config, e fsnotify.Event) {
		a.orch.SetParams(harness.ParamsFromConfig(cfg.Sampling, a.cfg.LLM.Threads))
		a.logger.Info().Str("file", e.Name).Msg("sampling parameters reloaded")
	}, func(err error) {
		a.logger.Warn().Err(err).Msg("config reload rejected")
	})
	if err != nil {
		a.logger.Debug().Err(err).Msg("config watch disabled")
	}
}

func (a *app) close() {
	if err := a.provider.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("model close failed")
	}
}
