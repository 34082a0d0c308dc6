package app

import (
	"context"
	"fmt"
	"time"

	"chainrunner/internal/comfy"
	"chainrunner/internal/executor"
	"chainrunner/internal/gateway/config"
	"chainrunner/internal/gateway/handler"
	"chainrunner/internal/gateway/server"
	"chainrunner/internal/progress"
	"chainrunner/internal/staging"
	"chainrunner/internal/tracelog"
)

type App struct {
	server   *server.Server
	stores   *gatewayStores
	executor *executor.Executor
	cancel   context.CancelFunc
}

func New(cfg *config.Config) (*App, error) {
	stores, err := initStores(cfg)
	if err != nil {
		return nil, err
	}

	// Dependencies
	comfyCfg := comfy.DefaultConfig(cfg.Comfy.ServerURL)
	comfyCfg.ClientID = cfg.Comfy.ClientID
	client, err := comfy.New(comfyCfg)
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("failed to create comfy client: %w", err)
	}

	stagingCfg := staging.Config{BasePath: cfg.Comfy.BasePath}
	if stores.archive != nil {
		stagingCfg.Archive = stores.archive
	}
	stager, err := staging.NewManager(stagingCfg)
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("failed to create staging manager: %w", err)
	}

	broadcaster := progress.NewBroadcaster()
	trace := tracelog.New(cfg.TraceDir)
	exec, err := executor.New(executor.Options{
		Client:   client,
		Stager:   stager,
		Progress: broadcaster,
		Settler:  newSettler(cfg.Settle, stager),
		Trace:    trace,
	})
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	bg, cancel := context.WithCancel(context.Background())
	chainHandler := handler.NewChainHandler(handler.Deps{
		Store:      stores.chains,
		Runner:     exec,
		Progress:   broadcaster,
		Trace:      trace,
		Archive:    stores.archive,
		Background: bg,
	})

	// Routing & Server
	mux := server.NewMux(chainHandler)
	srv := server.New(cfg.Port, mux)

	return &App{
		server:   srv,
		stores:   stores,
		executor: exec,
		cancel:   cancel,
	}, nil
}

func newSettler(cfg config.SettleConfig, stager *staging.Manager) executor.Settler {
	if cfg.Mode == "stable" {
		return executor.StableFiles{
			Interval: 500 * time.Millisecond,
			Timeout:  cfg.Delay,
			Fallback: cfg.Delay,
			Locate:   stager.LocalPath,
		}
	}
	return executor.FixedDelay{Delay: cfg.Delay}
}

func (a *App) Start() error {
	return a.server.Start()
}

// Shutdown stops accepting requests, interrupts a running chain and closes
// the stores.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	if _, running := a.executor.Active(); running {
		a.executor.Interrupt(ctx)
	}
	a.cancel()
	if cerr := a.stores.Close(); err == nil {
		err = cerr
	}
	return err
}
