package app

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/QubitProducts/topNET-sub000/config"
	"github.com/QubitProducts/topNET-sub000/core"
)

// App ties a configuration to an engine and runs it until a shutdown signal
type App struct {
	cfg    *config.Config
	engine *core.Engine
}

// New creates an application instance
func New(cfg *config.Config) (*App, error) {
	engine, err := core.NewEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return NewWithEngine(cfg, engine), nil
}

// NewWithEngine creates an application instance with a pre-configured engine
func NewWithEngine(cfg *config.Config, engine *core.Engine) *App {
	return &App{
		cfg:    cfg,
		engine: engine,
	}
}

// Engine returns the underlying engine for route registration
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Run serves until SIGINT or SIGTERM, then closes every connection
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext serves until ctx is cancelled
func (a *App) RunContext(ctx context.Context) error {
	logger := a.cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("topNET starting on %s [%s]", a.cfg.Addr(), a.cfg.Env)

	if err := a.engine.Run(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	logger.Printf("topNET shut down")
	return nil
}
