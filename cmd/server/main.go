package main

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/testbox/config"
	"github.com/isdmx/testbox/httpapi"
	"github.com/isdmx/testbox/logger"
	"github.com/isdmx/testbox/mcpserver"
	"github.com/isdmx/testbox/sandbox"
	"github.com/isdmx/testbox/sandbox/initstage"
)

// initCommand makes the binary act as the sandbox init stage.
const initCommand = "init"

func main() {
	if len(os.Args) > 1 && os.Args[1] == initCommand {
		initstage.Main()
		return
	}

	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Orchestrator based on config, exposed to the transports as an Executor
			fx.Annotate(
				newOrchestrator,
				fx.As(new(sandbox.Executor)),
			),

			// MCP Server
			mcpserver.New,

			// REST API
			newAPIServer,
		),

		// Start the configured transports
		fx.Invoke(registerMCPServer, registerAPIServer),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func newOrchestrator(log *zap.Logger, cfg *config.Config) (*sandbox.Orchestrator, error) {
	return sandbox.NewOrchestrator(log, cfg)
}

func newAPIServer(cfg *config.Config, log *zap.Logger, executor sandbox.Executor) *httpapi.Server {
	return httpapi.New(cfg, log, executor)
}

func registerMCPServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger, server *mcpserver.MCPServer) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			serve := server.ServeHTTP
			if cfg.Server.Transport == "stdio" {
				serve = server.ServeStdio
			}
			go func() {
				if err := serve(); err != nil {
					log.Error("MCP server stopped", zap.Error(err))
				}
				// stdio ends when the client goes away
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: server.Shutdown,
	})
}

func registerAPIServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger, server *httpapi.Server) {
	if !cfg.API.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := server.Start(); err != nil {
					log.Error("REST API stopped", zap.Error(err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: server.Shutdown,
	})
}
