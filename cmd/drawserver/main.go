// Package main provides the draw-and-guess server binary: the websocket
// gateway, the Twitch chat bridge, and the gRPC health endpoint.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/guessio/drawserver/internal/chat/twitch"
	"github.com/guessio/drawserver/internal/config"
	"github.com/guessio/drawserver/internal/game/lobby"
	"github.com/guessio/drawserver/internal/game/room"
	"github.com/guessio/drawserver/internal/gateway"
	"github.com/guessio/drawserver/internal/observability"
	"github.com/guessio/drawserver/internal/rpc"
	"github.com/guessio/drawserver/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/drawserver.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting draw server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("ws_path", cfg.Server.WSPath),
	)

	manager := lobby.NewManager(lobby.Config{
		Rules: room.Rules{
			RoundDuration:      cfg.Room.RoundDuration,
			CorrectGuessPoints: cfg.Room.CorrectGuessPoints,
		},
		Retention:   cfg.Room.Retention,
		DefaultWord: cfg.Room.DefaultWord,
	}, logger)

	registry := gateway.NewRegistry(manager, logger)
	manager.SetBroadcaster(registry)

	bots := twitch.NewBots(cfg.Twitch, twitch.NewProtocol(manager, logger), registry, logger)
	manager.SetBotController(bots)

	listener := gateway.NewListener(cfg.Server, cfg.Session, registry, manager, bots, logger)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("gateway", listener)
	lifecycle.Add("twitch", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			if cfg.Twitch.HasCredentials() {
				logger.Info("spawning configured bot",
					zap.String("channel", cfg.Twitch.Channel),
					zap.String("nick", cfg.Twitch.Nick),
					observability.Secret("oauth", cfg.Twitch.OAuth),
				)
				if err := bots.Spawn(cfg.Twitch.OAuth, cfg.Twitch.Nick, cfg.Twitch.Channel); err != nil {
					logger.Error("spawning configured bot", zap.Error(err))
				}
			} else {
				logger.Info("no bot credentials configured, chat bridge idle")
			}
			<-ctx.Done()
			return nil
		},
		StopFn: bots.Shutdown,
	})

	if cfg.RPC.Enabled {
		health := rpc.NewHealthServer(cfg.RPC, observability.ServiceName, logger)
		lifecycle.Add("rpc", health)
		lifecycle.OnShutdown(func() { health.SetServing(false) })
	}

	lifecycle.OnShutdown(func() { registry.Shutdown(cfg.Session.WriteTimeout) })
	lifecycle.OnShutdown(manager.Close)

	logger.Info("draw server initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
