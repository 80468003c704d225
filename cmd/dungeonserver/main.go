// Package main provides the dungeon game server: it loads a map, accepts TCP
// clients and runs the game until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/dungeon/internal/config"
	"github.com/cory-johannsen/dungeon/internal/engine"
	"github.com/cory-johannsen/dungeon/internal/frontend/tcp"
	"github.com/cory-johannsen/dungeon/internal/game/dice"
	"github.com/cory-johannsen/dungeon/internal/game/dungeon"
	"github.com/cory-johannsen/dungeon/internal/game/session"
	"github.com/cory-johannsen/dungeon/internal/observability"
	"github.com/cory-johannsen/dungeon/internal/server"
	"github.com/cory-johannsen/dungeon/internal/storage/history"
)

// historyQueueSize is how many finished games may wait to be written.
const historyQueueSize = 64

func main() {
	start := time.Now()

	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if opts.mapID != "" {
		cfg.Game.Map = opts.mapID
	}
	if opts.bot {
		cfg.Game.Bot = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, "dungeonserver")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting dungeon server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("map", cfg.Game.Map),
		zap.Bool("bot", cfg.Game.Bot),
	)
	if cfg.Game.Bot {
		logger.Warn("bot mode requested; no bot players will be spawned")
	}

	layout, err := dungeon.LoadMap(cfg.Game.MapDir, cfg.Game.Map)
	if err != nil {
		logger.Fatal("loading map", zap.Error(err))
	}
	logger.Info("map loaded",
		zap.String("name", layout.Name),
		zap.Int("width", layout.Width()),
		zap.Int("height", layout.Height()),
		zap.Int("win", layout.Win),
	)

	metrics := observability.NewMetrics()
	lifecycle := server.NewLifecycle(logger)

	engineOpts := []dungeon.Option{dungeon.WithGameObserver(metrics)}
	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			logger.Fatal("opening game history", zap.Error(err))
		}
		logRecentGames(logger, store)
		writer := history.NewWriter(store, logger, historyQueueSize)
		engineOpts = append(engineOpts, dungeon.WithRecorder(writer))

		// Registered first so they are stopped last, after the acceptor
		// drains: the writer empties its queue, then the store closes.
		done := make(chan struct{})
		lifecycle.Add("history", &server.FuncService{
			StartFn: func() error {
				<-done
				return nil
			},
			StopFn: func() {
				close(done)
				if err := store.Close(); err != nil {
					logger.Warn("closing game history", zap.Error(err))
				}
			},
		})
		lifecycle.Add("history-writer", &server.FuncService{
			StartFn: writer.Run,
			StopFn:  writer.Stop,
		})
	}

	registry := session.NewRegistry(logger, metrics)
	roller := dice.NewLoggedRoller(dice.NewCryptoSource(), logger)
	game := dungeon.NewEngine(layout, registry, roller, logger, engineOpts...)
	lock := engine.NewLock(metrics)
	handler := session.NewHandler(game, lock, registry, cfg.Server, metrics, logger)
	acceptor := tcp.NewAcceptor(cfg.Server, handler, metrics, logger)

	if err := acceptor.Listen(); err != nil {
		logger.Fatal("starting listener", zap.Error(err))
	}

	if cfg.Metrics.Enabled {
		metricsServer := observability.NewMetricsServer(cfg.Metrics, metrics, logger)
		lifecycle.Add("metrics", &server.FuncService{
			StartFn: metricsServer.Start,
			StopFn:  metricsServer.Stop,
		})
	}

	lifecycle.Add("acceptor", &server.FuncService{
		StartFn: acceptor.Serve,
		StopFn:  acceptor.Stop,
	})

	logger.Info("dungeon server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("addr", acceptor.Addr()),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func logRecentGames(logger *zap.Logger, store *history.Store) {
	recent, err := store.Recent(context.Background(), 5)
	if err != nil {
		logger.Warn("reading game history", zap.Error(err))
		return
	}
	for _, o := range recent {
		logger.Info("previous game",
			zap.String("winner", o.Winner),
			zap.String("map", o.Map),
			zap.Time("finished_at", o.FinishedAt),
		)
	}
}
