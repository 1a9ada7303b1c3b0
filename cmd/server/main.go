package main

import (
	"chatline/internal/auth"
	"chatline/internal/chat"
	"chatline/internal/server"
	"chatline/internal/storage"
	"context"
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"go.uber.org/zap"
)

func main() {
	cfg := server.EnvConfig{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Cannot parse env config: %v", err)
	}

	newLogger := zap.NewDevelopment
	if cfg.LogProduction {
		newLogger = zap.NewProduction
	}
	logger, err := newLogger()
	if err != nil {
		log.Fatalf("zap logger: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	dbCfg := storage.Config{}
	if err := env.Parse(&dbCfg); err != nil {
		sugar.Fatalf("Cannot parse database env config: %v", err)
	}

	store, err := storage.New(context.Background(), sugar, dbCfg,
		storage.ConnectionTimeout(30*time.Second),
		storage.MaxConns(dbCfg.MaxConns),
	)
	if err != nil {
		sugar.Fatalf("Cannot create Store instance: %v", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		sugar.Fatalf("Cannot migrate database schema: %v", err)
	}

	resolver, err := auth.NewResolver(cfg.AuthSecret, cfg.TokenTTL)
	if err != nil {
		sugar.Fatalf("Cannot create auth resolver: %v", err)
	}

	registry := chat.NewRegistry(sugar, cfg.SendBuffer)
	svc := chat.NewService(sugar, store, registry,
		chat.StoreTimeout(cfg.StoreTimeout),
		chat.HistoryLimits(cfg.HistoryLimit, cfg.MaxHistoryLimit),
		chat.MaxTextLength(cfg.MaxTextLength),
	)

	serverOpts := []server.Option{
		server.WithEnvConfig(cfg),
		server.ReadTimeout(cfg.ReadTimeout),
		server.Heartbeat(cfg.WSPingPeriod, cfg.WSPongWait),
		server.WriteWait(cfg.WSWriteWait),
		server.MaxMessageSize(cfg.WSMaxMessageSize),
		server.RegisterAfterShutdown(func() {
			sugar.Info("Closing store")
			store.Close()
			sugar.Info("Store is closed")
		}),
	}

	srv, err := server.NewServer(sugar, svc, resolver, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}
