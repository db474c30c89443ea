package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"qrforge/internal/app"
	"qrforge/internal/config"
	"qrforge/internal/server"
	"qrforge/internal/usertoken"
	"qrforge/internal/util"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	appCore, err := app.New(app.Config{
		RedisAddr:            cfg.RedisAddr,
		RedisPassword:        cfg.RedisPassword,
		DatabaseURL:          cfg.DatabaseURL,
		StoreTimeout:         config.MustDuration(cfg.StoreTimeout),
		HealthTimeout:        config.MustDuration(cfg.HealthTimeout),
		SyncInterval:         config.MustDuration(cfg.SyncInterval),
		SyncOverlap:          config.MustDuration(cfg.SyncOverlap),
		RepairMaxRetries:     cfg.RepairMaxRetries,
		RepairRetryDelay:     config.MustDuration(cfg.RepairRetryDelay),
		RepairConcurrency:    cfg.RepairConcurrency,
		AsyncSecondaryWrites: cfg.AsyncSecondaryWrites,
		PayloadSecret:        cfg.PayloadSecret,
		AnonQuota:            cfg.AnonQuota,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	verifier, err := usertoken.NewVerifier(cfg.TokenSecret, cfg.JWTIssuer, cfg.JWTAudience, config.MustDuration(cfg.JWTLeeway))
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	proxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	appCore.Start(ctx)

	httpServer := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  verifier,
		TrustedProxies: proxies,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
