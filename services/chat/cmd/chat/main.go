package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"repairhub/internal/util"
	"repairhub/services/chat/internal/bootstrap"
	"repairhub/services/chat/internal/config"
	"repairhub/services/chat/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		util.Fatal("failed to init runtime", "err", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("shutdown close failed", "err", err)
		}
	}()

	serverCfg := server.Config{
		App:            rt.App,
		TokenVerifier:  rt.Verifier,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	if rt.Limiter != nil {
		serverCfg.SendLimiter = rt.Limiter
	}
	httpServer := server.New(serverCfg)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chat server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if rt.Replay != nil {
		g.Go(func() error {
			concurrency := cfg.ReplayConcurrency
			if concurrency <= 0 {
				concurrency = 1
			}
			slog.Info("ledger replay worker started", "concurrency", concurrency)
			rt.Replay.Start(gctx, concurrency, rt.Ledger.ApplyReplay)
			<-gctx.Done()
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.App.Shutdown()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
