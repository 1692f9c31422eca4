package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leadgen/internal/app"
	"leadgen/internal/config"
	"leadgen/internal/logger"
)

func main() {
	config.LoadDotEnv(".env")
	logger.InitializeAndConfigure()
	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		logger.Fatalf("startup: %v", err)
	}
	defer rt.Close()

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           rt.API().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.InfoWithFields("api listening", map[string]interface{}{"port": cfg.HTTPPort, "env": cfg.Env})
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("shutdown: %v", err)
	}
}
