package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"genpaper/internal/app"
	"genpaper/internal/config"
	"genpaper/internal/logger"
)

func main() {
	_ = godotenv.Load(".env")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.LogMode != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a, err := app.NewAPI(ctx, lg, cfg)
	if err != nil {
		lg.Fatal("init api", "error", err)
	}
	defer a.Close()

	srv := &http.Server{Addr: cfg.APIAddr, Handler: a.Server.Routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	lg.Info("genpaper api listening", "addr", cfg.APIAddr, "temporal", cfg.TemporalAddress, "queue", cfg.TemporalTaskQueue)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lg.Error("api server stopped", "error", err)
	}
}
