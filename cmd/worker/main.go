package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"genpaper/internal/activities"
	"genpaper/internal/app"
	"genpaper/internal/config"
	"genpaper/internal/logger"
	"genpaper/internal/workflows"
)

func main() {
	migrate := flag.String("migrate", "", "apply a SQL schema file before starting")
	flag.Parse()

	_ = godotenv.Load(".env")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wk, err := app.NewWorker(ctx, lg, cfg)
	if err != nil {
		lg.Fatal("init worker", "error", err)
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		defer stop()
		wk.Close(stopCtx)
	}()

	if *migrate != "" {
		if err := wk.DB.ApplySchemaFile(ctx, *migrate); err != nil {
			lg.Fatal("apply schema", "file", *migrate, "error", err)
		}
		lg.Info("schema applied", "file", *migrate)
	}

	c, err := client.Dial(client.Options{HostPort: cfg.TemporalAddress, Logger: lg})
	if err != nil {
		lg.Fatal("dial temporal", "error", err)
	}
	defer c.Close()

	if err := wk.Start(ctx); err != nil {
		lg.Fatal("start worker services", "error", err)
	}

	w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{})
	workflows.Register(w)
	activities.Register(w, wk.Activities)

	lg.Info("genpaper worker listening", "temporal", cfg.TemporalAddress, "queue", cfg.TemporalTaskQueue,
		"llm_providers", cfg.LLMProviders, "embed_providers", cfg.EmbedProviders)
	if err := w.Run(worker.InterruptCh()); err != nil {
		lg.Error("worker stopped", "error", err)
	}
}
