package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/learnlab/internal/api"
	"github.com/seantiz/learnlab/internal/config"
	"github.com/seantiz/learnlab/internal/events"
	"github.com/seantiz/learnlab/internal/pipeline"
	"github.com/seantiz/learnlab/internal/registry"
	"github.com/seantiz/learnlab/internal/sandbox"
	"github.com/seantiz/learnlab/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("learnlab: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"models_dir", cfg.ModelsDir,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}

	reg := registry.New(cfg.ModelsDir, logger)
	if err := reg.Load(); err != nil {
		log.Fatalf("failed to load model registry: %v", err)
	}
	logger.Info("model registry loaded", "models", len(reg.List()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reload model packages when the models directory changes on disk.
	go func() {
		if err := reg.Watch(ctx); err != nil {
			logger.Warn("registry watcher stopped", "error", err)
		}
	}()

	broker := events.NewBroker()
	defer broker.CloseAll()

	eng := pipeline.NewEngine(db, reg, broker, logger, pipeline.Config{
		Interpreter:  cfg.PythonBin,
		StageTimeout: cfg.StageTimeout,
	})

	policy, err := sandbox.LoadPolicy(cfg.SandboxPolicyPath)
	if err != nil {
		log.Fatalf("failed to load sandbox policy: %v", err)
	}
	runtime, err := sandbox.NewDockerRuntime()
	if err != nil {
		log.Fatalf("failed to connect to container runtime: %v", err)
	}
	executor := sandbox.NewExecutor(runtime, policy, broker, logger)
	go sandbox.NewReaper(runtime, policy, logger).Run(ctx)

	srv := api.NewServer(cfg.ListenAddr, cfg.DataDir, db, reg, eng, executor, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// Let in-flight stage and sandbox runs reach a terminal status before
	// the store closes under them.
	eng.Wait()
	executor.Wait()
}
