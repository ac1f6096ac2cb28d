package main

import (
	"context"
	"log"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MoonLadderStudios/MoonMind-sub003/internal/checkpoint"
	"github.com/MoonLadderStudios/MoonMind-sub003/internal/observability"
	"github.com/MoonLadderStudios/MoonMind-sub003/internal/selfheal"
	"github.com/MoonLadderStudios/MoonMind-sub003/worker/internal/config"
	"github.com/MoonLadderStudios/MoonMind-sub003/worker/internal/gateway"
	"github.com/MoonLadderStudios/MoonMind-sub003/worker/internal/runner"
	"github.com/MoonLadderStudios/MoonMind-sub003/worker/internal/runtime"
	"github.com/MoonLadderStudios/MoonMind-sub003/worker/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()

	shutdownTracing, err := observability.InitTracingFromEnv("worker-agent")
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	}
	if shutdownTracing != nil {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	client := gateway.New(cfg.GatewayBaseURL, cfg.APIToken)
	tel := telemetry.NewRegistry(cfg.WorkerID)

	store, err := checkpoint.NewStore(cfg.ArtifactRoot)
	if err != nil {
		log.Fatalf("checkpoint store: %v", err)
	}
	var archiver *checkpoint.Archiver
	if strings.EqualFold(cfg.ArtifactBackend, "minio") {
		archiver, err = checkpoint.NewArchiver(store, checkpoint.ArchiverConfigFromEnv())
		if err != nil {
			log.Fatalf("artifact archiver: %v", err)
		}
	}

	classifier, rulesPath, err := selfheal.LoadClassifierFromEnv()
	if err != nil {
		log.Fatalf("load classifier rules: %v", err)
	}
	if rulesPath != "" {
		go func() {
			if err := selfheal.WatchRules(ctx, classifier, rulesPath); err != nil {
				log.Printf("rules watcher stopped: %v", err)
			}
		}()
	}

	adapter, err := runner.NewCommandAdapter(cfg.RunnerCommand)
	if err != nil {
		log.Fatalf("runner: %v", err)
	}
	run := runner.New(
		cfg,
		client,
		store,
		archiver,
		classifier,
		selfheal.ConfigFromEnv(),
		selfheal.RedactorFromEnviron(cfg.APIToken),
		adapter,
		tel,
	)

	rt := runtime.New(cfg, client, run, tel)
	log.Printf("worker-agent %s polling %s", cfg.WorkerID, cfg.GatewayBaseURL)
	if err := rt.Run(ctx); err != nil {
		log.Fatalf("runtime stopped with error: %v", err)
	}
}
