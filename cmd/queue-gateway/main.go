package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/MoonLadderStudios/MoonMind-sub003/internal/api"
	"github.com/MoonLadderStudios/MoonMind-sub003/internal/bootstrap"
	"github.com/MoonLadderStudios/MoonMind-sub003/internal/observability"
)

func main() {
	port := os.Getenv("AGENTQ_GATEWAY_PORT")
	if port == "" {
		port = "8080"
	}

	shutdownTracing, err := observability.InitTracingFromEnv("queue-gateway")
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	}

	svc, err := bootstrap.NewServiceFromEnv()
	if err != nil {
		log.Fatalf("bootstrap queue service: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reclaimInterval := 15 * time.Second
	if raw := os.Getenv("AGENTQ_RECLAIM_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			reclaimInterval = time.Duration(v) * time.Second
		}
	}
	go svc.ReclaimLoop(ctx, reclaimInterval)

	server := &http.Server{
		Addr:    ":" + port,
		Handler: api.NewServer(svc).Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		if shutdownTracing != nil {
			_ = shutdownTracing(shutdownCtx)
		}
	}()

	log.Printf("agentq queue-gateway listening on :%s", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("queue-gateway failed: %v", err)
	}
}
