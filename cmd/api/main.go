package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tally.org/internal/cache"
	"tally.org/internal/httpapi"
	"tally.org/internal/obs"
	"tally.org/internal/store/pg"
	"tally.org/internal/stream"
	"tally.org/internal/token"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx := context.Background()

	// Storage: Postgres when a DSN is configured, in-memory otherwise.
	var (
		svc   token.Service
		probe httpapi.ReadyProbe
	)
	if dsn := os.Getenv("TALLY_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		svc = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		log.Println("TALLY_PG_DSN not set, using in-memory store")
		mem := token.NewInMemory()
		seedDefaultCosts(mem)
		svc = mem
	}

	// Optional Redis read-through cache for the cost catalog.
	if addr := os.Getenv("TALLY_REDIS_ADDR"); addr != "" {
		cached, err := cache.New(ctx, svc, addr)
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer cached.Close()
		svc = cached
	}

	api := httpapi.New(svc, stream.New(), probe, version)

	handler := httpapi.SecurityHeaders(
		httpapi.CORS(
			httpapi.RateLimit(
				httpapi.MaxBodyBytes(
					httpapi.Logging(api.Handler()),
					1<<20,
				),
				50, 25,
			),
		),
	)

	httpAddr := envOr("TALLY_HTTP_ADDR", ":8080")
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// gRPC health endpoint for infra probes.
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("tally-api", healthpb.HealthCheckResponse_SERVING)

	grpcAddr := envOr("TALLY_GRPC_ADDR", ":9090")
	grpcLis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	log.Printf("Starting tally-api %s on %s (grpc health on %s)", version, srv.Addr, grpcAddr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	healthSrv.SetServingStatus("tally-api", healthpb.HealthCheckResponse_NOT_SERVING)
	obs.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	log.Println("Stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// seedDefaultCosts mirrors seeds/0001_default_action_costs.sql for the
// in-memory dev mode.
func seedDefaultCosts(mem *token.InMemory) {
	mem.SetGlobalCost(token.ActionMessageText, 1, true, false)
	mem.SetGlobalCost(token.ActionMessageMedia, 3, true, false)
	mem.SetGlobalCost(token.ActionAISummary, 15, true, false)
	mem.SetGlobalCost(token.ActionAISmartReply, 5, true, false)
	mem.SetGlobalCost(token.ActionAIModeration, 2, true, false)
	mem.SetGlobalCost(token.ActionAIAnalytics, 20, true, false)
	mem.SetGlobalCost(token.ActionBroadcast, 10, true, true)
	mem.SetGlobalCost(token.ActionVoiceNote, 2, true, false)
	mem.SetGlobalCost(token.ActionFileShare, 2, true, false)
}
