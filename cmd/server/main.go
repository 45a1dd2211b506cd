package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc/health"

	chatrepo "chat-notify/internal/chat/repository"
	"chat-notify/internal/config"
	"chat-notify/internal/db"
	healthhandler "chat-notify/internal/health/handler"
	"chat-notify/internal/notify/listener"
	"chat-notify/internal/notify/registry"
	"chat-notify/internal/notify/router"
	"chat-notify/internal/policy/engine"
	"chat-notify/internal/security"
	"chat-notify/internal/server"
	"chat-notify/internal/stream"
	streamhandler "chat-notify/internal/stream/handler"
	"chat-notify/internal/telemetry"
	telemetryotel "chat-notify/internal/telemetry/otel"
)

const (
	healthInterval  = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env or set DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Env,
	})
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	metrics := telemetry.MustMetrics(nil)
	emitter := telemetryotel.NewEventEmitter(providers.LoggerProvider)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	priv, pub, err := security.LoadKeys(cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("jwt keys: %v", err)
	}
	tokens := security.NewTokenProvider(priv, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())

	policy, err := engine.LoadOPAEvaluator(ctx, cfg.StreamPolicyFile)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	reg := registry.New(registry.Options{
		Shards:   cfg.RegistryShards,
		Capacity: cfg.ChannelCapacity,
		OnDrop: func(_ int64, dropped int) {
			metrics.RecordDrop(context.Background(), dropped)
		},
	})

	// The listener must be subscribed before any stream is served.
	lis := listener.New(
		listener.NewPgDialer(cfg.DatabaseURL),
		listener.NewDecoder(chatrepo.NewPostgresRepository(pool)),
		router.New(reg, metrics),
		telemetry.ListenerRecorder{Metrics: metrics, Emitter: emitter},
		listener.Options{
			Channels:        cfg.ListenerChannelList(),
			StartupAttempts: uint(cfg.ListenerStartupAttempts),
			MaxBackoff:      cfg.BackoffMax(),
		},
	)
	if err := lis.Start(ctx); err != nil {
		log.Fatalf("listener: %v", err)
	}

	checker := healthhandler.NewChecker(pool, lis, policy)
	healthServer := health.NewServer()
	go checker.Watch(ctx, healthServer, healthInterval)

	sessions := stream.NewManager(reg, policy, emitter, metrics, stream.Options{
		HeartbeatInterval:  cfg.Heartbeat(),
		HeartbeatText:      cfg.HeartbeatText,
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
	})
	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.NewHTTPHandler(server.HTTPDeps{
			Streams:     streamhandler.New(sessions, cfg.CORSAllowOrigin),
			Health:      checker,
			Tokens:      tokens,
			AllowOrigin: cfg.CORSAllowOrigin,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		// Stream requests end when the process is signalled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	grpcServer := server.NewGRPCServer(healthServer)

	go func() {
		log.Printf("gRPC server listening on %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(grpcLis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
	case <-lis.Done():
		log.Println("listener stopped unexpectedly")
	}
	stop()

	log.Println("shutting down...")
	healthServer.Shutdown()
	reg.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	grpcServer.GracefulStop()
	<-lis.Done()

	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("otel shutdown: %v", err)
	}
	log.Println("server stopped")
}
