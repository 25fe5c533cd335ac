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

	"github.com/redis/go-redis/v9"

	"quelyos-auth/internal/audit"
	auditrepo "quelyos-auth/internal/audit/repository"
	"quelyos-auth/internal/config"
	"quelyos-auth/internal/db"
	healthhandler "quelyos-auth/internal/health/handler"
	identityhandler "quelyos-auth/internal/identity/handler"
	identityservice "quelyos-auth/internal/identity/service"
	policyengine "quelyos-auth/internal/policy/engine"
	rtrepo "quelyos-auth/internal/refreshtoken/repository"
	"quelyos-auth/internal/rotation"
	"quelyos-auth/internal/security"
	"quelyos-auth/internal/server"
	"quelyos-auth/internal/sweeper"
	"quelyos-auth/internal/telemetry"
	telemetryotel "quelyos-auth/internal/telemetry/otel"
	"quelyos-auth/internal/telemetry/producer"
	userrepo "quelyos-auth/internal/user/repository"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	metrics, err := telemetry.NewMetrics(providers.Meter("quelyos.auth"))
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	kafkaProducer, err := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.SecurityKafkaTopic)
	if err != nil {
		log.Fatalf("kafka: %v", err)
	}
	emitters := []telemetry.EventEmitter{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	if kafkaProducer != nil {
		emitters = append(emitters, kafkaProducer)
		log.Printf("security events: kafka topic %s", cfg.SecurityKafkaTopic)
	}
	emitter := telemetry.Multi(emitters...)

	tokens, err := newTokenProvider(cfg)
	if err != nil {
		log.Fatalf("jwt: %v", err)
	}
	log.Printf("access tokens signed with %s", tokens.Alg())

	engine, err := rotation.NewEngine(rotation.Deps{
		Store:      rtrepo.NewPostgresRepository(conn),
		Issuer:     tokens,
		Emitter:    emitter,
		Metrics:    metrics,
		RefreshTTL: cfg.RefreshTTL(),
	})
	if err != nil {
		log.Fatalf("rotation: %v", err)
	}

	policy, err := policyengine.NewOPAEvaluator(ctx, "")
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	authSvc := identityservice.NewAuthService(
		userrepo.NewPostgresRepository(conn),
		engine,
		security.NewHasher(cfg.BcryptCost),
		policy,
		identityservice.Options{
			Audit:         audit.NewLogger(auditrepo.NewPostgresRepository(conn), nil),
			Emitter:       emitter,
			RetentionDays: cfg.TokenRetentionDays,
		},
	)

	checker := healthhandler.NewChecker(conn, policy)
	router := server.NewRouter(identityhandler.NewHandler(authSvc, tokens, checker), cfg.Env)
	httpSrv := server.NewHTTPServer(cfg.HTTPAddr, router)
	grpcSrv := server.NewGRPCServer(server.Deps{HealthChecker: checker})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	var lease sweeper.Lease
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		lease = sweeper.NewRedisLease(rdb, sweeper.DefaultLeaseKey)
		log.Printf("sweeper: using redis lease at %s", cfg.RedisAddr)
	}
	sw, err := sweeper.New(engine, cfg.PurgeEvery(), cfg.TokenRetentionDays, lease)
	if err != nil {
		log.Fatalf("sweeper: %v", err)
	}
	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sw.Run(sweepCtx)
	}()

	go func() {
		log.Printf("gRPC server listening on %s", cfg.GRPCAddr)
		if err := grpcSrv.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	grpcSrv.GracefulStop()
	stopSweep()
	<-sweepDone

	// Let in-flight async security events finish before closing their sinks.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := kafkaProducer.Close(); err != nil {
		log.Printf("kafka close: %v", err)
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("otel shutdown: %v", err)
	}
	log.Println("server stopped")
}

// newTokenProvider picks RS256/ES256 when a key pair is configured, else HS256.
// Outside production an empty secret falls back to a random per-process secret.
func newTokenProvider(cfg *config.Config) (*security.TokenProvider, error) {
	if cfg.JWTPrivateKey != "" {
		priv, pub, err := security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
		if err != nil {
			return nil, err
		}
		return security.NewTokenProvider(priv, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	}
	secret := cfg.JWTSecret
	if secret == "" {
		random, err := security.GenerateRefreshToken()
		if err != nil {
			return nil, err
		}
		log.Println("jwt: JWT_SECRET not set, using an ephemeral secret; access tokens will not survive a restart")
		secret = random
	}
	return security.NewHMACTokenProvider([]byte(secret), cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
}
