package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"quickdraw/pkg/audit"
	"quickdraw/pkg/httpx"
	"quickdraw/pkg/identity"
	"quickdraw/pkg/metrics"
	"quickdraw/pkg/ratelimit"
	"quickdraw/pkg/registry"
	"quickdraw/pkg/service"
	"quickdraw/pkg/statebus"
	"quickdraw/pkg/store"
	"quickdraw/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type Server struct {
	DB                 gatewayDB
	Cache              store.Cache
	Redis              *redis.Client
	Metrics            *metrics.Registry
	Registry           *registry.Registry
	Resolver           *identity.Resolver
	Audit              *audit.Writer
	Bus                *statebus.Relay
	Origin             string
	RateLimiter        ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerWindow int
	ConnBuffer         int
	WriteTimeout       time.Duration

	// Storage overrides; left nil they default to postgres-backed
	// implementations over DB.
	ChatEntities store.Entities
	DocEntities  store.Entities
	UserEntities store.Entities
	Members      memberStore
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(ctx context.Context, s *Server) {
		go s.metricsLoop(ctx)
	}
	openBusFnG = openBus
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	authSecret := env("AUTH_HS256_SECRET", "")
	if authSecret == "" && env("ALLOW_ANONYMOUS_ONLY", "false") != "true" {
		return errors.New("AUTH_HS256_SECRET is required unless ALLOW_ANONYMOUS_ONLY=true")
	}

	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true")

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	s := &Server{
		DB:      pool,
		Cache:   cache,
		Redis:   redisClient,
		Metrics: metrics.NewRegistry(),
		Resolver: &identity.Resolver{
			DB:       pool,
			Secret:   authSecret,
			Cache:    cache,
			CacheTTL: envDurationSec("IDENTITY_CACHE_TTL_SEC", 300),
		},
		Audit:              &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact},
		Origin:             env("NODE_ID", uuid.NewString()),
		RateLimitEnabled:   env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerWindow: envInt("RATE_LIMIT_PER_WINDOW", 600),
		ConnBuffer:         envInt("CONN_PUSH_BUFFER", 64),
		WriteTimeout:       envDurationSec("WS_WRITE_TIMEOUT_SEC", 5),
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	bus, busConsumer, err := openBusFnG(s.Origin)
	if err != nil {
		return fmt.Errorf("statebus: %w", err)
	}
	s.Bus = bus

	reg := registry.New()
	reg.Metrics = s.Metrics
	reg.Audit = s.Audit
	s.Registry = reg
	if err := s.registerServices(); err != nil {
		return err
	}

	if busConsumer != nil {
		go func() {
			defer busConsumer.Close()
			if err := statebus.Consume(ctx, busConsumer, s.Origin, s.applyRemoteUpdate); err != nil {
				log.Printf("statebus consumer stopped: %v", err)
			}
		}()
	}

	if env("ENSURE_SCHEMA", "true") == "true" {
		if err := s.ensureSchema(ctx); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}

	if startLoops != nil {
		startLoops(ctx, s)
	}

	r := chi.NewRouter()
	r.Use(httpx.CORS(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeaders)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Get("/ws", s.handleWS)

	addr := env("ADDR", ":8080")
	log.Printf("gateway %s listening on %s", s.Origin, addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// openBus wires the kafka relay when brokers are configured; a single
// node runs fine without one.
func openBus(origin string) (*statebus.Relay, statebus.Consumer, error) {
	brokers := strings.TrimSpace(env("KAFKA_BROKERS", ""))
	if brokers == "" {
		return nil, nil, nil
	}
	cfg := statebus.KafkaConfig{
		Brokers: strings.Split(brokers, ","),
		Topic:   env("KAFKA_TOPIC", "quickdraw.updates"),
		GroupID: env("KAFKA_GROUP_ID", "gateway-"+origin),
	}
	producer, err := statebus.NewKafkaProducer(cfg)
	if err != nil {
		return nil, nil, err
	}
	consumer, err := statebus.NewKafkaConsumer(cfg)
	if err != nil {
		_ = producer.Close()
		return nil, nil, err
	}
	return &statebus.Relay{Origin: origin, Producer: producer}, consumer, nil
}

// applyRemoteUpdate delivers a patch relayed from another node to local
// subscribers without republishing it.
func (s *Server) applyRemoteUpdate(serviceName, entryID string, patch map[string]interface{}) {
	svc, ok := s.Registry.Service(serviceName)
	if !ok {
		return
	}
	svc.EmitLocal(entryID, patch)
}

func (s *Server) registerServices() error {
	chatSvc, err := s.buildChatService()
	if err != nil {
		return err
	}
	docSvc, err := s.buildDocumentService()
	if err != nil {
		return err
	}
	userSvc, err := s.buildUserService()
	if err != nil {
		return err
	}
	for _, svc := range []*service.Service{chatSvc, docSvc, userSvc} {
		if err := s.Registry.Register(svc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) ensureSchema(ctx context.Context) error {
	if err := s.Audit.EnsureSchema(ctx); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			grants JSONB NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS chat_members (
			chat_id TEXT NOT NULL,
			identity_id TEXT NOT NULL,
			level TEXT NOT NULL,
			PRIMARY KEY (chat_id, identity_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	for _, svc := range s.Registry.Services() {
		if pg, ok := svc.Entities().(*store.PostgresEntities); ok {
			if err := pg.EnsureSchema(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// metricsLoop refreshes the subscription gauges so they stay honest
// even when a service is idle.
func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(envDurationSec("METRICS_REFRESH_SEC", 30))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, svc := range s.Registry.Services() {
				s.Metrics.SetSubscriptions(svc.Name(), int64(svc.Subscriptions()))
			}
		}
	}
}

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
