package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"dataexport/pkg/access"
	"dataexport/pkg/archive"
	"dataexport/pkg/audit"
	"dataexport/pkg/auth"
	"dataexport/pkg/blob"
	"dataexport/pkg/export"
	"dataexport/pkg/filter"
	"dataexport/pkg/hardening"
	"dataexport/pkg/history"
	"dataexport/pkg/httpx"
	"dataexport/pkg/metrics"
	"dataexport/pkg/paginate"
	"dataexport/pkg/ratelimit"
	"dataexport/pkg/records"
	"dataexport/pkg/statebus"
	"dataexport/pkg/store"
	"dataexport/pkg/stream"
	"dataexport/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// maintenanceKey lets operators switch maintenance on at runtime through the shared cache.
const maintenanceKey = "dataexport:maintenance"

type Server struct {
	Exports             *export.Service
	Resolver            export.CredentialResolver
	Authorizer          export.ResourceAuthorizer
	Lister              access.Lister
	Attempts            attemptStore
	DB                  pinger
	Cache               store.Cache
	Metrics             *metrics.Registry
	Events              *stream.Hub
	MaxRequestBodyBytes int64
	MaintenanceMode     bool
	WSAllowedOrigins    []string
}

type attemptStore interface {
	Get(ctx context.Context, id uuid.UUID) (audit.Attempt, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type exportdDB interface {
	store.DB
	pinger
	Close()
}

type exportdInitTelemetryFunc func(ctx context.Context, cfg telemetry.Config) (func(context.Context) error, error)
type exportdOpenDBFunc func(ctx context.Context) (exportdDB, error)
type exportdOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type exportdOpenFetcherFunc func(ctx context.Context) (archive.Fetcher, error)
type exportdListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context) (exportdDB, error) {
		return store.NewPostgresPool(ctx, store.PostgresConfigFromEnv())
	}
	openRedisFn = func(ctx context.Context) (*redis.Client, error) {
		cfg, err := store.RedisConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return store.NewRedis(ctx, cfg)
	}
	openFetcherFn = openFetcher
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runExportd(initTelemetryFn, openDBFn, openRedisFn, openFetcherFn, listenFn); err != nil {
		logFatalf("exportd: %v", err)
	}
}

func runExportd(
	initTelemetry exportdInitTelemetryFunc,
	openDB exportdOpenDBFunc,
	openRedis exportdOpenRedisFunc,
	openFetcher exportdOpenFetcherFunc,
	listen exportdListenFunc,
) error {
	ctx := context.Background()
	auditSalt := env("AUDIT_HASH_SALT", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:             "exportd",
		Environment:         env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:  env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:  env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:           env("REDIS_ADDR", ""),
		RedisRequireTLS:     env("REDIS_REQUIRE_TLS", ""),
		AuditHashSalt:       auditSalt,
		ObjectStoreEndpoint: env("OBJECT_STORE_ENDPOINT", ""),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true"),
	}); err != nil {
		return err
	}

	shutdown, err := initTelemetry(ctx, telemetry.ConfigFromEnv("exportd"))
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

	fetcher, err := openFetcher(ctx)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	if fetcher == nil {
		log.Printf("exportd: OBJECT_STORE_BUCKET unset, archive exports disabled")
	}

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	guard := &ratelimit.Guard{
		Limit:   envInt("RATE_LIMIT_PER_MINUTE", 30),
		Enabled: env("RATE_LIMIT_ENABLED", "true") == "true",
	}
	if guard.Enabled {
		if redisClient != nil {
			guard.Limiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			guard.Limiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	hub := stream.NewHub()
	observers := []export.Observer{hub}
	if brokers := splitList(env("AUDIT_KAFKA_BROKERS", "")); len(brokers) > 0 {
		publisher, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: brokers,
			Topic:   env("AUDIT_KAFKA_TOPIC", "dataexport.attempts"),
		})
		if err != nil {
			return fmt.Errorf("audit kafka: %w", err)
		}
		defer publisher.Close()
		observers = append(observers, publisher)
	}

	maxBody := int64(envInt("MAX_REQUEST_BODY_BYTES", 8<<20))
	if maxBody <= 0 {
		maxBody = 8 << 20
	}
	resolver := auth.NewResolver(&store.CredentialStore{DB: pool})
	resources := &store.ResourceStore{DB: pool}
	authorizer := &access.Authorizer{Store: resources}
	attempts := &audit.Writer{DB: pool}
	reg := metrics.NewRegistry()
	s := &Server{
		Resolver:            resolver,
		Authorizer:          authorizer,
		Lister:              resources,
		Attempts:            attempts,
		DB:                  pool,
		Cache:               cache,
		Metrics:             reg,
		Events:              hub,
		MaxRequestBodyBytes: maxBody,
		MaintenanceMode:     env("MAINTENANCE_MODE", "false") == "true",
		WSAllowedOrigins:    splitList(env("WS_ALLOWED_ORIGINS", "")),
	}
	s.Exports = &export.Service{
		Resolver:   resolver,
		Authorizer: authorizer,
		Assembler: &filter.Assembler{Participants: &store.CachedParticipantCounter{
			Lookup: &store.ParticipantStore{DB: pool},
			Cache:  cache,
			TTL:    envDurationSec("PARTICIPANT_CACHE_TTL_SEC", 600),
		}},
		Records: func(studyID int64, d filter.Descriptor) paginate.Source[records.Stub] {
			return &records.Query{DB: pool, StudyID: studyID, Filter: d}
		},
		History:        &history.Service{DB: pool, Reports: history.DefaultReportDecoder},
		Fetcher:        fetcher,
		Audit:          attempts,
		Redact:         audit.Redactor{Salt: []byte(auditSalt)},
		Limiter:        guard,
		Maintenance:    s.underMaintenance,
		Observers:      observers,
		Metrics:        reg,
		PageSize:       envInt("EXPORT_PAGE_SIZE", 10000),
		ArchiveWorkers: envInt("EXPORT_ARCHIVE_WORKERS", archive.DefaultWorkers),
	}

	addr := env("ADDR", ":8080")
	log.Printf("exportd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 30),
		// Exports stream for as long as the client keeps reading.
		WriteTimeout: envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 0),
		IdleTimeout:  envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("exportd"))
	r.Use(httpx.MaxBodyMiddleware(s.MaxRequestBodyBytes))

	r.Get("/healthz", s.healthz)
	r.Get("/v1/exports", s.handleExport)
	r.Post("/v1/exports", s.handleExport)
	r.Get("/v1/participants/history/{kind}", s.handleHistory)
	r.Post("/v1/participants/history/{kind}", s.handleHistory)
	r.Get("/v1/studies", s.listStudies)
	r.Post("/v1/studies", s.listStudies)
	r.Get("/v1/studies/participants", s.listParticipants)
	r.Post("/v1/studies/participants", s.listParticipants)

	r.Get("/metrics", s.requireAdmin(s.Metrics.Handler()))
	r.Get("/metrics/prometheus", s.requireAdmin(s.Metrics.PrometheusHandler()))
	r.Get("/v1/exports/events", s.requireAdmin(s.streamEvents))
	r.Get("/v1/exports/{attempt_id}", s.requireAdmin(s.getAttempt))
	return r
}

func (s *Server) underMaintenance(ctx context.Context) bool {
	if s.MaintenanceMode {
		return true
	}
	if s.Cache == nil {
		return false
	}
	v, err := s.Cache.Get(ctx, maintenanceKey)
	if err != nil {
		if !errors.Is(err, store.ErrCacheMiss) {
			log.Printf("exportd: maintenance flag: %v", err)
		}
		return false
	}
	return v == "1" || strings.EqualFold(v, "true")
}

func openFetcher(ctx context.Context) (archive.Fetcher, error) {
	cfg := blob.ConfigFromEnv()
	if cfg.Bucket == "" {
		return nil, nil
	}
	cfg.MaxObjectBytes = int64(envInt("OBJECT_STORE_MAX_OBJECT_BYTES", 256<<20))
	f, err := blob.NewS3Fetcher(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return f, nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		srv.Metrics.Observe(r.Method+" "+route, rec.code, time.Since(start))
	})
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
