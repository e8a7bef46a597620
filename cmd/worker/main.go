// Command worker runs the Videoflix transcoding pipeline: it drains the job
// queue, encodes the rendition ladder with ffmpeg, assembles HLS manifests,
// and serves the admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/HergenEngelhardt/Videoflix/internal/api"
	"github.com/HergenEngelhardt/Videoflix/internal/catalog"
	"github.com/HergenEngelhardt/Videoflix/internal/observability/logging"
	"github.com/HergenEngelhardt/Videoflix/internal/observability/metrics"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/plan"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/queue"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/state"
	"github.com/HergenEngelhardt/Videoflix/internal/pipeline/transcode"
	"github.com/HergenEngelhardt/Videoflix/internal/serverutil"
)

func main() {
	addr := flag.String("addr", "", "admin HTTP listen address")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	catalogDriver := flag.String("catalog-driver", "", "catalog driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the catalog")
	stateDriver := flag.String("state-driver", "", "rendition state driver (memory or sqlite)")
	statePath := flag.String("state-db", "", "path to the sqlite state database")
	queueDriver := flag.String("queue-driver", "", "job queue driver (memory or redis)")
	redisAddr := flag.String("queue-redis-addr", "", "Redis address for the job queue")
	redisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the job queue")
	redisUsername := flag.String("queue-redis-username", "", "Redis username for the job queue")
	redisPassword := flag.String("queue-redis-password", "", "Redis password for the job queue")
	redisStream := flag.String("queue-redis-stream", "", "Redis stream key for transcode jobs")
	redisGroup := flag.String("queue-redis-group", "", "Redis consumer group for transcode jobs")
	redisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the job queue")
	redisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the job queue")
	redisMinIdle := flag.Duration("queue-redis-min-idle", 0, "idle window before pending entries are reclaimed")
	redisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the job queue")
	redisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate for the job queue")
	redisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key for the job queue")
	redisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name for the job queue")
	redisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification for the job queue")
	mediaRoot := flag.String("media-root", "", "directory HLS output is written under")
	thumbnailRoot := flag.String("thumbnail-root", "", "directory poster frames are written under")
	ladderSpec := flag.String("ladder", "", "rendition ladder override (name:WxH:bitrate, comma separated)")
	ffmpegBinary := flag.String("ffmpeg", "", "ffmpeg binary path")
	ffmpegTimeout := flag.Duration("ffmpeg-timeout", 0, "wall clock limit per encode")
	workers := flag.Int("workers", 0, "number of concurrent jobs")
	renditionParallelism := flag.Int("rendition-parallelism", 0, "concurrent encodes within one job")
	maxAttempts := flag.Int("max-attempts", 0, "transcode attempts per rendition")
	retryBackoff := flag.Duration("retry-backoff", 0, "initial delay between rendition retries")
	stalledAfter := flag.Duration("stalled-after", 0, "age at which a running claim is considered orphaned")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VIDEOFLIX_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VIDEOFLIX_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	ladder, err := resolveLadder(firstNonEmpty(*ladderSpec, os.Getenv("VIDEOFLIX_TRANSCODE_LADDER")))
	if err != nil {
		logger.Error("invalid transcode ladder", "error", err)
		os.Exit(1)
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	store, closeCatalog, err := configureCatalog(bootCtx, *catalogDriver, *postgresDSN)
	if err != nil {
		logger.Error("failed to configure catalog", "error", err)
		os.Exit(1)
	}
	defer closeCatalog()

	states, err := configureStateStore(*stateDriver, *statePath)
	if err != nil {
		logger.Error("failed to configure state store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := states.Close(); err != nil {
			logger.Warn("failed to close state store", "error", err)
		}
	}()

	jobQueue, err := configureQueue(queueSettings{
		driver:     firstNonEmpty(*queueDriver, os.Getenv("VIDEOFLIX_QUEUE_DRIVER")),
		addr:       firstNonEmpty(*redisAddr, os.Getenv("VIDEOFLIX_QUEUE_REDIS_ADDR")),
		addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("VIDEOFLIX_QUEUE_REDIS_ADDRS"))),
		username:   firstNonEmpty(*redisUsername, os.Getenv("VIDEOFLIX_QUEUE_REDIS_USERNAME")),
		password:   firstNonEmpty(*redisPassword, os.Getenv("VIDEOFLIX_QUEUE_REDIS_PASSWORD")),
		stream:     firstNonEmpty(*redisStream, os.Getenv("VIDEOFLIX_QUEUE_REDIS_STREAM")),
		group:      firstNonEmpty(*redisGroup, os.Getenv("VIDEOFLIX_QUEUE_REDIS_GROUP")),
		masterName: firstNonEmpty(*redisMasterName, os.Getenv("VIDEOFLIX_QUEUE_REDIS_SENTINEL_MASTER")),
		poolSize:   resolveInt(*redisPoolSize, "VIDEOFLIX_QUEUE_REDIS_POOL_SIZE"),
		minIdle:    resolveDuration(*redisMinIdle, "VIDEOFLIX_QUEUE_REDIS_MIN_IDLE", 0),
		tls: queue.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("VIDEOFLIX_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("VIDEOFLIX_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("VIDEOFLIX_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("VIDEOFLIX_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "VIDEOFLIX_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
		logger: logger,
	})
	if err != nil {
		logger.Error("failed to configure job queue", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := jobQueue.Close(); err != nil {
			logger.Warn("failed to close job queue", "error", err)
		}
	}()

	runner := transcode.NewFFmpeg(transcode.FFmpegConfig{
		Binary:  firstNonEmpty(*ffmpegBinary, os.Getenv("VIDEOFLIX_FFMPEG_BIN")),
		Timeout: resolveDuration(*ffmpegTimeout, "VIDEOFLIX_FFMPEG_TIMEOUT", 0),
		Logger:  logging.WithComponent(logger, "ffmpeg"),
	})

	processor, err := pipeline.NewProcessor(pipeline.Config{
		Catalog:              store,
		States:               states,
		Queue:                jobQueue,
		Runner:               runner,
		Ladder:               ladder,
		MediaRoot:            resolvePath(*mediaRoot, "VIDEOFLIX_MEDIA_ROOT", "data/hls"),
		ThumbnailRoot:        resolvePath(*thumbnailRoot, "VIDEOFLIX_THUMBNAIL_ROOT", "data/thumbnails"),
		Workers:              resolveInt(*workers, "VIDEOFLIX_WORKERS"),
		RenditionParallelism: resolveInt(*renditionParallelism, "VIDEOFLIX_RENDITION_PARALLELISM"),
		MaxAttempts:          resolveInt(*maxAttempts, "VIDEOFLIX_MAX_ATTEMPTS"),
		RetryBackoff:         resolveDuration(*retryBackoff, "VIDEOFLIX_RETRY_BACKOFF", 0),
		StalledAfter:         resolveDuration(*stalledAfter, "VIDEOFLIX_STALLED_AFTER", 0),
		Metrics:              recorder,
		Logger:               logger,
	})
	if err != nil {
		logger.Error("failed to initialise pipeline", "error", err)
		os.Exit(1)
	}

	handler := &api.Handler{
		Catalog:    store,
		States:     states,
		Pipeline:   processor,
		Components: healthComponents(store, states, jobQueue),
		Logger:     logging.WithComponent(logger, "api"),
	}

	listenAddr := firstNonEmpty(*addr, os.Getenv("VIDEOFLIX_ADMIN_ADDR"))
	if listenAddr == "" {
		listenAddr = ":8090"
	}
	adminServer := &http.Server{
		Addr:              listenAddr,
		Handler:           handler.Routes(recorder),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	processor.Start()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", "addr", listenAddr)
		serverErr <- serverutil.Run(ctx, serverutil.Config{Server: adminServer})
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("admin server failed", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pipeline drain incomplete", "error", err)
	}
	logger.Info("worker stopped")
}

func resolveLadder(spec string) ([]plan.RenditionSpec, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	return plan.ParseLadder(spec)
}

func configureCatalog(ctx context.Context, flagDriver, flagDSN string) (catalog.Catalog, func(), error) {
	driver := strings.ToLower(firstNonEmpty(flagDriver, os.Getenv("VIDEOFLIX_CATALOG_DRIVER")))
	dsn := firstNonEmpty(flagDSN, os.Getenv("VIDEOFLIX_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return catalog.NewMemoryCatalog(), func() {}, nil
	case "postgres":
		if dsn == "" {
			return nil, nil, fmt.Errorf("postgres catalog selected without DSN")
		}
		store, err := catalog.NewPostgresCatalog(ctx, catalog.PostgresConfig{
			DSN:             dsn,
			ApplicationName: "videoflix-worker",
		})
		if err != nil {
			return nil, nil, err
		}
		closer := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = store.Close(closeCtx)
		}
		return store, closer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported catalog driver %q", driver)
	}
}

func configureStateStore(flagDriver, flagPath string) (state.Store, error) {
	driver := strings.ToLower(firstNonEmpty(flagDriver, os.Getenv("VIDEOFLIX_STATE_DRIVER")))
	path := firstNonEmpty(flagPath, os.Getenv("VIDEOFLIX_STATE_DB"))
	if driver == "" {
		if path != "" {
			driver = "sqlite"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return state.NewMemoryStore(), nil
	case "sqlite":
		if path == "" {
			path = "data/state.db"
		}
		return state.NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported state driver %q", driver)
	}
}

type queueSettings struct {
	driver     string
	addr       string
	addrs      []string
	username   string
	password   string
	stream     string
	group      string
	masterName string
	poolSize   int
	minIdle    time.Duration
	tls        queue.RedisTLSConfig
	logger     *slog.Logger
}

func configureQueue(cfg queueSettings) (queue.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.driver)) {
	case "redis":
		if len(cfg.addrs) == 0 && strings.TrimSpace(cfg.addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the job queue")
		}
		return queue.NewRedisQueue(queue.RedisQueueConfig{
			Addr:       cfg.addr,
			Addrs:      cfg.addrs,
			Username:   cfg.username,
			Password:   cfg.password,
			Stream:     cfg.stream,
			Group:      cfg.group,
			MasterName: cfg.masterName,
			PoolSize:   cfg.poolSize,
			MinIdle:    cfg.minIdle,
			TLS:        cfg.tls,
			Logger:     logging.WithComponent(cfg.logger, "queue"),
		})
	case "", "memory":
		return queue.NewMemoryQueue(queue.MemoryQueueConfig{}), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.driver)
	}
}

func healthComponents(store catalog.Catalog, states state.Store, jobQueue queue.Queue) []api.Component {
	components := make([]api.Component, 0, 3)
	if pinger, ok := store.(api.Pinger); ok {
		components = append(components, api.Component{Name: "catalog", Pinger: pinger})
	}
	if pinger, ok := states.(api.Pinger); ok {
		components = append(components, api.Component{Name: "state_store", Pinger: pinger})
	}
	if pinger, ok := jobQueue.(api.Pinger); ok {
		components = append(components, api.Component{Name: "job_queue", Pinger: pinger})
	}
	return components
}

func resolvePath(flagValue, envKey, fallback string) string {
	if value := firstNonEmpty(flagValue, os.Getenv(envKey)); value != "" {
		return value
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
