package queue

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisQueueConfig configures the Redis Streams-backed job queue.
type RedisQueueConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	// MinIdle bounds how long a pending entry may sit unacknowledged on a
	// dead consumer before another consumer reclaims it.
	MinIdle    time.Duration
	PoolSize   int
	MasterName string
	TLS        RedisTLSConfig
}

const (
	defaultStream  = "videoflix:transcode"
	defaultGroup   = "transcode-workers"
	defaultMinIdle = time.Minute
)

// NewRedisQueue initialises a durable queue backed by a Redis stream consumer
// group. Jobs are acknowledged only after processing; entries pending on a
// crashed consumer are reclaimed once MinIdle elapses, which yields
// at-least-once delivery.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = defaultStream
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = defaultGroup
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	q := &RedisQueue{
		client:       client,
		stream:       stream,
		group:        group,
		consumer:     randomConsumerID(),
		blockTimeout: cfg.BlockTimeout,
		minIdle:      cfg.MinIdle,
		logger:       cfg.Logger,
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.blockTimeout <= 0 {
		q.blockTimeout = defaultBlockTimeout
	}
	if q.minIdle <= 0 {
		q.minIdle = defaultMinIdle
	}
	if err := q.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

// RedisQueue implements Queue on top of a Redis stream consumer group.
type RedisQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	consumer     string
	blockTimeout time.Duration
	minIdle      time.Duration
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	if err := q.client.Do(ctx, "XADD", q.stream, "*", "payload", string(payload)).Err(); err != nil {
		return fmt.Errorf("enqueue job for video %s: %w", job.VideoID, err)
	}
	return nil
}

// Dequeue reclaims an idle pending entry from a dead consumer when one
// exists, otherwise blocks for new entries up to the configured wait. It
// returns (nil, nil) when no work arrived in time.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	entry, err := q.claimIdle(ctx)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		entry, err = q.readNew(ctx)
		if err != nil {
			return nil, err
		}
	}
	if entry == nil {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal(entry.Payload, &job); err != nil {
		// Poison entry: acknowledge so it cannot wedge the group.
		q.logger.Error("discarding undecodable queue entry", "id", entry.ID, "error", err)
		q.ackEntry(ctx, entry.ID)
		return nil, nil
	}
	if err := job.Validate(); err != nil {
		q.logger.Error("discarding malformed queue entry", "id", entry.ID, "error", err)
		q.ackEntry(ctx, entry.ID)
		return nil, nil
	}
	id := entry.ID
	return &Delivery{
		Job: job,
		ack: func(ackCtx context.Context) error {
			if err := q.client.Do(ackCtx, "XACK", q.stream, q.group, id).Err(); err != nil {
				return fmt.Errorf("ack entry %s: %w", id, err)
			}
			return nil
		},
	}, nil
}

// Depth reports the stream length, which includes entries pending on
// consumers. Used to feed the backlog gauge.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	reply, err := q.client.Do(ctx, "XLEN", q.stream).Result()
	if err != nil {
		if isNilReply(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	depth, ok := reply.(int64)
	if !ok {
		return 0, fmt.Errorf("queue depth: unexpected reply %T", reply)
	}
	return depth, nil
}

// Ping verifies the Redis connection, used by the health endpoint.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Do(ctx, "PING").Err(); err != nil {
		return fmt.Errorf("redis queue ping: %w", err)
	}
	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	// Start at "0" so jobs enqueued before the first worker boot are
	// still consumed.
	err := q.client.Do(ctx, "XGROUP", "CREATE", q.stream, q.group, "0", "MKSTREAM").Err()
	if err != nil {
		if isBusyGroup(err) {
			q.groupReady.Store(true)
			return nil
		}
		return err
	}
	q.groupReady.Store(true)
	return nil
}

type streamEntry struct {
	ID      string
	Payload []byte
}

func (q *RedisQueue) claimIdle(ctx context.Context) (*streamEntry, error) {
	minIdleMs := strconv.FormatInt(q.minIdle.Milliseconds(), 10)
	reply, err := q.client.Do(
		ctx,
		"XAUTOCLAIM",
		q.stream,
		q.group,
		q.consumer,
		minIdleMs,
		"0-0",
		"COUNT",
		"1",
	).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, nil
		}
		if isUnknownCommand(err) {
			// Pre-6.2 servers and minimal stubs: fall back to fresh reads
			// only; stuck entries then need operator intervention.
			return nil, nil
		}
		return nil, fmt.Errorf("reclaim pending entries: %w", err)
	}
	parts, ok := reply.([]interface{})
	if !ok || len(parts) < 2 {
		return nil, nil
	}
	records, _ := parts[1].([]interface{})
	entries := parseRecords(records)
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (q *RedisQueue) readNew(ctx context.Context) (*streamEntry, error) {
	blockMs := int(math.Max(float64(q.blockTimeout.Milliseconds()), 1))
	reply, err := q.client.Do(
		ctx,
		"XREADGROUP",
		"GROUP",
		q.group,
		q.consumer,
		"COUNT",
		"1",
		"BLOCK",
		strconv.Itoa(blockMs),
		"STREAMS",
		q.stream,
		">",
	).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue: %w", err)
	}
	streams, ok := reply.([]interface{})
	if !ok || len(streams) == 0 {
		return nil, nil
	}
	for _, stream := range streams {
		parts, ok := stream.([]interface{})
		if !ok || len(parts) != 2 {
			continue
		}
		records, _ := parts[1].([]interface{})
		entries := parseRecords(records)
		if len(entries) > 0 {
			return &entries[0], nil
		}
	}
	return nil, nil
}

func (q *RedisQueue) ackEntry(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := q.client.Do(ctx, "XACK", q.stream, q.group, id).Err(); err != nil {
		q.logger.Warn("redis ack failed", "id", id, "error", err)
	}
}

func parseRecords(records []interface{}) []streamEntry {
	var entries []streamEntry
	for _, record := range records {
		tuple, ok := record.([]interface{})
		if !ok || len(tuple) != 2 {
			continue
		}
		id, _ := asString(tuple[0])
		fields, _ := tuple[1].([]interface{})
		payload := extractPayload(fields)
		if id == "" || len(payload) == 0 {
			continue
		}
		entries = append(entries, streamEntry{ID: id, Payload: payload})
	}
	return entries
}

func extractPayload(fields []interface{}) []byte {
	for i := 0; i < len(fields); i += 2 {
		key, _ := asString(fields[i])
		if strings.EqualFold(key, "payload") && i+1 < len(fields) {
			value, _ := asString(fields[i+1])
			if value != "" {
				return []byte(value)
			}
		}
	}
	return nil
}

func asString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygrou")
}

func isNilReply(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func isUnknownCommand(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unknown command")
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("worker-%s", hex.EncodeToString(buf))
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

var _ Queue = (*RedisQueue)(nil)
