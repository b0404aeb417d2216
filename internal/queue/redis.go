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
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"vodforge/internal/observability/metrics"
)

const (
	defaultRedisStream  = "vodforge:jobs"
	defaultRedisGroup   = "transcode-workers"
	defaultBlockTimeout = 2 * time.Second
	defaultStreamMaxLen = 10000
	redisReadBatch      = 8
	redisRetryDelay     = 200 * time.Millisecond
	payloadField        = "payload"
)

// RedisTLSConfig enables TLS towards Redis. The zero value disables it.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisQueueConfig configures the Redis Streams job queue. Addrs with more
// than one entry selects a cluster client and MasterName a sentinel client.
type RedisQueueConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	Stream       string
	Group        string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// BlockTimeout bounds each XREADGROUP call.
	BlockTimeout time.Duration
	// MaxLen caps the stream with approximate trimming on every XADD.
	MaxLen  int64
	TLS     RedisTLSConfig
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

func (cfg RedisQueueConfig) addrs() []string {
	var out []string
	for _, addr := range append([]string{cfg.Addr}, cfg.Addrs...) {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// NewRedisQueue connects to Redis and creates the consumer group. Workers in
// every process share the group so each job is claimed by one of them.
func NewRedisQueue(cfg RedisQueueConfig) (Queue, error) {
	addrs := cfg.addrs()
	if len(addrs) == 0 {
		return nil, errors.New("redis address is required")
	}
	tlsConfig, err := cfg.TLS.build()
	if err != nil {
		return nil, err
	}
	q := &redisQueue{
		client: redis.NewUniversalClient(&redis.UniversalOptions{
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
		}),
		stream:  firstNonBlank(cfg.Stream, defaultRedisStream),
		group:   firstNonBlank(cfg.Group, defaultRedisGroup),
		block:   cfg.BlockTimeout,
		maxLen:  cfg.MaxLen,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if q.block <= 0 {
		q.block = defaultBlockTimeout
	}
	if q.maxLen <= 0 {
		q.maxLen = defaultStreamMaxLen
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.metrics == nil {
		q.metrics = metrics.Default()
	}
	if err := q.ensureGroup(context.Background()); err != nil {
		q.client.Close()
		return nil, err
	}
	return q, nil
}

type redisQueue struct {
	client  redis.UniversalClient
	stream  string
	group   string
	block   time.Duration
	maxLen  int64
	logger  *slog.Logger
	metrics *metrics.Recorder

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

func (q *redisQueue) Publish(ctx context.Context, watchID string) (Job, error) {
	job, err := newJob(watchID)
	if err != nil {
		return Job{}, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("marshal job: %w", err)
	}
	if err := q.ensureGroup(ctx); err != nil {
		return Job{}, err
	}
	if err := q.add(ctx, payload); err != nil {
		return Job{}, fmt.Errorf("publish job: %w", err)
	}
	q.metrics.ObserveQueue("enqueue")
	return job, nil
}

func (q *redisQueue) add(ctx context.Context, payload []byte) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: payload},
	}).Err()
}

func (q *redisQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		queue:    q,
		consumer: newConsumerName(),
		cancel:   cancel,
		ch:       make(chan Job),
	}
	go sub.run(ctx)
	return sub
}

// ensureGroup creates the consumer group at the start of the stream so jobs
// published before the first worker starts are still delivered.
func (q *redisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group %s: %w", q.group, err)
	}
	q.groupReady.Store(true)
	return nil
}

type redisSubscription struct {
	queue    *redisQueue
	consumer string
	cancel   context.CancelFunc
	ch       chan Job
}

func (s *redisSubscription) Jobs() <-chan Job {
	return s.ch
}

// Close stops reading. The run loop closes the job channel once any entry it
// holds has been handed back to the stream.
func (s *redisSubscription) Close() {
	s.cancel()
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	logger := s.queue.logger.With("consumer", s.consumer)
	for ctx.Err() == nil {
		messages, err := s.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("redis queue read failed", "error", err)
			sleepContext(ctx, redisRetryDelay)
			continue
		}
		for i, msg := range messages {
			job, err := decodeMessage(msg)
			if err != nil {
				logger.Error("dropping undecodable job", "id", msg.ID, "error", err)
				s.ack(ctx, msg.ID)
				continue
			}
			select {
			case s.ch <- job:
				s.ack(ctx, msg.ID)
				s.queue.metrics.ObserveQueue("dequeue")
			case <-ctx.Done():
				for _, rest := range messages[i:] {
					s.requeue(rest)
				}
				return
			}
		}
	}
}

func (s *redisSubscription) read(ctx context.Context) ([]redis.XMessage, error) {
	if err := s.queue.ensureGroup(ctx); err != nil {
		return nil, err
	}
	streams, err := s.queue.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.queue.group,
		Consumer: s.consumer,
		Streams:  []string{s.queue.stream, ">"},
		Count:    redisReadBatch,
		Block:    s.queue.block,
	}).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, nil
		}
		return nil, err
	}
	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return messages, nil
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if err := s.queue.client.XAck(ctx, s.queue.stream, s.queue.group, id).Err(); err != nil {
		s.queue.logger.Warn("redis ack failed", "id", id, "error", err)
	}
}

// requeue acknowledges a message this consumer will not process and appends
// its payload again for another worker.
func (s *redisSubscription) requeue(msg redis.XMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.ack(ctx, msg.ID)
	payload := messagePayload(msg)
	if payload == "" {
		return
	}
	if err := s.queue.add(ctx, []byte(payload)); err != nil {
		s.queue.logger.Warn("redis requeue failed", "id", msg.ID, "error", err)
		return
	}
	s.queue.metrics.ObserveQueue("requeue")
}

func messagePayload(msg redis.XMessage) string {
	switch v := msg.Values[payloadField].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func decodeMessage(msg redis.XMessage) (Job, error) {
	payload := messagePayload(msg)
	if payload == "" {
		return Job{}, errors.New("missing payload")
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return Job{}, err
	}
	if strings.TrimSpace(job.WatchID) == "" {
		return Job{}, ErrWatchIDRequired
	}
	return job, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// isNilReply reports an XREADGROUP that timed out without messages.
func isNilReply(err error) bool {
	if errors.Is(err, redis.Nil) {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nil reply")
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func newConsumerName() string {
	host, _ := os.Hostname()
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%s", firstNonBlank(host, "worker"), hex.EncodeToString(buf))
}

func firstNonBlank(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func (c RedisTLSConfig) build() (*tls.Config, error) {
	if c.CAFile == "" && c.CertFile == "" && c.KeyFile == "" && !c.InsecureSkipVerify {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.CAFile != "" {
		data, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read redis CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("redis CA %s contains no certificates", c.CAFile)
		}
		cfg.RootCAs = pool
	}
	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
