package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"vodforge/internal/media"
	"vodforge/internal/objectstore"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/queue"
	"vodforge/internal/storage"
)

// settings holds the flags shared by every subcommand. Each flag falls back
// to a VODFORGE_* environment variable when unset.
type settings struct {
	logLevel  string
	logFormat string

	storageDriver          string
	storageDSN             string
	sqliteBusyTimeout      time.Duration
	postgresMaxConns       int
	postgresMinConns       int
	postgresAcquireTimeout time.Duration
	postgresMaxLifetime    time.Duration
	postgresMaxIdle        time.Duration
	postgresHealthInterval time.Duration
	postgresAppName        string

	mediaRoot   string
	ffmpeg      string
	ffprobe     string
	ladderFile  string
	probeSource bool

	objectDriver         string
	objectEndpoint       string
	objectRegion         string
	objectAccessKey      string
	objectSecretKey      string
	objectBucket         string
	objectUseSSL         bool
	objectPrefix         string
	objectPublicEndpoint string
	objectRoot           string
	objectTimeout        time.Duration

	queueDriver        string
	redisAddr          string
	redisAddrs         string
	redisUsername      string
	redisPassword      string
	redisStream        string
	redisGroup         string
	redisMasterName    string
	redisPoolSize      int
	redisMaxLen        int
	redisTLSCA         string
	redisTLSCert       string
	redisTLSKey        string
	redisTLSServerName string
	redisTLSSkipVerify bool
}

func (s *settings) register(fs *flag.FlagSet) {
	fs.StringVar(&s.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&s.logFormat, "log-format", "", "log format (json or text)")

	fs.StringVar(&s.storageDriver, "storage-driver", "", "video datastore driver (memory, sqlite or postgres)")
	fs.StringVar(&s.storageDSN, "storage-dsn", "", "datastore DSN (sqlite path or Postgres connection string)")
	fs.DurationVar(&s.sqliteBusyTimeout, "sqlite-busy-timeout", 0, "SQLite busy timeout")
	fs.IntVar(&s.postgresMaxConns, "postgres-max-conns", 0, "maximum connections in the Postgres pool")
	fs.IntVar(&s.postgresMinConns, "postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	fs.DurationVar(&s.postgresAcquireTimeout, "postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	fs.DurationVar(&s.postgresMaxLifetime, "postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	fs.DurationVar(&s.postgresMaxIdle, "postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	fs.DurationVar(&s.postgresHealthInterval, "postgres-health-interval", 0, "interval between Postgres health checks")
	fs.StringVar(&s.postgresAppName, "postgres-app-name", "", "application_name reported to Postgres")

	fs.StringVar(&s.mediaRoot, "media-root", "", "directory holding per-video working files")
	fs.StringVar(&s.ffmpeg, "ffmpeg", "", "path to the ffmpeg binary")
	fs.StringVar(&s.ffprobe, "ffprobe", "", "path to the ffprobe binary")
	fs.StringVar(&s.ladderFile, "ladder", "", "YAML rendition ladder (defaults to 360p/480p/720p)")
	fs.BoolVar(&s.probeSource, "probe-source", false, "run ffprobe on the source before transcoding")

	fs.StringVar(&s.objectDriver, "object-driver", "", "remote storage driver (s3, bunny or filesystem)")
	fs.StringVar(&s.objectEndpoint, "object-endpoint", "", "object storage endpoint")
	fs.StringVar(&s.objectRegion, "object-region", "", "object storage region")
	fs.StringVar(&s.objectAccessKey, "object-access-key", "", "object storage access key")
	fs.StringVar(&s.objectSecretKey, "object-secret-key", "", "object storage secret key")
	fs.StringVar(&s.objectBucket, "object-bucket", "", "object storage bucket or storage zone")
	fs.BoolVar(&s.objectUseSSL, "object-use-ssl", false, "enable TLS for object storage requests")
	fs.StringVar(&s.objectPrefix, "object-prefix", "", "key prefix for published objects")
	fs.StringVar(&s.objectPublicEndpoint, "object-public-endpoint", "", "public endpoint used for object URLs")
	fs.StringVar(&s.objectRoot, "object-root", "", "mirror directory for the filesystem driver")
	fs.DurationVar(&s.objectTimeout, "object-timeout", 0, "timeout for a single object upload")

	fs.StringVar(&s.queueDriver, "queue-driver", "", "job queue driver (memory or redis)")
	fs.StringVar(&s.redisAddr, "queue-redis-addr", "", "Redis address for the job queue")
	fs.StringVar(&s.redisAddrs, "queue-redis-addrs", "", "comma separated Redis addresses for the job queue")
	fs.StringVar(&s.redisUsername, "queue-redis-username", "", "Redis username for the job queue")
	fs.StringVar(&s.redisPassword, "queue-redis-password", "", "Redis password for the job queue")
	fs.StringVar(&s.redisStream, "queue-redis-stream", "", "Redis stream key for jobs")
	fs.StringVar(&s.redisGroup, "queue-redis-group", "", "Redis consumer group for workers")
	fs.StringVar(&s.redisMasterName, "queue-redis-sentinel-master", "", "Redis sentinel master name")
	fs.IntVar(&s.redisPoolSize, "queue-redis-pool-size", 0, "maximum Redis connections")
	fs.IntVar(&s.redisMaxLen, "queue-redis-max-len", 0, "approximate cap on entries kept in the job stream")
	fs.StringVar(&s.redisTLSCA, "queue-redis-tls-ca", "", "path to Redis TLS CA certificate")
	fs.StringVar(&s.redisTLSCert, "queue-redis-tls-cert", "", "path to Redis TLS client certificate")
	fs.StringVar(&s.redisTLSKey, "queue-redis-tls-key", "", "path to Redis TLS client key")
	fs.StringVar(&s.redisTLSServerName, "queue-redis-tls-server-name", "", "override Redis TLS server name")
	fs.BoolVar(&s.redisTLSSkipVerify, "queue-redis-tls-skip-verify", false, "skip Redis TLS verification")
}

func (s *settings) logger() *slog.Logger {
	return logging.Init(logging.Config{
		Level:  firstNonEmpty(s.logLevel, os.Getenv("VODFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(s.logFormat, os.Getenv("VODFORGE_LOG_FORMAT")),
	})
}

func (s *settings) openRepository() (storage.Repository, error) {
	driver := strings.ToLower(firstNonEmpty(s.storageDriver, os.Getenv("VODFORGE_STORAGE_DRIVER"), storage.DriverSQLite))
	dsn := firstNonEmpty(s.storageDSN, os.Getenv("VODFORGE_STORAGE_DSN"))
	var opts []storage.Option
	switch driver {
	case storage.DriverSQLite:
		if timeout := resolveDuration(s.sqliteBusyTimeout, "VODFORGE_SQLITE_BUSY_TIMEOUT", 0); timeout > 0 {
			opts = append(opts, storage.WithSQLiteBusyTimeout(timeout))
		}
	case storage.DriverPostgres:
		dsn = firstNonEmpty(dsn, os.Getenv("DATABASE_URL"))
		maxConns := resolveInt(s.postgresMaxConns, "VODFORGE_POSTGRES_MAX_CONNS")
		minConns := resolveInt(s.postgresMinConns, "VODFORGE_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			opts = append(opts, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(s.postgresMaxLifetime, "VODFORGE_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(s.postgresMaxIdle, "VODFORGE_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(s.postgresHealthInterval, "VODFORGE_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			opts = append(opts, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if timeout := resolveDuration(s.postgresAcquireTimeout, "VODFORGE_POSTGRES_ACQUIRE_TIMEOUT", 0); timeout > 0 {
			opts = append(opts, storage.WithPostgresAcquireTimeout(timeout))
		}
		if appName := firstNonEmpty(s.postgresAppName, os.Getenv("VODFORGE_POSTGRES_APP_NAME")); appName != "" {
			opts = append(opts, storage.WithPostgresApplicationName(appName))
		}
	}
	return storage.Open(driver, dsn, opts...)
}

func (s *settings) openMediaStore() (storage.MediaStore, error) {
	return storage.NewFilesystemMediaStore(firstNonEmpty(s.mediaRoot, os.Getenv("VODFORGE_MEDIA_ROOT"), "./media"))
}

func (s *settings) ladder() ([]media.RenditionSpec, error) {
	return media.LoadLadder(firstNonEmpty(s.ladderFile, os.Getenv("VODFORGE_LADDER_FILE")))
}

func (s *settings) ffmpegBinary() string {
	return firstNonEmpty(s.ffmpeg, os.Getenv("VODFORGE_FFMPEG"), "ffmpeg")
}

func (s *settings) ffprobeBinary() string {
	return firstNonEmpty(s.ffprobe, os.Getenv("VODFORGE_FFPROBE"), "ffprobe")
}

func (s *settings) objectConfig() objectstore.Config {
	return objectstore.Config{
		Driver:         strings.ToLower(firstNonEmpty(s.objectDriver, os.Getenv("VODFORGE_OBJECT_DRIVER"))),
		Endpoint:       firstNonEmpty(s.objectEndpoint, os.Getenv("VODFORGE_OBJECT_ENDPOINT")),
		Region:         firstNonEmpty(s.objectRegion, os.Getenv("VODFORGE_OBJECT_REGION")),
		AccessKey:      firstNonEmpty(s.objectAccessKey, os.Getenv("VODFORGE_OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(s.objectSecretKey, os.Getenv("VODFORGE_OBJECT_SECRET_KEY")),
		Bucket:         firstNonEmpty(s.objectBucket, os.Getenv("VODFORGE_OBJECT_BUCKET")),
		UseSSL:         resolveBool(s.objectUseSSL, "VODFORGE_OBJECT_USE_SSL"),
		Prefix:         firstNonEmpty(s.objectPrefix, os.Getenv("VODFORGE_OBJECT_PREFIX")),
		PublicEndpoint: firstNonEmpty(s.objectPublicEndpoint, os.Getenv("VODFORGE_OBJECT_PUBLIC_ENDPOINT")),
		Root:           firstNonEmpty(s.objectRoot, os.Getenv("VODFORGE_OBJECT_ROOT")),
		RequestTimeout: resolveDuration(s.objectTimeout, "VODFORGE_OBJECT_TIMEOUT", 0),
	}
}

func (s *settings) redisConfig(logger *slog.Logger, recorder *metrics.Recorder) queue.RedisQueueConfig {
	return queue.RedisQueueConfig{
		Addr:       firstNonEmpty(s.redisAddr, os.Getenv("VODFORGE_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(s.redisAddrs, os.Getenv("VODFORGE_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(s.redisUsername, os.Getenv("VODFORGE_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(s.redisPassword, os.Getenv("VODFORGE_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(s.redisStream, os.Getenv("VODFORGE_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(s.redisGroup, os.Getenv("VODFORGE_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(s.redisMasterName, os.Getenv("VODFORGE_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(s.redisPoolSize, "VODFORGE_QUEUE_REDIS_POOL_SIZE"),
		MaxLen:     int64(resolveInt(s.redisMaxLen, "VODFORGE_QUEUE_REDIS_MAX_LEN")),
		Logger:     logging.WithComponent(logger, "queue"),
		Metrics:    recorder,
		TLS: queue.RedisTLSConfig{
			CAFile:             firstNonEmpty(s.redisTLSCA, os.Getenv("VODFORGE_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(s.redisTLSCert, os.Getenv("VODFORGE_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(s.redisTLSKey, os.Getenv("VODFORGE_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(s.redisTLSServerName, os.Getenv("VODFORGE_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(s.redisTLSSkipVerify, "VODFORGE_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
}

func (s *settings) openQueue(logger *slog.Logger, recorder *metrics.Recorder) (queue.Queue, error) {
	driver := strings.ToLower(firstNonEmpty(s.queueDriver, os.Getenv("VODFORGE_QUEUE_DRIVER"), "memory"))
	switch driver {
	case "redis":
		return queue.NewRedisQueue(s.redisConfig(logger, recorder))
	case "memory":
		return queue.NewMemoryQueue(0, recorder), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}
}

// loadDotEnv reads .env files outside production. Missing files are ignored.
func loadDotEnv() {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("VODFORGE_MODE")), "production") {
		return
	}
	_ = godotenv.Load()
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
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
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
