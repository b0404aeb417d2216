package storage

import (
	"strings"
	"time"
)

type Option interface {
	applyMemory(*memoryRepository)
	applySQLite(*SQLiteConfig)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	memory func(*memoryRepository)
	sqlite func(*SQLiteConfig)
	pg     func(*PostgresConfig)
}

func (o optionAdapter) applyMemory(repo *memoryRepository) {
	if o.memory != nil && repo != nil {
		o.memory(repo)
	}
}

func (o optionAdapter) applySQLite(cfg *SQLiteConfig) {
	if o.sqlite != nil && cfg != nil {
		o.sqlite(cfg)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(memory func(*memoryRepository), sqlite func(*SQLiteConfig), pg func(*PostgresConfig)) Option {
	return optionAdapter{memory: memory, sqlite: sqlite, pg: pg}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithClock overrides the time source used for CreatedAt and UpdatedAt.
func WithClock(now func() time.Time) Option {
	if now == nil {
		return optionAdapter{}
	}
	return composeOption(
		func(r *memoryRepository) { r.now = now },
		func(cfg *SQLiteConfig) { cfg.Clock = now },
		func(cfg *PostgresConfig) { cfg.Clock = now },
	)
}

// WithSQLiteBusyTimeout sets how long SQLite waits on a locked database.
func WithSQLiteBusyTimeout(timeout time.Duration) Option {
	return optionAdapter{sqlite: func(cfg *SQLiteConfig) {
		if timeout > 0 {
			cfg.BusyTimeout = timeout
		}
	}}
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout bounds how long a query waits for a pooled
// connection, including the connect handshake.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}
