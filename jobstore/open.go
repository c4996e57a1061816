package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/goliatone/go-errors"
	trigger "github.com/goliatone/go-trigger"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

// Store kinds accepted by Open.
const (
	KindMemory   = "memory"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
	KindRedis    = "redis"
)

// Options selects and configures a store for Open.
type Options struct {
	Kind      string
	DSN       string
	Table     string
	KeyPrefix string
}

// Opened is a store plus the function releasing its connections.
type Opened struct {
	Queue trigger.JobQueue
	Close func() error
}

// Open builds the store described by opts. SQL schemas are created eagerly.
func Open(ctx context.Context, opts Options) (*Opened, error) {
	kind := strings.ToLower(strings.TrimSpace(opts.Kind))
	switch kind {
	case "", KindMemory:
		return &Opened{Queue: NewMemory(), Close: func() error { return nil }}, nil
	case KindSQLite, KindPostgres:
		driver, dialect := "sqlite", DialectSQLite
		if kind == KindPostgres {
			driver, dialect = "pgx", DialectPostgres
		}
		if strings.TrimSpace(opts.DSN) == "" {
			return nil, errors.New(fmt.Sprintf("%s job store needs a dsn", kind), errors.CategoryValidation).
				WithTextCode("JOBSTORE_DSN_REQUIRED")
		}
		db, err := sql.Open(driver, opts.DSN)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryExternal, fmt.Sprintf("cannot open %s job store", kind))
		}
		if dialect == DialectSQLite {
			db.SetMaxOpenConns(1)
		}
		store := NewSQL(db, dialect, WithTable(opts.Table))
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, errors.CategoryExternal, fmt.Sprintf("cannot prepare %s job store", kind))
		}
		return &Opened{Queue: store, Close: db.Close}, nil
	case KindRedis:
		redisOpts, err := redis.ParseURL(opts.DSN)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryValidation, "invalid redis url")
		}
		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, errors.CategoryExternal, "cannot reach redis job store")
		}
		return &Opened{
			Queue: NewRedis(NewGoRedisClient(client), WithKeyPrefix(opts.KeyPrefix)),
			Close: client.Close,
		}, nil
	default:
		return nil, errors.New(fmt.Sprintf("unknown job store %q", opts.Kind), errors.CategoryValidation).
			WithTextCode("JOBSTORE_UNKNOWN")
	}
}
