package nameservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/roach88/lockstep/internal/ir"
)

const (
	defaultTTL    = 24 * time.Hour
	defaultPrefix = "lockstep"
)

// Redis is a NameService shared by processes on different hosts.
type Redis struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

// Option configures a Redis name service.
type Option func(*Redis)

func WithPassword(password string) Option {
	return func(r *Redis) {
		r.password = password
	}
}

func WithDB(db int) Option {
	return func(r *Redis) {
		r.db = db
	}
}

// WithTTL bounds how long a registration survives without renewal.
func WithTTL(ttl time.Duration) Option {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithPrefix namespaces keys, one prefix per cluster session.
func WithPrefix(prefix string) Option {
	return func(r *Redis) {
		if strings.TrimSpace(prefix) != "" {
			r.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(r *Redis) {
		if client != nil {
			r.client = client
		}
	}
}

// NewRedis connects to the Redis server at addr.
func NewRedis(addr string, opts ...Option) (*Redis, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	r := &Redis{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = goredis.NewClient(&goredis.Options{
			Addr:     r.addr,
			Password: r.password,
			DB:       r.db,
		})
	}

	if err := r.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return r, nil
}

func (r *Redis) key(id string) string {
	return r.prefix + ":endpoint:" + id
}

// Register records endpoint for process with the configured TTL.
func (r *Redis) Register(ctx context.Context, process ir.ProcessID, endpoint string) error {
	id, err := normalizeID(process)
	if err != nil {
		return err
	}
	if strings.TrimSpace(endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	if err := r.client.Set(ctx, r.key(id), endpoint, r.ttl).Err(); err != nil {
		return fmt.Errorf("register %s: %w", process, err)
	}
	return nil
}

// Lookup returns the endpoint registered for process.
func (r *Redis) Lookup(ctx context.Context, process ir.ProcessID) (string, error) {
	id, err := normalizeID(process)
	if err != nil {
		return "", err
	}
	ep, err := r.client.Get(ctx, r.key(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, process)
	}
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", process, err)
	}
	return ep, nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
