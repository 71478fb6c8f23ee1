package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/playgate/internal/config"
	"github.com/goodtune/playgate/internal/storage"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "playgate:"

// Store implements the storage.Store interface using Redis
type Store struct {
	client        *redis.Client
	sessionStore  *sessionStore
	progressStore *progressStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	keyTTL, err := time.ParseDuration(cfg.KeyTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid key_ttl: %w", err)
	}
	if keyTTL < time.Second {
		return nil, fmt.Errorf("key_ttl must be at least one second")
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	// Create Redis client
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttlSeconds := int64(keyTTL / time.Second)

	// Initialize stores
	store := &Store{
		client:        client,
		sessionStore:  &sessionStore{client: client, ttlSeconds: ttlSeconds},
		progressStore: &progressStore{client: client, ttlSeconds: ttlSeconds, staleAfter: 2 * time.Minute},
	}

	return store, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore {
	return s.sessionStore
}

// Progress returns the ProgressStore implementation
func (s *Store) Progress() storage.ProgressStore {
	return s.progressStore
}

// Ping checks the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func sessionKey(id string) string {
	return keyPrefix + "session:" + id
}

func levelsKey(id string) string {
	return keyPrefix + "session:" + id + ":levels"
}

func reportKey(sessionID, attemptID string) string {
	return keyPrefix + "report:" + sessionID + ":" + attemptID
}

func pendingReportsKey(sessionID string) string {
	return keyPrefix + "reports:pending:" + sessionID
}

func seatKey(sessionID, attemptID string) string {
	return keyPrefix + "seat:" + sessionID + ":" + attemptID
}
