// Package redisstore provides a Redis-backed session repository for
// deployments where runs migrate between hosts and the file-based layout
// is not shared.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentloom/agentloom/session"
	"github.com/agentloom/agentloom/types"
)

const lockPollInterval = 10 * time.Millisecond

// Config configures the Redis session repository.
type Config struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces all session keys. Default "agentloom:session:".
	KeyPrefix string
	// LockTimeout bounds lock acquisition. Default 5s.
	LockTimeout time.Duration
	// LockTTL is the lock key expiry guarding against crashed holders.
	// Default 30s.
	LockTTL time.Duration
}

// Repository is a session.Repository backed by Redis. Each session is a
// hash with fields "session", "state", and "snapshot"; the per-session
// lock is a SET NX key with expiry.
type Repository struct {
	client *redis.Client
	cfg    Config
	logger *zap.Logger
}

// New creates a Redis-backed repository and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Repository, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "agentloom:session:"
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Repository{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "redis_repository")),
	}, nil
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	return r.client.Close()
}

func (r *Repository) key(id string) string {
	return r.cfg.KeyPrefix + id
}

func (r *Repository) lockKey(id string) string {
	return r.key(id) + ":lock"
}

// Create implements session.Repository.
func (r *Repository) Create(ctx context.Context, state *session.State, specSnapshot []byte) error {
	id := state.Metadata.ID
	if err := session.ValidateID(id); err != nil {
		return err
	}

	exists, err := r.client.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("checking session existence: %w", err)
	}
	if exists > 0 {
		return types.NewErrorf(types.ErrSessionExists, "session %q already exists", id)
	}

	release, err := r.acquireLock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	sessionRec, patternRec, err := session.EncodeState(state)
	if err != nil {
		return err
	}
	fields := map[string]any{
		"session": sessionRec,
		"state":   patternRec,
	}
	if len(specSnapshot) > 0 {
		fields["snapshot"] = specSnapshot
	}
	if err := r.client.HSet(ctx, r.key(id), fields).Err(); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

// Save implements session.Repository.
func (r *Repository) Save(ctx context.Context, state *session.State) error {
	id := state.Metadata.ID
	if err := session.ValidateID(id); err != nil {
		return err
	}

	release, err := r.acquireLock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	exists, err := r.client.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("checking session existence: %w", err)
	}
	if exists == 0 {
		return types.NewErrorf(types.ErrSessionNotFound, "session %q not found", id)
	}

	sessionRec, patternRec, err := session.EncodeState(state)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.key(id), map[string]any{
		"session": sessionRec,
		"state":   patternRec,
	}).Err(); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

// Load implements session.Repository.
func (r *Repository) Load(ctx context.Context, id string) (*session.State, error) {
	if err := session.ValidateID(id); err != nil {
		return nil, err
	}

	vals, err := r.client.HMGet(ctx, r.key(id), "session", "state").Result()
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	sessionRec, _ := vals[0].(string)
	if sessionRec == "" {
		return nil, types.NewErrorf(types.ErrSessionNotFound, "session %q not found", id)
	}
	patternRec, _ := vals[1].(string)
	return session.DecodeState([]byte(sessionRec), []byte(patternRec))
}

// LoadSnapshot implements session.Repository.
func (r *Repository) LoadSnapshot(ctx context.Context, id string) ([]byte, error) {
	if err := session.ValidateID(id); err != nil {
		return nil, err
	}
	raw, err := r.client.HGet(ctx, r.key(id), "snapshot").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, types.NewErrorf(types.ErrSessionNotFound,
				"session %q has no spec snapshot", id)
		}
		return nil, fmt.Errorf("reading spec snapshot: %w", err)
	}
	return []byte(raw), nil
}

// Exists implements session.Repository.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	if err := session.ValidateID(id); err != nil {
		return false, err
	}
	n, err := r.client.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("checking session existence: %w", err)
	}
	return n > 0, nil
}

// List implements session.Repository.
func (r *Repository) List(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.cfg.KeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning sessions: %w", err)
		}
		for _, k := range keys {
			id := k[len(r.cfg.KeyPrefix):]
			if session.ValidateID(id) == nil {
				ids = append(ids, id)
			}
		}
		cursor = next
		if cursor == 0 {
			return ids, nil
		}
	}
}

// acquireLock takes the per-session lock with SET NX and an expiry, so a
// crashed holder cannot wedge the session forever.
func (r *Repository) acquireLock(ctx context.Context, id string) (func(), error) {
	deadline := time.Now().Add(r.cfg.LockTimeout)
	key := r.lockKey(id)

	for {
		ok, err := r.client.SetNX(ctx, key, time.Now().UnixNano(), r.cfg.LockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring session lock: %w", err)
		}
		if ok {
			return func() {
				if err := r.client.Del(context.Background(), key).Err(); err != nil {
					r.logger.Warn("releasing session lock failed",
						zap.String("session_id", id),
						zap.Error(err),
					)
				}
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, types.NewErrorf(types.ErrLockTimeout,
				"session %q lock not acquired within %s", id, r.cfg.LockTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}
