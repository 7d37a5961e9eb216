// Package univarstore implements durable persistence for the universal
// variable server (spec component C10, SPEC_FULL "Universal variable
// persistence"). It is grounded on the teacher's Redis repository pattern
// (internal/redis/channel_repo.go): a thin wrapper client, one key per
// variable, and a set index for enumeration.
package univarstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix = "nsh:univar:"
	indexKey  = "nsh:univar:names"
)

// Record is one persisted universal variable.
type Record struct {
	Name     string
	Value    string
	Exported bool
}

// Store persists universal variables in Redis so the daemon survives
// restarts without losing prior SET history (SPEC_FULL supplement).
type Store struct {
	client *redis.Client
	log    *zap.Logger
}

// New constructs a Store against the given Redis address and DB, mirroring
// the teacher's NewClient(addr, db, log) constructor shape.
func New(addr string, db int, log *zap.Logger) *Store {
	log = log.Named("univarstore")
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	if err := client.Ping(context.Background()).Err(); err != nil {
		log.Warn("redis ping failed at startup", zap.Error(err))
	}

	return &Store{client: client, log: log}
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error { return s.client.Close() }

// Set persists name=value, with the exported flag, overwriting any prior
// value.
func (s *Store) Set(ctx context.Context, name, value string, exported bool) error {
	key := keyPrefix + name

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{"value": value, "exported": exported})
	pipe.SAdd(ctx, indexKey, name)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("univarstore: set %s: %w", name, err)
	}
	return nil
}

// Erase removes name.
func (s *Store) Erase(ctx context.Context, name string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keyPrefix+name)
	pipe.SRem(ctx, indexKey, name)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("univarstore: erase %s: %w", name, err)
	}
	return nil
}

// Get fetches a single record.
func (s *Store) Get(ctx context.Context, name string) (Record, bool, error) {
	m, err := s.client.HGetAll(ctx, keyPrefix+name).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Record{}, false, fmt.Errorf("univarstore: get %s: %w", name, err)
	}
	if len(m) == 0 {
		return Record{}, false, nil
	}
	return Record{Name: name, Value: m["value"], Exported: m["exported"] == "1" || m["exported"] == "true"}, true, nil
}

// All returns every persisted record, for replaying to a newly connected
// client before its first BARRIER can return (SPEC_FULL supplement).
func (s *Store) All(ctx context.Context) ([]Record, error) {
	names, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("univarstore: list names: %w", err)
	}

	out := make([]Record, 0, len(names))
	for _, name := range names {
		rec, ok, err := s.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}
