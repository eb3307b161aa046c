// Package redis provides a Redis-backed core.LedgerStore.
//
// Each run is one JSON value under "<prefix><run id>". Insert uses SETNX;
// Finalize reads, checks and rewrites the value inside a WATCH transaction and
// retries when a concurrent writer touched the key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hupe1980/roundtable/core"
)

const (
	defaultPrefix     = "roundtable:run:"
	defaultMaxRetries = 5
)

// Options configures the Redis ledger store.
type Options struct {
	Client goredis.UniversalClient
	// Prefix is prepended to run identifiers to build keys.
	Prefix string
	// TTL expires records after the given duration. Zero keeps them forever.
	TTL time.Duration
	// MaxRetries bounds optimistic transaction retries in Finalize.
	MaxRetries int
}

// Store implements core.LedgerStore on Redis.
type Store struct {
	kv         backend
	prefix     string
	ttl        time.Duration
	maxRetries int
}

var _ core.LedgerStore = (*Store)(nil)

// New returns a Store using opts.Client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	return newStore(clientBackend{rdb: opts.Client}, opts), nil
}

func newStore(kv backend, opts Options) *Store {
	s := &Store{kv: kv, prefix: opts.Prefix, ttl: opts.TTL, maxRetries: opts.MaxRetries}
	if s.prefix == "" {
		s.prefix = defaultPrefix
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	return s
}

func (s *Store) key(runID string) string { return s.prefix + runID }

// Insert stores rec unless its run id already exists.
func (s *Store) Insert(ctx context.Context, rec core.RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run %q: %w", rec.RunID, err)
	}
	ok, err := s.kv.SetNX(ctx, s.key(rec.RunID), data, s.ttl)
	if err != nil {
		return fmt.Errorf("redis insert run %q: %w", rec.RunID, err)
	}
	if !ok {
		return core.ErrRunExists
	}
	return nil
}

// Get loads the record of runID.
func (s *Store) Get(ctx context.Context, runID string) (core.RunRecord, error) {
	data, err := s.kv.Get(ctx, s.key(runID))
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return core.RunRecord{}, core.ErrRunNotFound
		}
		return core.RunRecord{}, fmt.Errorf("redis get run %q: %w", runID, err)
	}
	return decode(runID, data)
}

// Finalize applies f when the record is still pending.
func (s *Store) Finalize(ctx context.Context, runID string, f core.Finalization) (bool, error) {
	key := s.key(runID)
	var applied bool
	update := func(current []byte) ([]byte, error) {
		applied = false
		rec, err := decode(runID, current)
		if err != nil {
			return nil, err
		}
		if rec.Status != core.StatusPending {
			return nil, nil
		}
		applied = true
		return json.Marshal(f.Apply(rec))
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.kv.Update(ctx, key, update)
		switch {
		case err == nil:
			return applied, nil
		case errors.Is(err, goredis.TxFailedErr):
			continue
		case errors.Is(err, goredis.Nil):
			return false, core.ErrRunNotFound
		default:
			return false, fmt.Errorf("redis finalize run %q: %w", runID, err)
		}
	}
	return false, fmt.Errorf("redis finalize run %q: %w after %d attempts", runID, goredis.TxFailedErr, s.maxRetries)
}

func decode(runID string, data []byte) (core.RunRecord, error) {
	var rec core.RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return core.RunRecord{}, fmt.Errorf("decode run %q: %w", runID, err)
	}
	return rec, nil
}

// backend is the subset of Redis operations the store needs.
type backend interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Get returns goredis.Nil when key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Update replaces the value of key with fn(current) atomically. A nil
	// result leaves the key untouched. It returns goredis.TxFailedErr when the
	// key changed concurrently.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
}

type clientBackend struct {
	rdb goredis.UniversalClient
}

func (c clientBackend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c clientBackend) Get(ctx context.Context, key string) ([]byte, error) {
	return c.rdb.Get(ctx, key).Bytes()
}

func (c clientBackend) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	return c.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, next, goredis.KeepTTL)
			return nil
		})
		return err
	}, key)
}
