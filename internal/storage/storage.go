// Package storage persists the watcher state as JSON values under string keys.
//
// A Store owns one Backend (Postgres, SQLite or a JSON file), serializes every
// operation with a mutex, and reconnects and retries transient failures a
// bounded number of times before giving up.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"price_watcher/internal/faults"
	"price_watcher/internal/models"
)

// Batch is one atomic write: key/value pairs plus price history rows.
type Batch struct {
	Values  map[string][]byte
	History []models.PricePoint
}

// Backend is a key-value table holding JSON documents.
// Connect (re)establishes the backend's single connection; callers hold the
// Store lock, so backends need no locking of their own.
type Backend interface {
	Name() string
	Connect(ctx context.Context) error
	Read(ctx context.Context, keys []string) (map[string][]byte, error)
	Write(ctx context.Context, b Batch) error
	Close() error
}

// Options configures retry behaviour.
type Options struct {
	// Attempts is the total number of tries per operation (minimum 1).
	Attempts int
	// RetryDelay is the first backoff delay; it doubles per retry up to maxRetryDelay.
	RetryDelay time.Duration
	// OnRetry is called before every retry. Optional.
	OnRetry func(op string, attempt int, err error)
}

const maxRetryDelay = 30 * time.Second

// Store is the only shared mutable resource of the process.
type Store struct {
	mu      sync.Mutex
	backend Backend
	opts    Options
}

// New wraps an already connected backend.
func New(backend Backend, opts Options) *Store {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	return &Store{backend: backend, opts: opts}
}

// Open connects backend, retrying like any other operation. Failing to connect
// is fatal: the watcher cannot run without durable state.
func Open(ctx context.Context, backend Backend, opts Options) (*Store, error) {
	s := New(backend, opts)
	var err error
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		if err = backend.Connect(ctx); err == nil {
			log.Printf("Storage: connected to %s backend", backend.Name())
			return s, nil
		}
		log.Printf("ERROR: %s connect failed (attempt %d/%d): %v", backend.Name(), attempt, s.opts.Attempts, err)
		if attempt < s.opts.Attempts && !sleep(ctx, s.backoff(attempt)) {
			err = ctx.Err()
			break
		}
	}
	return nil, faults.Wrap(faults.Fatal, "storage open", err)
}

// Load reads the price state and the pin state in a single read.
// Missing keys yield empty values.
func (s *Store) Load(ctx context.Context) (models.Snapshot, error) {
	snap := models.Snapshot{Prices: models.PriceState{}}

	var values map[string][]byte
	err := s.do(ctx, "load", func(ctx context.Context) error {
		var err error
		values, err = s.backend.Read(ctx, []string{models.PriceStateKey, models.PinnedMessageKey})
		return err
	})
	if err != nil {
		return snap, fmt.Errorf("load state: %w", err)
	}

	if raw, ok := values[models.PriceStateKey]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &snap.Prices); err != nil {
			return snap, faults.Wrap(faults.Malformed, "decode "+models.PriceStateKey, err)
		}
		if snap.Prices == nil {
			snap.Prices = models.PriceState{}
		}
	}
	if raw, ok := values[models.PinnedMessageKey]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &snap.Pin); err != nil {
			return snap, faults.Wrap(faults.Malformed, "decode "+models.PinnedMessageKey, err)
		}
	}
	return snap, nil
}

// Commit writes the price state, the pin state and history rows atomically.
func (s *Store) Commit(ctx context.Context, snap models.Snapshot, history []models.PricePoint) error {
	prices := snap.Prices
	if prices == nil {
		prices = models.PriceState{}
	}
	priceJSON, err := json.Marshal(prices)
	if err != nil {
		return fmt.Errorf("encode %s: %w", models.PriceStateKey, err)
	}
	pinJSON, err := json.Marshal(snap.Pin)
	if err != nil {
		return fmt.Errorf("encode %s: %w", models.PinnedMessageKey, err)
	}

	batch := Batch{
		Values: map[string][]byte{
			models.PriceStateKey:    priceJSON,
			models.PinnedMessageKey: pinJSON,
		},
		History: history,
	}
	err = s.do(ctx, "commit", func(ctx context.Context) error {
		return s.backend.Write(ctx, batch)
	})
	if err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	log.Printf("Storage: saved state for %d products (%s)", len(prices), snap.Pin)
	return nil
}

// Close releases the backend connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}

// do runs fn under the store lock. Transient failures trigger a reconnect
// and a retry after an exponential backoff; anything else is returned as is.
func (s *Store) do(ctx context.Context, op string, fn func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		if attempt > 1 {
			if s.opts.OnRetry != nil {
				s.opts.OnRetry(op, attempt, err)
			}
			if !sleep(ctx, s.backoff(attempt-1)) {
				return faults.Wrap(faults.Transient, op, ctx.Err())
			}
			if cerr := s.backend.Connect(ctx); cerr != nil {
				err = cerr
				log.Printf("WARN: %s reconnect failed (attempt %d/%d): %v", s.backend.Name(), attempt, s.opts.Attempts, cerr)
				continue
			}
			log.Printf("Storage: reconnected to %s", s.backend.Name())
		}

		err = fn(ctx)
		if err == nil || !faults.IsTransient(err) {
			return err
		}
		log.Printf("WARN: storage %s failed (attempt %d/%d): %v", op, attempt, s.opts.Attempts, err)
	}
	return err
}

// backoff returns RetryDelay * 2^(n-1), capped.
func (s *Store) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 16 {
		return maxRetryDelay
	}
	d := s.opts.RetryDelay * time.Duration(1<<(n-1))
	if d > maxRetryDelay || d < 0 {
		return maxRetryDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func isNull(raw []byte) bool {
	return len(raw) == 0 || string(raw) == "null"
}
