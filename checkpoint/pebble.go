package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/tailbridge/encoding"
)

const prefixCheckpoint = "/checkpoint/" // /checkpoint/{table path}

// Pebble configuration constants. The store holds a handful of tiny keys.
const (
	memTableSize          = 4 << 20 // 4MB
	l0CompactionThreshold = 2
	l0StopWritesThreshold = 12
)

// PebbleStore keeps the checkpoint in a Pebble database under the data directory
type PebbleStore struct {
	db   *pebble.DB
	path string
	key  []byte

	mu     sync.Mutex
	last   time.Time
	loaded bool
	closed bool

	now func() time.Time
}

// OpenPebble opens (or creates) the checkpoint database at {dataDir}/checkpoint.
// name identifies the mirrored table, usually its fully qualified path.
func OpenPebble(dataDir, name string) (*PebbleStore, error) {
	if name == "" {
		return nil, fmt.Errorf("checkpoint name is required")
	}

	dbPath := filepath.Join(dataDir, "checkpoint")
	opts := &pebble.Options{
		MemTableSize:          memTableSize,
		L0CompactionThreshold: l0CompactionThreshold,
		L0StopWritesThreshold: l0StopWritesThreshold,
		DisableWAL:            false,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store at %s: %w", dbPath, err)
	}

	s := &PebbleStore{
		db:   db,
		path: dbPath,
		key:  []byte(prefixCheckpoint + name),
		now:  time.Now,
	}

	if _, _, err := s.Load(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	return s, nil
}

// Load returns the persisted checkpoint
func (s *PebbleStore) Load(ctx context.Context) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	if s.loaded {
		return s.last, !s.last.IsZero(), nil
	}

	val, closer, err := s.db.Get(s.key)
	if err == pebble.ErrNotFound {
		s.loaded = true
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	defer closer.Close()

	var rec Record
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return time.Time{}, false, fmt.Errorf("corrupted checkpoint %s: %w", s.key, err)
	}

	s.last = rec.Timestamp.UTC()
	s.loaded = true

	log.Info().
		Str("key", string(s.key)).
		Time("checkpoint", s.last).
		Time("updated_at", rec.UpdatedAt).
		Msg("Loaded checkpoint")

	return s.last, true, nil
}

// Save durably overwrites the checkpoint
func (s *PebbleStore) Save(ctx context.Context, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ts = ts.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if ts.Before(s.last) {
		return fmt.Errorf("%w: %s < %s", ErrCheckpointRegression, ts.Format(time.RFC3339Nano), s.last.Format(time.RFC3339Nano))
	}
	if s.loaded && ts.Equal(s.last) {
		return nil
	}

	val, err := encoding.Marshal(&Record{Timestamp: ts, UpdatedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := s.db.Set(s.key, val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	s.last = ts
	s.loaded = true
	return nil
}

// Close flushes and closes the database
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
