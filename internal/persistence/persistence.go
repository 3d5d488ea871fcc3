// Package persistence stores serialized page state in a local bbolt
// database so a session survives restarts. Saves are debounced; every
// committed mutation arms a timer and the newest state wins.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/guestify/mediakit/internal/logging"
	"github.com/guestify/mediakit/internal/state"
	"github.com/guestify/mediakit/internal/types"
)

var bucketPages = []byte("pages")

// Store wraps a bbolt database holding one serialized state blob per page.
type Store struct {
	db     *bolt.DB
	logger logging.Logger
}

// Open opens or creates the database at path.
func Open(path string, logger logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPages)

		return err
	})
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("create pages bucket: %w", err)
	}

	return &Store{db: db, logger: logger.WithComponent("persistence")}, nil
}

// SavePage writes the serialized state for pageID, replacing any previous
// blob.
func (s *Store) SavePage(pageID string, st *state.SerializedState) error {
	if pageID == "" {
		return fmt.Errorf("page id must not be empty")
	}

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal page state: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPages).Put([]byte(pageID), raw)
	})
}

// LoadPage reads the serialized state for pageID. A missing page returns
// (nil, nil).
func (s *Store) LoadPage(pageID string) (*state.SerializedState, error) {
	var raw []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketPages).Get([]byte(pageID)); v != nil {
			raw = append(raw, v...)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if raw == nil {
		return nil, nil
	}

	var st state.SerializedState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode page state %s: %w", pageID, err)
	}

	return &st, nil
}

// DeletePage removes the stored state for pageID. Deleting a missing page
// is a no-op.
func (s *Store) DeletePage(pageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPages).Delete([]byte(pageID))
	})
}

// Pages lists the stored page ids in key order.
func (s *Store) Pages() ([]string, error) {
	var ids []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPages).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Saver autosaves a state store to a Store, debounced so bursts of edits
// produce one write.
type Saver struct {
	pageID   string
	store    *state.Store
	backend  *Store
	debounce time.Duration
	logger   logging.Logger

	mu          sync.Mutex
	timer       *time.Timer
	saves       int
	lastErr     error
	unsubscribe func()
	stopOnce    sync.Once
}

// NewSaver wires the autosaver to the state store. It starts listening
// immediately; call Stop to flush and detach.
func NewSaver(pageID string, store *state.Store, backend *Store, debounce time.Duration, logger logging.Logger) *Saver {
	if debounce <= 0 {
		debounce = time.Second
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	s := &Saver{
		pageID:   pageID,
		store:    store,
		backend:  backend,
		debounce: debounce,
		logger:   logger.WithComponent("autosave"),
	}
	s.unsubscribe = store.SubscribeGlobal(s.onStateChange)

	return s
}

func (s *Saver) onStateChange(_ *types.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.save)
}

func (s *Saver) save() {
	err := s.backend.SavePage(s.pageID, s.store.GetSerializableState())

	s.mu.Lock()
	s.saves++
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error(context.Background(), err, "Autosave failed",
			"page_id", s.pageID,
		)
	}
}

// Flush cancels any pending timer and saves immediately.
func (s *Saver) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.save()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastErr
}

// SaveCount returns how many writes have completed.
func (s *Saver) SaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saves
}

// Stop detaches from the state store and flushes one final save.
func (s *Saver) Stop() {
	s.stopOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		_ = s.Flush()
	})
}
