// Package history persists the outcomes of finished games in a bbolt file.
// It is match history only; live game state is never stored.
package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const outcomeBucket = "outcomes"

// Outcome describes one finished game.
type Outcome struct {
	Winner     string    `json:"winner"`
	Map        string    `json:"map"`
	Players    []string  `json:"players"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store is a bbolt-backed outcome log.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the history database at path.
//
// Precondition: path must be non-empty.
// Postcondition: Returns an open Store with the outcome bucket present, or a non-nil error.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("history path is required")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(outcomeBucket)); err != nil {
			return fmt.Errorf("creating outcome bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database. Closing a nil Store is a no-op.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends an outcome.
//
// Postcondition: The outcome is durable and returned first by Recent, or an error is returned.
func (s *Store) Record(ctx context.Context, o Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("history is not configured")
	}

	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(outcomeBucket))
		if bucket == nil {
			return fmt.Errorf("outcome bucket is missing")
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating outcome sequence: %w", err)
		}
		return bucket.Put(sequenceKey(seq), payload)
	})
}

// Recent returns up to n outcomes, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("history is not configured")
	}
	if n <= 0 {
		return nil, nil
	}

	var outcomes []Outcome
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(outcomeBucket))
		if bucket == nil {
			return fmt.Errorf("outcome bucket is missing")
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil && len(outcomes) < n; k, v = c.Prev() {
			var o Outcome
			if err := json.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("unmarshal outcome %d: %w", binary.BigEndian.Uint64(k), err)
			}
			outcomes = append(outcomes, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// sequenceKey encodes seq big-endian so cursor order matches insertion order.
func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
