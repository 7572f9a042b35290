// Package statestore persists scheduler feed states in a local BoltDB file
// so backoff, quarantine and watermarks survive restarts.
package statestore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"tiace/internal/domain/models"
	"tiace/pkg/logger"
)

var bucketFeedStates = []byte("feed_states")

// BoltStore implements the scheduler's state store on bbolt
type BoltStore struct {
	db     *bbolt.DB
	mu     sync.Mutex
	logger *logger.Logger
}

// Open opens or creates the state file at path
func Open(path string, log *logger.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout:      time.Second,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFeedStates)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, logger: log.WithComponent("statestore")}, nil
}

func stateKey(st *models.FeedState) []byte {
	return []byte(st.TenantID + "/" + st.FeedID)
}

// SaveFeedState writes st, replacing any earlier state for the same feed
func (s *BoltStore) SaveFeedState(st *models.FeedState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal feed state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFeedStates).Put(stateKey(st), data)
	})
}

// LoadFeedStates returns every saved state. Entries that fail to decode are
// logged and skipped.
func (s *BoltStore) LoadFeedStates() ([]*models.FeedState, error) {
	var out []*models.FeedState
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFeedStates).ForEach(func(k, v []byte) error {
			var st models.FeedState
			if err := json.Unmarshal(v, &st); err != nil {
				s.logger.Warn().Err(err).Str("key", string(k)).Msg("dropping unreadable feed state")
				return nil
			}
			out = append(out, &st)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load feed states: %w", err)
	}
	return out, nil
}

// DeleteFeedState removes the state of one feed
func (s *BoltStore) DeleteFeedState(tenantID, feedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFeedStates).Delete([]byte(tenantID + "/" + feedID))
	})
}

// Close closes the state file
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
