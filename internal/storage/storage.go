// Package storage provides persistent history for the feed pool. It uses
// BoltDB as the underlying storage engine to record status transitions and
// periodic connection snapshots.
//
// The package provides thread-safe operations for storing and retrieving
// time-series data with efficient range queries and automatic bucket management.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"feedpool/internal/pool"
)

const (
	transitionsBucket = "transitions" // Bucket name for status transition records
	snapshotsBucket   = "snapshots"   // Bucket name for periodic connection snapshots
)

// Transition is the persisted form of a status change.
type Transition struct {
	ConnectionID   string      `json:"connectionId"`
	PreviousStatus pool.Status `json:"previousStatus"`
	NewStatus      pool.Status `json:"newStatus"`
	Cause          string      `json:"cause,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Store provides persistent history storage using BoltDB.
// It manages separate buckets for transitions and snapshots and provides
// time-range queries for historical analysis.
type Store struct {
	db *bbolt.DB
}

// New creates a new storage instance with the specified data path.
// It initializes the BoltDB database and creates necessary buckets.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "feedpool-history.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(transitionsBucket)); err != nil {
			return fmt.Errorf("create transitions bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(snapshotsBucket)); err != nil {
			return fmt.Errorf("create snapshots bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordTransition stores a status transition in the transitions bucket.
// The record is stored with a key format of "connectionID_timestamp" for
// efficient time-range queries.
func (s *Store) RecordTransition(tr Transition) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(transitionsBucket))

		data, err := json.Marshal(tr)
		if err != nil {
			return fmt.Errorf("marshal transition: %w", err)
		}

		key := fmt.Sprintf("%s_%d", tr.ConnectionID, tr.Timestamp.UnixNano())
		return b.Put([]byte(key), data)
	})
}

// RecordSnapshot stores a connection snapshot in the snapshots bucket, keyed
// by connection id and capture time.
func (s *Store) RecordSnapshot(snap pool.ConnectionSnapshot, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(snapshotsBucket))

		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}

		key := fmt.Sprintf("%s_%d", snap.ID, at.UnixNano())
		return b.Put([]byte(key), data)
	})
}

// getRecordsInRange retrieves records from a bucket within a time range.
// It uses BoltDB cursors for range scanning and applies the provided unmarshal
// function to deserialize each record.
func (s *Store) getRecordsInRange(bucketName, connID string, start, end time.Time, unmarshalFunc func([]byte) (interface{}, error)) ([]interface{}, error) {
	var records []interface{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		c := b.Cursor()

		prefix := []byte(connID + "_")
		startKey := []byte(fmt.Sprintf("%s_%d", connID, start.UnixNano()))
		endKey := []byte(fmt.Sprintf("%s_%d", connID, end.UnixNano()))

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}

			record, err := unmarshalFunc(v)
			if err != nil {
				continue // Skip malformed records
			}
			records = append(records, record)
		}

		return nil
	})

	return records, err
}

// GetTransitions retrieves transition records for a connection within a time
// range, ordered by timestamp. The range is inclusive on both ends.
func (s *Store) GetTransitions(connID string, start, end time.Time) ([]Transition, error) {
	records, err := s.getRecordsInRange(transitionsBucket, connID, start, end, func(data []byte) (interface{}, error) {
		var tr Transition
		err := json.Unmarshal(data, &tr)
		return tr, err
	})
	if err != nil {
		return nil, err
	}

	out := make([]Transition, len(records))
	for i, record := range records {
		out[i] = record.(Transition)
	}
	return out, nil
}

// GetSnapshots retrieves snapshot records for a connection within a time
// range, ordered by capture time.
func (s *Store) GetSnapshots(connID string, start, end time.Time) ([]pool.ConnectionSnapshot, error) {
	records, err := s.getRecordsInRange(snapshotsBucket, connID, start, end, func(data []byte) (interface{}, error) {
		var snap pool.ConnectionSnapshot
		err := json.Unmarshal(data, &snap)
		return snap, err
	})
	if err != nil {
		return nil, err
	}

	out := make([]pool.ConnectionSnapshot, len(records))
	for i, record := range records {
		out[i] = record.(pool.ConnectionSnapshot)
	}
	return out, nil
}
