// Package store provides optional, durable persistence for execution
// results. BoltDB is chosen over anything requiring cgo for the same
// reason it is chosen in this lineage's own workflow store: pure Go,
// trivial single-file deployment. The kernel runs correctly without a
// store at all; this exists purely for post-mortem inspection.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/spoloxs/automata-kernel/internal/kernel/task"
)

var (
	bucketExecutions = []byte("executions")
	bucketGoals      = []byte("goal_versions")
)

// ExecutionRecord is the append-only unit written for one execute_goal
// call.
type ExecutionRecord struct {
	ExecutionID   string                 `json:"execution_id"`
	Goal          string                 `json:"goal"`
	Success       bool                   `json:"success"`
	Confidence    float64                `json:"confidence"`
	StartedAt     time.Time              `json:"started_at"`
	EndedAt       time.Time              `json:"ended_at"`
	TaskResults   map[string]task.Result `json:"task_results"`
	AbortedReason string                 `json:"aborted_reason,omitempty"`
	Interventions int                    `json:"interventions"`
}

// Store is a durable sink for ExecutionRecords plus a small version
// history of goal text, with a hot in-memory cache of recent records
// mirroring the teacher's memCache pattern.
type Store struct {
	db  *bbolt.DB
	mu  sync.RWMutex
	hot map[string]*ExecutionRecord

	maxHotCache int

	writeLatency metric.Float64Histogram
	readLatency  metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open opens (creating if necessary) a BoltDB file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketExecutions, bucketGoals} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}

	meter := otel.Meter("kernel-store")
	writeLatency, _ := meter.Float64Histogram("kernel_store_write_ms")
	readLatency, _ := meter.Float64Histogram("kernel_store_read_ms")
	cacheHits, _ := meter.Int64Counter("kernel_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("kernel_store_cache_misses_total")

	return &Store{
		db:           db,
		hot:          make(map[string]*ExecutionRecord),
		maxHotCache:  200,
		writeLatency: writeLatency,
		readLatency:  readLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// PutExecution appends rec, replacing any prior record under the same
// execution id (terminal results are written once, but a crash
// recovery tool may overwrite a partial record with a final one).
func (s *Store) PutExecution(rec ExecutionRecord) error {
	start := time.Now()
	defer func() { s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds())) }()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal execution: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExecutions).Put([]byte(rec.ExecutionID), payload)
	})
	if err != nil {
		return fmt.Errorf("store: put execution: %w", err)
	}

	s.mu.Lock()
	if len(s.hot) >= s.maxHotCache {
		s.evictOldestLocked()
	}
	cp := rec
	s.hot[rec.ExecutionID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *Store) evictOldestLocked() {
	var oldestID string
	var oldestTime time.Time
	for id, r := range s.hot {
		if oldestID == "" || r.StartedAt.Before(oldestTime) {
			oldestID, oldestTime = id, r.StartedAt
		}
	}
	if oldestID != "" {
		delete(s.hot, oldestID)
	}
}

// GetExecution returns a stored record by id, hot cache first.
func (s *Store) GetExecution(id string) (*ExecutionRecord, error) {
	start := time.Now()
	defer func() { s.readLatency.Record(context.Background(), float64(time.Since(start).Milliseconds())) }()

	s.mu.RLock()
	if rec, ok := s.hot[id]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(context.Background(), 1)
		return rec, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(context.Background(), 1)

	var rec ExecutionRecord
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketExecutions).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("store: get execution: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// PutGoalVersion appends goal text under id#version for audit/replay.
func (s *Store) PutGoalVersion(goalID string, version int, goal string) error {
	key := fmt.Sprintf("%s#%05d", goalID, version)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGoals).Put([]byte(key), []byte(goal))
	})
}
