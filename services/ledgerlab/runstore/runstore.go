// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runstore persists graded run results in an embedded BadgerDB.
//
// Runs are keyed run/<run_id> with JSON values. The store is the local
// history behind the serve and diagnose commands; score trends across
// runs only exist if someone kept the runs.
package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/statetrace/services/ledgerlab/pipeline"
)

// ErrRunNotFound is returned for a run ID with no stored result.
var ErrRunNotFound = errors.New("run not found")

const runPrefix = "run/"

// Config holds store configuration.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string `yaml:"path"`

	// InMemory keeps everything in RAM. For tests.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites trades write latency for durability.
	SyncWrites bool `yaml:"sync_writes"`
}

// DefaultConfig returns durable on-disk settings.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// Store is a run-result archive.
//
// Thread Safety: safe for concurrent use; BadgerDB transactions provide
// the isolation.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLogger adapts slog to BadgerDB's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens or creates the store.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent run store")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create run store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// OpenInMemory opens a throwaway store.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true}, nil)
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists one run result under its run ID.
func (s *Store) Save(res pipeline.RunResult) error {
	if res.RunID == "" {
		return errors.New("run result has no run id")
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", res.RunID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(runPrefix+res.RunID), raw)
	})
	if err != nil {
		return fmt.Errorf("saving run %s: %w", res.RunID, err)
	}
	s.logger.Debug("run saved", "run_id", res.RunID, "bytes", len(raw))
	return nil
}

// SaveAll persists a sweep's results in one transaction per run, stopping
// at the first failure.
func (s *Store) SaveAll(results []pipeline.RunResult) error {
	for _, res := range results {
		if err := s.Save(res); err != nil {
			return err
		}
	}
	return nil
}

// Get loads one run result.
func (s *Store) Get(runID string) (pipeline.RunResult, error) {
	var res pipeline.RunResult
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runPrefix + runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &res)
		})
	})
	if err != nil {
		return pipeline.RunResult{}, err
	}
	return res, nil
}

// List returns the IDs of every stored run, in key order.
func (s *Store) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(runPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, strings.TrimPrefix(key, runPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return ids, nil
}

// Delete removes a stored run. Deleting a missing run is not an error.
func (s *Store) Delete(runID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(runPrefix + runID))
	})
	if err != nil {
		return fmt.Errorf("deleting run %s: %w", runID, err)
	}
	return nil
}
