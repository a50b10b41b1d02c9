// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry is the embedded catalog of ingested documents.
//
// Weaviate answers "which chunks are near this vector"; operators also need
// "which documents do we have, and when did they arrive". The registry
// answers that from a local BadgerDB without an aggregate round trip to the
// vector store: one record per source document, written by the ingest path
// and read by document listings.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// docPrefix namespaces document records inside the key space.
const docPrefix = "doc:"

// gcInterval is how often value log garbage collection runs for
// persistent registries.
const gcInterval = 10 * time.Minute

// gcDiscardRatio is the minimum garbage ratio before a value log file is
// rewritten.
const gcDiscardRatio = 0.5

// ErrNotFound is returned by Get when no record exists for the id.
var ErrNotFound = errors.New("document not found in registry")

// =============================================================================
// Record
// =============================================================================

// Record describes one ingested source document.
//
// DocID is derived from the document content (UUID over the SHA-256 of the
// full text), so re-ingesting identical content lands on the same record.
type Record struct {
	DocID         string `json:"doc_id"`
	Title         string `json:"title"`
	Source        string `json:"source"`
	DocType       string `json:"doc_type"`
	Date          string `json:"date"`
	DataSpace     string `json:"data_space"`
	VersionTag    string `json:"version_tag"`
	Chunks        int    `json:"chunks"`
	ContentSHA256 string `json:"content_sha256"`

	// IngestedAt is the ingest timestamp in Unix milliseconds.
	IngestedAt int64 `json:"ingested_at"`
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds configuration for the registry database.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. If nil, BadgerDB's
	// internal logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults for a registry at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
	}
}

// InMemoryConfig returns a configuration for testing. Data is lost on Close.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
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

// =============================================================================
// DocumentRegistry
// =============================================================================

// DocumentRegistry is the document catalog. Safe for concurrent use; the
// underlying BadgerDB handles transaction isolation.
type DocumentRegistry struct {
	db     *badger.DB
	stopGC chan struct{}
	doneGC chan struct{}
}

// Open opens a registry with the given configuration.
//
// # Description
//
// Opens the BadgerDB at cfg.Path, creating the directory when missing, or
// an in-memory database when cfg.InMemory is set. Persistent registries get
// a background value log GC loop that runs until Close.
//
// # Inputs
//
//   - cfg: Registry configuration.
//
// # Outputs
//
//   - *DocumentRegistry: The opened registry. Caller must Close it.
//   - error: Non-nil when the path is missing or the database cannot open.
func Open(cfg Config) (*DocumentRegistry, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent registry")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create registry directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}

	r := &DocumentRegistry{db: db}
	if !cfg.InMemory {
		r.stopGC = make(chan struct{})
		r.doneGC = make(chan struct{})
		go r.gcLoop()
	}
	return r, nil
}

// Close stops garbage collection and closes the database.
func (r *DocumentRegistry) Close() error {
	if r.stopGC != nil {
		close(r.stopGC)
		<-r.doneGC
	}
	return r.db.Close()
}

// gcLoop periodically rewrites value log files with enough garbage.
// ErrNoRewrite means nothing needed collecting, not a failure.
func (r *DocumentRegistry) gcLoop() {
	defer close(r.doneGC)

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopGC:
			return
		case <-ticker.C:
			if err := r.db.RunValueLogGC(gcDiscardRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("Registry value log GC failed", "error", err)
			}
		}
	}
}

// =============================================================================
// Operations
// =============================================================================

// Put stores or overwrites the record for rec.DocID.
func (r *DocumentRegistry) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.DocID == "" {
		return errors.New("record is missing a doc_id")
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal registry record: %w", err)
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(rec.DocID), value)
	})
}

// Get returns the record for docID, or ErrNotFound.
func (r *DocumentRegistry) Get(ctx context.Context, docID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	var rec Record
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(docID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns every document record, newest first.
func (r *DocumentRegistry) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := []Record{}
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(docPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("unmarshal registry record: %w", err)
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].IngestedAt > records[j].IngestedAt
	})
	return records, nil
}

// Delete removes the record for docID. Deleting a missing record is not an
// error; the end state is the same.
func (r *DocumentRegistry) Delete(ctx context.Context, docID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(docKey(docID))
	})
}

func docKey(docID string) []byte {
	return []byte(docPrefix + docID)
}
