// Package cache implements the fleet cache store: the single shared mutable
// resource of the core. It keeps the latest normalized value per
// (vendor, site, category) key with its fetch bookkeeping, enforces the
// one-entry-per-key invariant via per-key atomic replace, owns the alert
// history, and optionally persists everything through GORM/SQLite so a
// restart starts from the last known fleet state instead of cold.
package cache

import (
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/solwatch/solwatch/internal/models"
	"github.com/solwatch/solwatch/internal/policy"
)

// Key identifies one cached value.
type Key struct {
	VendorCode string
	SiteID     string
	Category   models.Category
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.VendorCode, k.SiteID, k.Category)
}

// Entry wraps the latest sample for a key with its fetch bookkeeping.
// A failed fetch never discards a previous sample; it only records the
// error and pushes NextEligible out per the backoff schedule.
type Entry struct {
	Key Key

	// Sample is nil until the first successful fetch.
	Sample *models.MetricSample

	LastSuccess  time.Time
	LastAttempt  time.Time
	Attempts     int
	NextEligible time.Time
	LastError    string
}

// HasValue reports whether the entry holds a usable sample.
func (e *Entry) HasValue() bool { return e != nil && e.Sample != nil }

// Age returns how old the entry's sample is as of now.
func (e *Entry) Age(now time.Time) time.Duration {
	if !e.HasValue() {
		return 0
	}
	return now.Sub(e.LastSuccess)
}

// Store is the fleet cache store. All mutation goes through Put, which
// replaces the whole entry for a key atomically; no cross-key transactions
// exist or are needed.
type Store struct {
	mu      sync.RWMutex
	entries map[Key]*Entry

	db     *gorm.DB
	fleet  []models.Site
	events chan Event
	logger *log.Logger
}

// NewStore builds a store over the given database handle (required — alert
// history always persists; use a :memory: DSN for throwaway stores) and
// fleet roster.
func NewStore(db *gorm.DB, fleet []models.Site, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		entries: make(map[Key]*Entry),
		db:      db,
		fleet:   fleet,
		events:  make(chan Event, 64),
		logger:  logger,
	}
}

// Events exposes the store's event stream (alert transitions, entry status
// changes) for the websocket hub. Events are dropped, never blocked on,
// when no consumer keeps up.
func (s *Store) Events() <-chan Event { return s.events }

// Seed registers the full key space so ListStale can report keys that have
// never been fetched. Called once at startup from the fleet roster and the
// adapters' capability sets.
func (s *Store) Seed(keys []Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if _, ok := s.entries[k]; !ok {
			s.entries[k] = &Entry{Key: k}
		}
	}
}

// Get returns a copy of the entry for a key. The boolean is false for keys
// the store has never seen.
func (s *Store) Get(key Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Put atomically replaces the entry for its key, then persists it. The
// database write happens outside the map lock; SQLite serializes below us.
func (s *Store) Put(entry Entry) {
	e := entry
	s.mu.Lock()
	prev, hadPrev := s.entries[e.Key]
	s.entries[e.Key] = &e
	s.mu.Unlock()

	// Status transition events for the dashboard stream.
	if hadPrev {
		switch {
		case prev.LastError == "" && e.LastError != "":
			s.emit(Event{Type: EventSourceDegraded, Key: e.Key, Detail: e.LastError})
		case prev.LastError != "" && e.LastError == "":
			s.emit(Event{Type: EventSourceRecovered, Key: e.Key})
		}
	}

	if s.db != nil {
		if err := s.persistEntry(&e); err != nil {
			s.logger.Printf("[cache] persist %s: %v", e.Key, err)
		}
	}
}

// ListStale returns keys that are due for refresh as of asOf: entries with
// no sample yet, or older than their category's max age — skipping keys
// still inside their failure backoff window.
func (s *Store) ListStale(asOf time.Time, pol *policy.Table) []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []Key
	for k, e := range s.entries {
		if asOf.Before(e.NextEligible) {
			continue
		}
		if !e.HasValue() || e.Age(asOf) > pol.MaxAge(k.Category, k.VendorCode) {
			due = append(due, k)
		}
	}
	return due
}

// Len reports the number of tracked keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// DB exposes the underlying handle for read-only report queries (low
// batteries, alert history). Views must not write through it.
func (s *Store) DB() *gorm.DB { return s.db }
