// Package scheduler runs the background refresh loop. Each pass asks the
// cache store which keys are due and refreshes them through the
// coordinator, so dashboard requests mostly hit warm cache instead of
// triggering vendor calls inline. Cancellation mid-pass is safe: every
// key's update is independently atomic, a partial pass just leaves the
// remainder for the next one.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/solwatch/solwatch/internal/cache"
	"github.com/solwatch/solwatch/internal/coordinator"
	"github.com/solwatch/solwatch/internal/models"
	"github.com/solwatch/solwatch/internal/policy"
)

// Config holds scheduler wiring.
type Config struct {
	Store       *cache.Store
	Coordinator *coordinator.Coordinator
	Policy      *policy.Table
	Fleet       []models.Site
	// Interval between stale scans (default 1m).
	Interval time.Duration
	// Workers bounds concurrent refreshes per pass (default 4); vendors
	// with per-account rate limits do not appreciate a thundering herd.
	Workers int
	Logger  *log.Logger
}

// Scheduler periodically refreshes stale cache entries.
type Scheduler struct {
	store    *cache.Store
	coord    *coordinator.Coordinator
	policy   *policy.Table
	sites    map[string]models.Site
	interval time.Duration
	workers  int
	logger   *log.Logger
}

// New builds a scheduler, filling defaults.
func New(cfg Config) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	sites := make(map[string]models.Site, len(cfg.Fleet))
	for _, s := range cfg.Fleet {
		sites[s.ID] = s
	}
	return &Scheduler{
		store:    cfg.Store,
		coord:    cfg.Coordinator,
		policy:   cfg.Policy,
		sites:    sites,
		interval: cfg.Interval,
		workers:  cfg.Workers,
		logger:   cfg.Logger,
	}
}

// Run starts the refresh loop. One pass runs immediately so a cold start
// begins filling the cache without waiting a full interval. Blocks until
// the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.pass(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

// pass refreshes every due key through a bounded worker pool.
func (s *Scheduler) pass(ctx context.Context) {
	due := s.store.ListStale(time.Now().UTC(), s.policy)
	if len(due) == 0 {
		return
	}
	s.logger.Printf("[scheduler] %d keys due for refresh", len(due))

	work := make(chan cache.Key)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range work {
				s.refreshOne(ctx, key)
			}
		}()
	}

	for _, key := range due {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return
		case work <- key:
		}
	}
	close(work)
	wg.Wait()
}

func (s *Scheduler) refreshOne(ctx context.Context, key cache.Key) {
	site, ok := s.sites[key.SiteID]
	if !ok {
		// Persisted entry for a site dropped from the roster; harmless.
		return
	}
	if _, err := s.coord.GetOrRefresh(ctx, site, key.Category); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Printf("[scheduler] refresh %s: %v", key, err)
	}
}
