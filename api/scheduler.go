/*
scheduler.go - Automated plan run scheduler

PURPOSE:
  Periodically checks active plans for source data newer than their last
  computation run and re-runs them, keeping payout lines current without
  manual triggers.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - A plan is stale when its newest source-data timestamp is later than
    its newest payout-line timestamp (or it has data but never ran)
  - Runs go through the same orchestrator as the API endpoint, so
    per-plan serialization and rollback semantics are identical
  - Zero-effect and all-blocked outcomes are logged and skipped, not
    retried in a tight loop (the next tick re-evaluates staleness)

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewRunScheduler(store, handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunPlan endpoint (manual trigger)
  - engine/run.go: The orchestrator
*/
package api

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/store/sqlite"
)

// RunScheduler re-runs stale active plans in the background.
type RunScheduler struct {
	Store         *sqlite.Store
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRunScheduler creates a new scheduler.
func NewRunScheduler(store *sqlite.Store, handler *Handler) *RunScheduler {
	return &RunScheduler{
		Store:         store,
		Handler:       handler,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (rs *RunScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run()

	log.Printf("[Scheduler] Started with check interval: %v", rs.CheckInterval)
}

// Stop stops the scheduler.
func (rs *RunScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (rs *RunScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.checkAndProcess()

	for {
		select {
		case <-rs.ticker.C:
			rs.checkAndProcess()
		case <-rs.stop:
			return
		}
	}
}

func (rs *RunScheduler) checkAndProcess() {
	ctx := context.Background()

	planIDs, err := rs.Store.ListActivePlanIDs(ctx)
	if err != nil {
		log.Printf("[Scheduler] Error listing active plans: %v", err)
		return
	}

	processedCount := 0
	skippedCount := 0

	for _, planID := range planIDs {
		stale, err := rs.planIsStale(ctx, planID)
		if err != nil {
			log.Printf("[Scheduler] Error checking plan %d: %v", planID, err)
			continue
		}
		if !stale {
			skippedCount++
			continue
		}

		result, err := rs.Handler.Orchestrator.Run(ctx, planID)
		if err != nil {
			if errors.Is(err, engine.ErrAllComputationsBlocked) {
				log.Printf("[Scheduler] Plan %d: all computations blocked, skipping", planID)
				skippedCount++
				continue
			}
			log.Printf("[Scheduler] Error running plan %d: %v", planID, err)
			continue
		}
		if result.Inserted == 0 && result.Note != "" {
			log.Printf("[Scheduler] Plan %d: %s", planID, result.Note)
			skippedCount++
			continue
		}
		log.Printf("[Scheduler] Ran plan %d: run=%s inserted=%d errors=%d warnings=%d",
			planID, result.RunID, result.Inserted, len(result.Errors), len(result.Warnings))
		processedCount++
	}

	if processedCount > 0 || skippedCount > 0 {
		log.Printf("[Scheduler] Completed: %d processed, %d skipped (up to date)", processedCount, skippedCount)
	}
}

// planIsStale reports whether a plan has source data newer than its
// last run. Timestamps are SQLite CURRENT_TIMESTAMP strings, which
// compare correctly lexicographically.
func (rs *RunScheduler) planIsStale(ctx context.Context, planID int64) (bool, error) {
	lastData, err := rs.Store.LastSourceDataAt(ctx, planID)
	if err != nil {
		return false, err
	}
	if lastData == "" {
		return false, nil // nothing to compute from
	}
	lastRun, err := rs.Store.LastRunAt(ctx, planID)
	if err != nil {
		return false, err
	}
	return lastRun == "" || lastData > lastRun, nil
}

// RunNow triggers an immediate check (for testing/admin).
func (rs *RunScheduler) RunNow() {
	rs.checkAndProcess()
}

// GetNextRunTime returns when the next scheduled check will occur.
func (rs *RunScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}
