// Package watcher runs the reconciliation loop: fetch the catalog, diff it
// against the stored state, drive the pinned announcement and write the new
// state back.
package watcher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"price_watcher/internal/announce"
	"price_watcher/internal/catalog"
	"price_watcher/internal/config"
	"price_watcher/internal/faults"
	"price_watcher/internal/logger"
	"price_watcher/internal/metrics"
	"price_watcher/internal/models"
	"price_watcher/internal/tracker"

	"github.com/google/uuid"
)

// StateStore is the persisted state the loop reads and commits.
type StateStore interface {
	Load(ctx context.Context) (models.Snapshot, error)
	Commit(ctx context.Context, snap models.Snapshot, history []models.PricePoint) error
}

// PinMachine advances the pinned announcement.
type PinMachine interface {
	Step(ctx context.Context, current models.PinState, sum tracker.Summary) (announce.Outcome, error)
}

// Notifier sends operator notices. Optional.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// Deps are the collaborators of a Watcher. Metrics and Notifier may be nil.
type Deps struct {
	Source   catalog.Source
	Store    StateStore
	Machine  PinMachine
	Notifier Notifier
	Metrics  *metrics.Recorder
}

// Report describes one cycle.
type Report struct {
	CycleID   string
	Records   int
	Invalid   int
	Counts    map[models.ChangeKind]int
	Action    announce.Action
	Pin       models.PinState
	Committed bool
	Duration  time.Duration
}

// Watcher owns the loop. Command handlers read state only through the store.
type Watcher struct {
	cfg       *config.Config
	deps      Deps
	cycleMu   sync.Mutex // cycles never overlap
	startedAt time.Time
}

func New(cfg *config.Config, deps Deps) *Watcher {
	return &Watcher{
		cfg:       cfg,
		deps:      deps,
		startedAt: time.Now(),
	}
}

// Run waits for the warm-up delay, then runs a cycle every CheckInterval
// until ctx is cancelled. A failed cycle is logged and the loop goes on.
func (w *Watcher) Run(ctx context.Context) error {
	log.Printf("Watcher: first check in %s, then every %s", w.cfg.WarmupDelay, w.cfg.CheckInterval)

	timer := time.NewTimer(w.cfg.WarmupDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 Watcher loop stopping...")
			return nil
		case <-timer.C:
		}

		if _, err := w.RunCycle(ctx); err != nil && ctx.Err() == nil {
			log.Printf("ERROR: cycle failed: %v", err)
		}

		next := time.Now().Add(w.cfg.CheckInterval)
		log.Printf("Next check scheduled for: %s", next.In(config.MskLoc).Format("2006-01-02 15:04:05 MST"))
		timer.Reset(w.cfg.CheckInterval)
	}
}

// RunCycle performs one reconciliation. State is committed only after the
// pin step succeeded, so a failed publish or unpin is retried next cycle.
func (w *Watcher) RunCycle(ctx context.Context) (Report, error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	start := time.Now()
	rep := Report{CycleID: uuid.NewString()[:8], Action: announce.ActionNone}
	logf := func(format string, args ...any) {
		log.Printf("[cycle %s] "+format, append([]any{rep.CycleID}, args...)...)
	}
	finish := func(outcome string, err error) (Report, error) {
		rep.Duration = time.Since(start)
		w.deps.Metrics.ObserveCycle(outcome, rep.Duration)
		return rep, err
	}

	// 1. Fetch
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	raw, err := w.deps.Source.FetchProducts(fetchCtx)
	cancel()
	if err != nil {
		logf("ERROR: catalog fetch failed (%s): %v", faults.KindOf(err), err)
		return finish(metrics.OutcomeFetchFailed, fmt.Errorf("fetch catalog: %w", err))
	}
	rep.Records = len(raw)

	// 2. Normalize
	outcomes := catalog.Normalize(raw)
	for _, o := range outcomes {
		if !o.OK() {
			rep.Invalid++
			logf("WARN: skipping product: %s", o.Reason)
		}
	}
	w.deps.Metrics.AddInvalidRecords(rep.Invalid)
	products := catalog.Products(outcomes)
	logf("Fetched %d products (%d skipped)", len(products), rep.Invalid)

	// 3. Load + diff
	snap, err := w.deps.Store.Load(ctx)
	if err != nil {
		logf("ERROR: %v", err)
		return finish(metrics.OutcomeStoreFailed, err)
	}
	result := tracker.Diff(products, snap.Prices)
	sum := tracker.Aggregate(result)
	rep.Counts = sum.Counts
	rep.Pin = snap.Pin
	w.deps.Metrics.ObserveChanges(sum.Counts)
	for _, c := range result.Changes {
		if c.Kind != models.KindUnchanged {
			logger.Debugf("[cycle %s] %s %s (%s): %s -> %s", rep.CycleID, c.Kind, c.ProductID, c.Name,
				tracker.FormatPrice(c.OldPrice), tracker.FormatPrice(c.NewPrice))
		}
	}

	// 4. Pin state machine
	out, err := w.deps.Machine.Step(ctx, snap.Pin, sum)
	if err != nil {
		logf("ERROR: announcement failed, state not saved: %v", err)
		return finish(metrics.OutcomeSinkFailed, err)
	}
	rep.Action = out.Action
	rep.Pin = out.Next
	w.deps.Metrics.ObserveAnnouncement(string(out.Action))
	switch out.Action {
	case announce.ActionPublished:
		logf("Published %d price drops as %s", len(sum.Drops), out.Next)
	case announce.ActionUnpinned:
		logf("Price increase detected, announcement unpinned")
	default:
		logf("No new price drops to announce")
	}

	// 5. Commit
	if err := w.deps.Store.Commit(ctx, models.Snapshot{Prices: result.State, Pin: out.Next}, result.History()); err != nil {
		logf("ERROR: %v", err)
		if out.Action == announce.ActionPublished {
			// The message is live but the store does not know its id yet.
			w.notify(ctx, fmt.Sprintf("⚠️ Announcement %s published but state was not saved: %v", out.Next.ID(), err))
		}
		return finish(metrics.OutcomeStoreFailed, err)
	}
	rep.Committed = true
	w.deps.Metrics.SetTrackedProducts(len(result.State))

	logf("Cycle done: new=%d dropped=%d increased=%d unchanged=%d",
		sum.Counts[models.KindNew], sum.Counts[models.KindDropped],
		sum.Counts[models.KindIncreased], sum.Counts[models.KindUnchanged])
	return finish(metrics.OutcomeOK, nil)
}

// SendStartupNotification tells the admin chat the watcher is online.
func (w *Watcher) SendStartupNotification(ctx context.Context) {
	w.notify(ctx, fmt.Sprintf("🚀 Price Watcher %s online\nCatalog: %s\nInterval: %s | Store: %s",
		w.cfg.Version, w.cfg.CatalogURL, w.cfg.CheckInterval, w.cfg.StoreBackend))
}

func (w *Watcher) SendShutdownNotification(ctx context.Context) {
	w.notify(ctx, "⚠️ Price Watcher shutting down: system signal received.")
}

func (w *Watcher) notify(ctx context.Context, text string) {
	if w.deps.Notifier == nil {
		return
	}
	w.deps.Notifier.Notify(ctx, text)
}
