package service

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
)

// recorder writes SyncAttempts. Journal failures are logged and never fail
// the operation being recorded.
type recorder struct {
	journal store.SyncJournal
	clock   Clock
	logger  *log.Logger
}

func newRecorder(j store.SyncJournal, clock Clock, logger *log.Logger) *recorder {
	return &recorder{journal: j, clock: clock, logger: logger}
}

func (r *recorder) record(ctx context.Context, a store.SyncAttempt) {
	if r == nil || r.journal == nil {
		return
	}
	if a.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			a.ID = id.String()
		}
	}
	if a.Duration == 0 && !a.StartedAt.IsZero() {
		a.Duration = r.clock.now().Sub(a.StartedAt)
	}
	if err := r.journal.RecordAttempt(ctx, a); err != nil {
		r.logger.Printf("journal: record %s attempt: %v", a.Kind, err)
	}
}

// JournalPruner periodically deletes sync attempts older than a
// configurable retention period. It runs as a background goroutine and is
// stopped via its context or Stop.
//
// A retention of 0 disables pruning entirely.
type JournalPruner struct {
	journal   store.SyncJournal
	retention time.Duration
	interval  time.Duration
	logger    *log.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

type PrunerConfig struct {
	// RetentionDays is how many days of sync history to keep. 0 keeps
	// everything and the pruner does not start.
	RetentionDays int

	// IntervalHours is how often the pruner runs. Defaults to 6.
	IntervalHours int
}

func NewJournalPruner(j store.SyncJournal, cfg PrunerConfig, logger *log.Logger) *JournalPruner {
	interval := time.Duration(cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &JournalPruner{
		journal:   j,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		interval:  interval,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start prunes once immediately, then on every interval until ctx is
// cancelled or Stop is called.
func (p *JournalPruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		p.logger.Printf("journal pruner disabled (retention=0)")
		close(p.done)
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)

	p.logger.Printf("journal pruner started (retention=%dd, interval=%dh)",
		int(p.retention.Hours()/24), int(p.interval.Hours()))
}

// Stop signals the pruner to exit and waits for it.
func (p *JournalPruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *JournalPruner) loop(ctx context.Context) {
	defer close(p.done)

	p.prune(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *JournalPruner) prune(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.retention)
	deleted, err := p.journal.PruneOlderThan(ctx, cutoff)
	if err != nil {
		p.logger.Printf("journal prune error: %v", err)
		return
	}
	if deleted > 0 {
		p.logger.Printf("journal prune: deleted %d attempts older than %s",
			deleted, cutoff.Format(time.RFC3339))
	}
}
