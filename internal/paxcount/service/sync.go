package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/remote"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

const DefaultBatchSize = 100

type SyncConfig struct {
	// BatchSize caps the events sent per request, which bounds how long a
	// sync occupies the control loop.
	BatchSize  int
	Compaction store.CompactionPolicy
	Clock      Clock
}

// SyncResult describes one SyncEvents call.
type SyncResult struct {
	Sent      int    // events submitted
	Acked     uint32 // server-acknowledged local id, 0 if none
	Remaining int    // unsynced events left afterwards
	Compacted bool
}

// SyncCoordinator moves events from the log to the server and keeps trip
// config and price recommendations in step.
//
// Only one batch is in flight at a time and batches are read in ascending
// local id order, so every acknowledgement covers a prefix of the log. The
// file log's MarkSynced rescan depends on this.
type SyncCoordinator struct {
	cfg     SyncConfig
	log     store.EventLog
	auth    *AuthSession
	server  Server
	trips   store.TripConfigStore
	journal *recorder
	logger  *log.Logger
	tracer  trace.Tracer
}

func NewSyncCoordinator(
	events store.EventLog,
	auth *AuthSession,
	server Server,
	trips store.TripConfigStore,
	journal store.SyncJournal,
	cfg SyncConfig,
	logger *log.Logger,
) *SyncCoordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Compaction == (store.CompactionPolicy{}) {
		cfg.Compaction = store.DefaultCompactionPolicy()
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &SyncCoordinator{
		cfg:     cfg,
		log:     events,
		auth:    auth,
		server:  server,
		trips:   trips,
		journal: newRecorder(journal, cfg.Clock, logger),
		logger:  logger,
		tracer:  otel.Tracer("github.com/BrandonDHaskell/paxcount/device/internal/paxcount/service"),
	}
}

// SyncEvents uploads one batch of unsynced events for tripID.
//
// Returns a zero result and nil when nothing is pending, and
// ErrNotAuthenticated without touching the log when no valid token is held.
// On a 401 the token is cleared. On any failure the log is left as it was
// and the batch is resent on a later call.
func (s *SyncCoordinator) SyncEvents(ctx context.Context, tripID int64) (res SyncResult, err error) {
	pending := s.log.UnsyncedCount()
	if pending == 0 {
		return SyncResult{}, nil
	}
	if !s.auth.IsAuthenticated() {
		s.logger.Printf("sync: cannot sync offline, %d events pending", pending)
		return SyncResult{Remaining: pending}, ErrNotAuthenticated
	}

	ctx, span := s.tracer.Start(ctx, "SyncCoordinator.SyncEvents",
		trace.WithAttributes(attribute.Int64("paxcount.trip_id", tripID), attribute.Int("paxcount.pending", pending)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	batch, err := s.log.UnsyncedBatch(ctx, s.cfg.BatchSize)
	if err != nil {
		return SyncResult{Remaining: pending}, fmt.Errorf("sync: read batch: %w", err)
	}
	if len(batch) == 0 {
		return SyncResult{}, nil
	}
	maxID := batch[len(batch)-1].LocalID

	started := s.cfg.Clock.now()
	attempt := store.SyncAttempt{Kind: store.AttemptEvents, StartedAt: started, Count: len(batch)}

	resp, err := s.server.SyncEvents(ctx, s.auth.Token().AccessToken, types.NewSyncEventsRequest(tripID, batch))
	if err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			s.auth.handleRejected(ctx, err)
		}
		attempt.Error = err.Error()
		s.journal.record(ctx, attempt)
		s.logger.Printf("sync: upload of %d events failed: %v", len(batch), err)
		return SyncResult{Remaining: pending}, fmt.Errorf("sync: %w", err)
	}

	// The server is the source of truth for what it stored. An ack past
	// the batch cannot refer to anything we sent.
	ack := resp.LastSyncedLocalID
	if ack > maxID {
		s.logger.Printf("sync: server acked %d beyond batch end %d, clamping", ack, maxID)
		ack = maxID
	}
	attempt.LastLocalID = ack

	if ack > 0 {
		if err := s.log.MarkSynced(ctx, ack); err != nil {
			attempt.Error = err.Error()
			s.journal.record(ctx, attempt)
			return SyncResult{Sent: len(batch), Remaining: pending}, fmt.Errorf("sync: mark synced: %w", err)
		}
	}
	attempt.OK = true
	s.journal.record(ctx, attempt)

	res = SyncResult{Sent: len(batch), Acked: ack}
	res.Compacted = s.maybeCompact(ctx)
	res.Remaining = s.log.UnsyncedCount()

	s.logger.Printf("sync: sent %d events, server acked through %d (%d stored), %d remaining",
		len(batch), ack, resp.SyncedCount, res.Remaining)
	return res, nil
}

// SyncAll calls SyncEvents until the log is drained, a call fails, the
// server stops acknowledging, or maxBatches is reached. maxBatches <= 0
// sends a single batch.
func (s *SyncCoordinator) SyncAll(ctx context.Context, tripID int64, maxBatches int) (SyncResult, error) {
	if maxBatches <= 0 {
		maxBatches = 1
	}
	var total SyncResult
	for i := 0; i < maxBatches; i++ {
		res, err := s.SyncEvents(ctx, tripID)
		total.Sent += res.Sent
		total.Remaining = res.Remaining
		total.Compacted = total.Compacted || res.Compacted
		if res.Acked > 0 {
			total.Acked = res.Acked
		}
		if err != nil {
			return total, err
		}
		if res.Sent == 0 || res.Acked == 0 || res.Remaining == 0 {
			break
		}
	}
	return total, nil
}

// maybeCompact runs an opportunistic compaction pass when the policy
// allows. Failures are logged only; the next pass retries.
func (s *SyncCoordinator) maybeCompact(ctx context.Context) bool {
	stats := s.log.Stats()
	if !s.cfg.Compaction.ShouldCompact(stats) {
		return false
	}
	s.logger.Printf("sync: log %.0f%% full, compacting", stats.Usage()*100)
	if err := s.log.Compact(ctx); err != nil {
		s.logger.Printf("sync: compact: %v", err)
		return false
	}
	return true
}

// SendPriceRecommendation posts rec for tripID. Gated on a valid token.
func (s *SyncCoordinator) SendPriceRecommendation(ctx context.Context, tripID int64, rec types.PriceRecommendation) error {
	if !s.auth.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	started := s.cfg.Clock.now()
	err := s.server.SendPriceRecommendation(ctx, s.auth.Token().AccessToken, types.PriceRecommendationRequest{
		TripID:              tripID,
		PriceRecommendation: rec,
	})
	s.afterCall(ctx, store.AttemptPrice, started, err)
	if err != nil {
		return fmt.Errorf("send price: %w", err)
	}
	return nil
}

// FetchTripConfig fetches and caches the config for tripID. An invalid
// config is reported as ErrInvalidTripConfig and not cached, so callers
// keep their last-known values.
func (s *SyncCoordinator) FetchTripConfig(ctx context.Context, tripID int64) (types.TripConfig, error) {
	if !s.auth.IsAuthenticated() {
		return types.TripConfig{}, ErrNotAuthenticated
	}
	started := s.cfg.Clock.now()
	cfg, err := s.server.FetchTripConfig(ctx, s.auth.Token().AccessToken, tripID)
	if err == nil && !cfg.Valid() {
		err = fmt.Errorf("%w: %+v", ErrInvalidTripConfig, cfg)
	}
	s.afterCall(ctx, store.AttemptConfig, started, err)
	if err != nil {
		return types.TripConfig{}, fmt.Errorf("fetch trip config: %w", err)
	}

	if s.trips != nil {
		if err := s.trips.SaveTripConfig(ctx, cfg, started); err != nil {
			s.logger.Printf("sync: cache trip config: %v", err)
		}
	}
	return cfg, nil
}

func (s *SyncCoordinator) afterCall(ctx context.Context, kind store.AttemptKind, started time.Time, err error) {
	a := store.SyncAttempt{Kind: kind, StartedAt: started, OK: err == nil}
	if err != nil {
		a.Error = err.Error()
		if errors.Is(err, remote.ErrUnauthorized) {
			s.auth.handleRejected(ctx, err)
		}
		s.logger.Printf("sync: %s call failed: %v", kind, err)
	}
	s.journal.record(ctx, a)
}
