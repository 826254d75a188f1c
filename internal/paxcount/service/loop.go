package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/sensor"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

type Command int

const (
	CommandSync Command = iota + 1
	CommandReset
)

func (c Command) String() string {
	switch c {
	case CommandSync:
		return "sync"
	case CommandReset:
		return "reset"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

var ErrUnknownCommand = errors.New("unknown command")

type Timers struct {
	Tick         time.Duration
	Sync         time.Duration
	Price        time.Duration
	Heartbeat    time.Duration
	TokenCheck   time.Duration
	StorageCheck time.Duration
}

// DefaultMaxForceBatches caps a forced sync so the loop is never blocked
// for more than a few upload timeouts.
const DefaultMaxForceBatches = 10

func DefaultTimers() Timers {
	return Timers{
		Tick:         100 * time.Millisecond,
		Sync:         5 * time.Minute,
		Price:        5 * time.Minute,
		Heartbeat:    30 * time.Second,
		TokenCheck:   10 * time.Minute,
		StorageCheck: 30 * time.Minute,
	}
}

type LoopConfig struct {
	Timers      Timers
	DefaultTrip types.TripConfig

	// Location is used for the time-of-day and weekday pricing factors.
	Location *time.Location

	// MaxForceBatches bounds an operator-requested sync. <= 0 uses
	// DefaultMaxForceBatches. The periodic and reconnect syncs always send
	// one batch.
	MaxForceBatches int

	// OnModeChange is called after every mode transition.
	OnModeChange func(from, to Mode)

	Clock Clock
}

type LoopDeps struct {
	Events  store.EventLog
	Auth    *AuthSession
	Sync    *SyncCoordinator
	Trips   store.TripConfigStore
	Sensors sensor.Pair
	Link    LinkMonitor
	Locator Locator // optional
}

type commandReq struct {
	cmd   Command
	reply chan error
}

// Loop is the single control loop. Every component it owns is touched only
// from the goroutine running Run; other goroutines interact through the
// sensor triggers, Submit and Snapshot.
type Loop struct {
	cfg    LoopConfig
	deps   LoopDeps
	mode   *ModeController
	logger *log.Logger

	state DeviceState

	lastSync, lastPrice, lastHeartbeat, lastTokenCheck, lastStorage time.Time

	commands chan commandReq

	snapMu sync.RWMutex
	snap   Snapshot
}

func NewLoop(deps LoopDeps, cfg LoopConfig, logger *log.Logger) *Loop {
	def := DefaultTimers()
	if cfg.Timers.Tick <= 0 {
		cfg.Timers.Tick = def.Tick
	}
	if cfg.Timers.Sync <= 0 {
		cfg.Timers.Sync = def.Sync
	}
	if cfg.Timers.Price <= 0 {
		cfg.Timers.Price = def.Price
	}
	if cfg.Timers.Heartbeat <= 0 {
		cfg.Timers.Heartbeat = def.Heartbeat
	}
	if cfg.Timers.TokenCheck <= 0 {
		cfg.Timers.TokenCheck = def.TokenCheck
	}
	if cfg.Timers.StorageCheck <= 0 {
		cfg.Timers.StorageCheck = def.StorageCheck
	}
	if cfg.MaxForceBatches <= 0 {
		cfg.MaxForceBatches = DefaultMaxForceBatches
	}
	if !cfg.DefaultTrip.Valid() {
		cfg.DefaultTrip = DefaultTripConfig()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if deps.Link == nil {
		deps.Link = AlwaysUp
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	l := &Loop{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		commands: make(chan commandReq),
	}
	l.mode = NewModeController(ModeHooks{
		OnOnline: l.onOnline,
		OnChange: cfg.OnModeChange,
	}, cfg.Clock, logger)
	l.state = l.freshState(context.Background())
	return l
}

// freshState builds the initial DeviceState, preferring the cached trip
// config over the configured defaults.
func (l *Loop) freshState(ctx context.Context) DeviceState {
	st := DeviceState{Trip: l.cfg.DefaultTrip}
	if l.deps.Trips != nil {
		if cfg, err := l.deps.Trips.LatestTripConfig(ctx); err == nil && cfg.Valid() {
			st.Trip = cfg
		}
	}
	return st
}

// Init restores the persisted token and, when the link is up, probes the
// server and authenticates. The trip config refresh and first sync happen
// on the first ONLINE evaluation.
func (l *Loop) Init(ctx context.Context) {
	now := l.cfg.Clock.now()
	l.lastSync, l.lastPrice, l.lastTokenCheck, l.lastStorage = now, now, now, now

	if err := l.deps.Auth.Load(ctx); err != nil {
		l.logger.Printf("loop: %v", err)
	}

	l.state.WiFi = l.deps.Link.Up()
	if l.state.WiFi {
		if l.deps.Auth.Heartbeat(ctx) && !l.deps.Auth.IsAuthenticated() {
			_ = l.deps.Auth.Authenticate(ctx)
		}
	} else {
		l.logger.Printf("loop: no link, starting offline")
	}
	l.lastHeartbeat = now

	l.updatePrice(ctx, now)
	l.publish()
}

// Run drives Tick on the configured interval and serves Submit requests
// until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.Init(ctx)

	ticker := time.NewTicker(l.cfg.Timers.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-l.commands:
			err := l.execute(ctx, req.cmd)
			l.publish()
			req.reply <- err
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Submit queues an operator command for the loop and waits for its result.
func (l *Loop) Submit(ctx context.Context, cmd Command) error {
	req := commandReq{cmd: cmd, reply: make(chan error, 1)}
	select {
	case l.commands <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one pass of the control loop.
func (l *Loop) Tick(ctx context.Context) {
	now := l.cfg.Clock.now()

	l.drainSensors(ctx)

	l.state.WiFi = l.deps.Link.Up()
	l.mode.Evaluate(ctx, Connectivity{
		WiFi:            l.state.WiFi,
		TokenValid:      l.deps.Auth.IsAuthenticated(),
		ServerReachable: l.deps.Auth.Reachable(),
	})

	if due(now, l.lastSync, l.cfg.Timers.Sync) {
		l.lastSync = now
		l.periodicSync(ctx)
	}
	if due(now, l.lastPrice, l.cfg.Timers.Price) {
		l.lastPrice = now
		l.updatePrice(ctx, now)
	}
	if due(now, l.lastHeartbeat, l.cfg.Timers.Heartbeat) {
		l.lastHeartbeat = now
		l.heartbeat(ctx)
	}
	if due(now, l.lastTokenCheck, l.cfg.Timers.TokenCheck) {
		l.lastTokenCheck = now
		l.tokenCheck(ctx)
	}
	if due(now, l.lastStorage, l.cfg.Timers.StorageCheck) {
		l.lastStorage = now
		l.storageCheck(ctx)
	}

	l.publish()
}

func due(now, last time.Time, every time.Duration) bool {
	return now.Sub(last) >= every
}

func (l *Loop) drainSensors(ctx context.Context) {
	if l.deps.Sensors.Entry != nil {
		if at, ok := l.deps.Sensors.Entry.Drain(); ok {
			l.recordPassenger(ctx, types.EventEntry, at)
		}
	}
	if l.deps.Sensors.Exit != nil {
		if at, ok := l.deps.Sensors.Exit.Drain(); ok {
			l.recordPassenger(ctx, types.EventExit, at)
		}
	}
}

// recordPassenger updates the counters and appends the event. The count
// never goes below zero; an exit at zero is still logged.
func (l *Loop) recordPassenger(ctx context.Context, kind types.EventType, at time.Time) {
	switch kind {
	case types.EventEntry:
		l.state.CurrentPassengers++
		l.state.TotalEntries++
	case types.EventExit:
		if l.state.CurrentPassengers > 0 {
			l.state.CurrentPassengers--
		}
		l.state.TotalExits++
	}

	ev := types.PassengerEvent{
		Type:                kind,
		Timestamp:           at.Unix(),
		PassengerCountAfter: l.state.CurrentPassengers,
	}
	if l.deps.Locator != nil {
		if lat, lon, ok := l.deps.Locator.Fix(); ok {
			ev.Latitude, ev.Longitude = &lat, &lon
		}
	}

	id, err := l.deps.Events.Append(ctx, ev)
	if err != nil {
		l.state.DroppedEvents++
		l.logger.Printf("loop: %s not recorded: %v", kind, err)
		return
	}
	l.logger.Printf("loop: %s #%d, on board %d", kind, id, l.state.CurrentPassengers)
}

func (l *Loop) execute(ctx context.Context, cmd Command) error {
	switch cmd {
	case CommandSync:
		return l.forceSync(ctx)
	case CommandReset:
		return l.reset(ctx)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownCommand, int(cmd))
	}
}

// onOnline runs on OFFLINE -> ONLINE: refresh the trip config, reprice
// with it if it changed, then send one batch. The periodic timer drains the
// rest.
func (l *Loop) onOnline(ctx context.Context) {
	cfg, err := l.deps.Sync.FetchTripConfig(ctx, l.state.Trip.TripID)
	if err != nil {
		l.logger.Printf("loop: config refresh failed, keeping cached values: %v", err)
	} else {
		l.state.Trip = cfg
		l.updatePrice(ctx, l.cfg.Clock.now())
	}
	l.noteSync(l.deps.Sync.SyncEvents(ctx, l.state.Trip.TripID))
}

func (l *Loop) periodicSync(ctx context.Context) {
	if !l.state.WiFi || !l.deps.Auth.IsAuthenticated() {
		if n := l.deps.Events.UnsyncedCount(); n > 0 {
			l.logger.Printf("loop: offline, %d events stored locally", n)
		}
		return
	}
	l.noteSync(l.deps.Sync.SyncEvents(ctx, l.state.Trip.TripID))
}

func (l *Loop) noteSync(res SyncResult, err error) {
	if err != nil {
		l.state.LastSyncError = err.Error()
		return
	}
	l.state.LastSyncError = ""
	if res.Sent > 0 {
		l.state.LastSync = l.cfg.Clock.now()
	}
}

// forceSync authenticates first if needed, then sends up to
// MaxForceBatches batches.
func (l *Loop) forceSync(ctx context.Context) error {
	if !l.deps.Link.Up() {
		return ErrOffline
	}
	if l.deps.Auth.AccessToken(ctx) == "" {
		if err := l.deps.Auth.LastError(); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
		return ErrNotAuthenticated
	}
	res, err := l.deps.Sync.SyncAll(ctx, l.state.Trip.TripID, l.cfg.MaxForceBatches)
	l.noteSync(res, err)
	return err
}

// reset clears the log, the token and the counters, then re-authenticates
// if the link is up.
func (l *Loop) reset(ctx context.Context) error {
	l.logger.Printf("loop: reset requested")
	var errs []error
	if err := l.deps.Events.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear events: %w", err))
	}
	l.deps.Auth.ClearToken(ctx)
	l.state = l.freshState(ctx)
	l.state.WiFi = l.deps.Link.Up()

	if l.state.WiFi {
		if err := l.deps.Auth.Authenticate(ctx); err != nil {
			l.logger.Printf("loop: re-authentication after reset failed: %v", err)
		}
	}
	l.updatePrice(ctx, l.cfg.Clock.now())
	return errors.Join(errs...)
}

func (l *Loop) updatePrice(ctx context.Context, now time.Time) {
	trip := l.state.Trip
	rec := CalculatePrice(trip.BasePrice, int(l.state.CurrentPassengers), trip.BusCapacity, now.In(l.cfg.Location))
	l.state.Price = rec
	l.state.PriceCategory = PriceCategory(trip.BasePrice, rec.RecommendedPrice)

	if !l.state.WiFi || !l.deps.Auth.IsAuthenticated() {
		return
	}
	if err := l.deps.Sync.SendPriceRecommendation(ctx, trip.TripID, rec); err != nil {
		l.logger.Printf("loop: price not sent, working offline: %v", err)
	}
}

// heartbeat probes the server. When it comes back while OFFLINE the
// session re-authenticates so the next evaluation can go ONLINE.
func (l *Loop) heartbeat(ctx context.Context) {
	if !l.state.WiFi {
		return
	}
	up := l.deps.Auth.Heartbeat(ctx)
	if up && l.mode.Mode() == ModeOffline && !l.deps.Auth.IsAuthenticated() {
		if err := l.deps.Auth.Authenticate(ctx); err == nil {
			l.logger.Printf("loop: server back, reconnected")
		}
	}
}

func (l *Loop) tokenCheck(ctx context.Context) {
	if l.state.WiFi && !l.deps.Auth.IsAuthenticated() {
		l.logger.Printf("loop: token expired, re-authenticating")
		l.deps.Auth.AccessToken(ctx)
	}
}

func (l *Loop) storageCheck(ctx context.Context) {
	stats := l.deps.Events.Stats()
	l.logger.Printf("loop: storage %s %d/%d events (%d unsynced)", stats.Backend, stats.Count, stats.Capacity, stats.Unsynced)
	l.deps.Sync.maybeCompact(ctx)
}

func (l *Loop) publish() {
	tok := l.deps.Auth.Token()
	s := Snapshot{
		TakenAt:    l.cfg.Clock.now(),
		State:      l.state,
		Mode:       l.mode.Mode(),
		ModeSince:  l.mode.Since(),
		Auth:       l.deps.Auth.State(),
		Connection: l.deps.Auth.Status(l.state.WiFi),
		Log:        l.deps.Events.Stats(),
	}
	if tok.ExpiresAt > 0 {
		s.TokenExpiry = tok.Expiry()
	}
	if err := l.deps.Auth.LastError(); err != nil {
		s.LastAuthErr = err.Error()
	}

	l.snapMu.Lock()
	l.snap = s
	l.snapMu.Unlock()
}

// Snapshot returns the state published at the end of the last tick. Safe
// for concurrent use.
func (l *Loop) Snapshot() Snapshot {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	return l.snap
}

// Mode returns the controller's current mode. Loop goroutine only.
func (l *Loop) Mode() Mode { return l.mode.Mode() }
