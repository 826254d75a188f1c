package service_test

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/service"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store/memory"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

func silentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeServer records calls in order and answers from its fields.
type fakeServer struct {
	calls []string

	authResp types.DeviceAuthResponse
	authErr  error

	// syncFn, when set, answers SyncEvents.
	syncFn     func(req types.SyncEventsRequest) (types.SyncEventsResponse, error)
	syncTokens []string
	syncReqs   []types.SyncEventsRequest

	priceErr  error
	priceReqs []types.PriceRecommendationRequest

	config    types.TripConfig
	configErr error

	probeErr error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		authResp: types.DeviceAuthResponse{AccessToken: "tok-1", ExpiresIn: 86400, DeviceID: 12},
		config:   types.TripConfig{TripID: 1, RouteID: 3, BusCapacity: 40, BasePrice: 250},
	}
}

// ackAll acknowledges every event in the request.
func ackAll(req types.SyncEventsRequest) (types.SyncEventsResponse, error) {
	last := req.Events[len(req.Events)-1].LocalID
	return types.SyncEventsResponse{SyncedCount: len(req.Events), LastSyncedLocalID: last}, nil
}

func (f *fakeServer) AuthenticateDevice(_ context.Context, req types.DeviceAuthRequest) (types.DeviceAuthResponse, error) {
	f.calls = append(f.calls, "auth")
	if f.authErr != nil {
		return types.DeviceAuthResponse{}, f.authErr
	}
	return f.authResp, nil
}

func (f *fakeServer) SyncEvents(_ context.Context, token string, req types.SyncEventsRequest) (types.SyncEventsResponse, error) {
	f.calls = append(f.calls, "events")
	f.syncTokens = append(f.syncTokens, token)
	f.syncReqs = append(f.syncReqs, req)
	if f.syncFn == nil {
		return ackAll(req)
	}
	return f.syncFn(req)
}

func (f *fakeServer) SendPriceRecommendation(_ context.Context, _ string, req types.PriceRecommendationRequest) error {
	f.calls = append(f.calls, "price")
	f.priceReqs = append(f.priceReqs, req)
	return f.priceErr
}

func (f *fakeServer) FetchTripConfig(_ context.Context, _ string, tripID int64) (types.TripConfig, error) {
	f.calls = append(f.calls, "config")
	if f.configErr != nil {
		return types.TripConfig{}, f.configErr
	}
	return f.config, nil
}

func (f *fakeServer) Probe(context.Context) error {
	f.calls = append(f.calls, "probe")
	return f.probeErr
}

func (f *fakeServer) count(call string) int {
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fixture struct {
	clock   *fakeClock
	server  *fakeServer
	tokens  *memory.TokenStore
	journal *memory.SyncJournal
	trips   *memory.TripConfigStore
	events  store.EventLog
	auth    *service.AuthSession
	sync    *service.SyncCoordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   newFakeClock(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)),
		server:  newFakeServer(),
		tokens:  memory.NewTokenStore(),
		journal: memory.NewSyncJournal(),
		trips:   memory.NewTripConfigStore(),
		events:  memory.NewRing(100),
	}
	f.auth = service.NewAuthSession(f.server, f.tokens, f.journal, service.AuthConfig{
		SerialNumber: "BUS-001",
		Secret:       "s3cret",
		ExpiryBuffer: 5 * time.Minute,
		Clock:        f.clock.Now,
	}, silentLogger())
	f.sync = service.NewSyncCoordinator(f.events, f.auth, f.server, f.trips, f.journal, service.SyncConfig{
		BatchSize: 3,
		Clock:     f.clock.Now,
	}, silentLogger())
	return f
}

func (f *fixture) appendEvents(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := f.events.Append(context.Background(), types.PassengerEvent{
			Type:      types.EventEntry,
			Timestamp: f.clock.Now().Unix(),
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}
