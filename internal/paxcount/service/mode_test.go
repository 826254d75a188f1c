package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/service"
)

var online = service.Connectivity{WiFi: true, TokenValid: true, ServerReachable: true}

func TestModeController_StartsOffline(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	m := service.NewModeController(service.ModeHooks{}, clock.Now, silentLogger())

	if m.Mode() != service.ModeOffline {
		t.Fatalf("initial mode = %s", m.Mode())
	}
	if !m.Since().Equal(clock.Now()) {
		t.Errorf("Since = %v", m.Since())
	}
}

func TestModeController_OnlineRequiresAllThree(t *testing.T) {
	cases := []service.Connectivity{
		{WiFi: false, TokenValid: true, ServerReachable: true},
		{WiFi: true, TokenValid: false, ServerReachable: true},
		{WiFi: true, TokenValid: true, ServerReachable: false},
	}
	for _, c := range cases {
		m := service.NewModeController(service.ModeHooks{}, nil, silentLogger())
		if mode, changed := m.Evaluate(context.Background(), c); mode != service.ModeOffline || changed {
			t.Errorf("Evaluate(%+v) = %s changed=%t", c, mode, changed)
		}
	}
}

func TestModeController_OnOnlineFiresOncePerTransition(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	var onlineCalls int
	var changes []string
	m := service.NewModeController(service.ModeHooks{
		OnOnline: func(context.Context) { onlineCalls++ },
		OnChange: func(from, to service.Mode) { changes = append(changes, from.String()+">"+to.String()) },
	}, clock.Now, silentLogger())
	ctx := context.Background()

	clock.Advance(time.Minute)
	if mode, changed := m.Evaluate(ctx, online); mode != service.ModeOnline || !changed {
		t.Fatalf("first evaluation = %s changed=%t", mode, changed)
	}
	if !m.Since().Equal(clock.Now()) {
		t.Errorf("Since not updated on transition")
	}

	// Re-evaluating in the same state is a no-op.
	for i := 0; i < 3; i++ {
		if _, changed := m.Evaluate(ctx, online); changed {
			t.Fatal("repeat evaluation reported a change")
		}
	}
	if onlineCalls != 1 {
		t.Errorf("OnOnline calls = %d, want 1", onlineCalls)
	}

	m.Evaluate(ctx, service.Connectivity{WiFi: true})
	m.Evaluate(ctx, online)
	if onlineCalls != 2 {
		t.Errorf("OnOnline calls after reconnect = %d, want 2", onlineCalls)
	}
	if m.Transitions() != 3 {
		t.Errorf("Transitions = %d, want 3", m.Transitions())
	}
	want := []string{"OFFLINE>ONLINE", "ONLINE>OFFLINE", "OFFLINE>ONLINE"}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v", changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes[%d] = %q, want %q", i, changes[i], want[i])
		}
	}
}

func TestModeController_GoingOfflineSkipsOnOnline(t *testing.T) {
	var onlineCalls int
	m := service.NewModeController(service.ModeHooks{
		OnOnline: func(context.Context) { onlineCalls++ },
	}, nil, silentLogger())
	ctx := context.Background()

	m.Evaluate(ctx, online)
	onlineCalls = 0
	if mode, changed := m.Evaluate(ctx, service.Connectivity{}); mode != service.ModeOffline || !changed {
		t.Fatalf("Evaluate = %s changed=%t", mode, changed)
	}
	if onlineCalls != 0 {
		t.Error("OnOnline must not run on ONLINE -> OFFLINE")
	}
}
