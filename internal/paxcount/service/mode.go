package service

import (
	"context"
	"io"
	"log"
	"time"
)

type Mode int

const (
	ModeOffline Mode = iota
	ModeOnline
)

func (m Mode) String() string {
	if m == ModeOnline {
		return "ONLINE"
	}
	return "OFFLINE"
}

// Connectivity is the input to ModeController.Evaluate.
type Connectivity struct {
	WiFi            bool // link up
	TokenValid      bool // AuthSession.IsAuthenticated
	ServerReachable bool // last heartbeat result
}

func (c Connectivity) Online() bool {
	return c.WiFi && c.TokenValid && c.ServerReachable
}

type ModeHooks struct {
	// OnOnline runs once on every OFFLINE -> ONLINE transition. The control
	// loop uses it to refresh the trip config and force a sync.
	OnOnline func(ctx context.Context)

	// OnChange runs on every transition, after OnOnline.
	OnChange func(from, to Mode)
}

// ModeController is a two-state machine evaluated once per control-loop
// tick. It starts OFFLINE so the first successful evaluation counts as a
// transition and triggers the reconnect work. Re-evaluating in the same
// state does nothing.
type ModeController struct {
	mode    Mode
	since   time.Time
	changes int
	hooks   ModeHooks
	clock   Clock
	logger  *log.Logger
}

func NewModeController(hooks ModeHooks, clock Clock, logger *log.Logger) *ModeController {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &ModeController{
		mode:   ModeOffline,
		since:  clock.now(),
		hooks:  hooks,
		clock:  clock,
		logger: logger,
	}
}

// Evaluate moves to the state implied by c and reports whether it changed.
func (m *ModeController) Evaluate(ctx context.Context, c Connectivity) (Mode, bool) {
	next := ModeOffline
	if c.Online() {
		next = ModeOnline
	}
	if next == m.mode {
		return m.mode, false
	}

	prev := m.mode
	m.mode = next
	m.since = m.clock.now()
	m.changes++
	m.logger.Printf("mode: %s -> %s (wifi=%t token=%t server=%t)", prev, next, c.WiFi, c.TokenValid, c.ServerReachable)

	if next == ModeOnline && m.hooks.OnOnline != nil {
		m.hooks.OnOnline(ctx)
	}
	if m.hooks.OnChange != nil {
		m.hooks.OnChange(prev, next)
	}
	return next, true
}

func (m *ModeController) Mode() Mode { return m.mode }

// Since returns when the current mode was entered.
func (m *ModeController) Since() time.Time { return m.since }

// Transitions counts state changes since construction.
func (m *ModeController) Transitions() int { return m.changes }
