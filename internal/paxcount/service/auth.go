package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/remote"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

const DefaultExpiryBuffer = 5 * time.Minute

// Connection status strings shown on the device display.
const (
	StatusNoWiFi        = "No WiFi"
	StatusNoToken       = "No Token"
	StatusExpired       = "Expired"
	StatusServerOffline = "Server Offline"
	StatusConnected     = "Connected"
)

type AuthState int

const (
	AuthUnauthenticated AuthState = iota
	AuthValid
	AuthExpired
)

func (s AuthState) String() string {
	switch s {
	case AuthValid:
		return "valid"
	case AuthExpired:
		return "expired"
	default:
		return "unauthenticated"
	}
}

type AuthConfig struct {
	SerialNumber string
	Secret       string

	// ExpiryBuffer is subtracted from the token lifetime when judging
	// validity so a token never expires mid-request.
	ExpiryBuffer time.Duration

	Clock Clock
}

// AuthSession owns the bearer token: obtaining it, persisting it, judging
// its validity and dropping it when the server rejects it.
//
// It is driven from the control loop only and is not safe for concurrent use.
type AuthSession struct {
	cfg     AuthConfig
	server  Server
	tokens  store.TokenStore
	journal *recorder
	logger  *log.Logger

	tok       types.AuthToken
	lastErr   error
	reachable bool
}

func NewAuthSession(server Server, tokens store.TokenStore, journal store.SyncJournal, cfg AuthConfig, logger *log.Logger) *AuthSession {
	if cfg.ExpiryBuffer < 0 {
		cfg.ExpiryBuffer = 0
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &AuthSession{
		cfg:     cfg,
		server:  server,
		tokens:  tokens,
		journal: newRecorder(journal, cfg.Clock, logger),
		logger:  logger,
	}
}

// Load restores the persisted token. A token already inside the expiry
// buffer is discarded. A missing token is not an error.
func (a *AuthSession) Load(ctx context.Context) error {
	tok, err := a.tokens.LoadToken(ctx)
	if errors.Is(err, store.ErrNoToken) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}

	tok.Valid = true
	if !a.fresh(tok) {
		a.logger.Printf("auth: persisted token expired at %s, discarding", tok.Expiry().Format(time.RFC3339))
		if err := a.tokens.DeleteToken(ctx); err != nil {
			a.logger.Printf("auth: delete expired token: %v", err)
		}
		return nil
	}
	a.tok = tok
	a.logger.Printf("auth: restored token for device %d, expires %s", tok.DeviceID, tok.Expiry().Format(time.RFC3339))
	return nil
}

// Authenticate performs the credential exchange. On success the token is
// cached and persisted; on failure no token is held and LastError records
// the reason.
func (a *AuthSession) Authenticate(ctx context.Context) error {
	started := a.cfg.Clock.now()

	resp, err := a.server.AuthenticateDevice(ctx, types.DeviceAuthRequest{
		SerialNumber: a.cfg.SerialNumber,
		Token:        a.cfg.Secret,
	})
	if err == nil {
		var tok types.AuthToken
		tok, err = a.tokenFrom(resp, started)
		if err == nil {
			a.tok = tok
			a.lastErr = nil
			if perr := a.tokens.SaveToken(ctx, tok); perr != nil {
				// The session still works until the next power cycle.
				a.logger.Printf("auth: persist token: %v", perr)
			}
			a.logger.Printf("auth: authenticated as device %d, expires %s", tok.DeviceID, tok.Expiry().Format(time.RFC3339))
			a.journal.record(ctx, store.SyncAttempt{Kind: store.AttemptAuth, StartedAt: started, OK: true})
			return nil
		}
	}

	a.tok = types.AuthToken{}
	a.lastErr = err
	a.logger.Printf("auth: authenticate failed: %v", err)
	a.journal.record(ctx, store.SyncAttempt{Kind: store.AttemptAuth, StartedAt: started, Error: err.Error()})
	return fmt.Errorf("authenticate: %w", err)
}

// tokenFrom computes the absolute expiry from expires_in, falling back to
// the JWT exp claim when the server omits the lifetime.
func (a *AuthSession) tokenFrom(resp types.DeviceAuthResponse, issuedAt time.Time) (types.AuthToken, error) {
	tok := types.AuthToken{
		AccessToken: resp.AccessToken,
		DeviceID:    resp.DeviceID,
		Valid:       true,
	}
	switch {
	case resp.ExpiresIn > 0:
		tok.ExpiresAt = issuedAt.Unix() + resp.ExpiresIn
	default:
		exp, err := jwtExpiry(resp.AccessToken)
		if err != nil {
			return types.AuthToken{}, fmt.Errorf("%w: no expires_in and %v", remote.ErrMalformedResponse, err)
		}
		tok.ExpiresAt = exp.Unix()
	}
	return tok, nil
}

// jwtExpiry reads the exp claim without verifying the signature; the device
// does not hold the server's signing key and only needs the lifetime.
func jwtExpiry(raw string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, fmt.Errorf("token is not a JWT: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return exp.Time, nil
}

// AccessToken returns the cached token when valid, otherwise attempts one
// authentication. An empty string means the device could not authenticate;
// LastError has the reason.
//
// SyncCoordinator does not call it: uploads are gated on IsAuthenticated and
// never authenticate as a side effect. The loop uses it where a fresh
// exchange is wanted, for forced syncs and the token check.
func (a *AuthSession) AccessToken(ctx context.Context) string {
	if a.IsAuthenticated() {
		return a.tok.AccessToken
	}
	if err := a.Authenticate(ctx); err != nil {
		return ""
	}
	return a.tok.AccessToken
}

// IsAuthenticated reports whether a token is held and now + buffer is still
// before its expiry.
func (a *AuthSession) IsAuthenticated() bool {
	return a.tok.Valid && a.tok.AccessToken != "" && a.fresh(a.tok)
}

func (a *AuthSession) fresh(tok types.AuthToken) bool {
	deadline := a.cfg.Clock.now().Add(a.cfg.ExpiryBuffer).Unix()
	return deadline < tok.ExpiresAt
}

// State reports the token lifecycle state.
func (a *AuthSession) State() AuthState {
	switch {
	case !a.tok.Valid || a.tok.AccessToken == "":
		return AuthUnauthenticated
	case a.fresh(a.tok):
		return AuthValid
	default:
		return AuthExpired
	}
}

// Heartbeat probes server reachability without a credential exchange and
// remembers the result for Status.
func (a *AuthSession) Heartbeat(ctx context.Context) bool {
	err := a.server.Probe(ctx)
	up := err == nil
	if up != a.reachable {
		if up {
			a.logger.Printf("auth: server reachable")
		} else {
			a.logger.Printf("auth: server unreachable: %v", err)
		}
	}
	a.reachable = up
	return up
}

// Reachable returns the result of the last Heartbeat.
func (a *AuthSession) Reachable() bool { return a.reachable }

// ClearToken drops the cached token and deletes the persisted copy.
func (a *AuthSession) ClearToken(ctx context.Context) {
	had := a.tok.AccessToken != ""
	a.tok = types.AuthToken{}
	if err := a.tokens.DeleteToken(ctx); err != nil {
		a.logger.Printf("auth: delete persisted token: %v", err)
	}
	if had {
		a.logger.Printf("auth: token cleared")
	}
}

// Refresh replaces the current token with a new one. The old token is kept
// if the exchange fails.
func (a *AuthSession) Refresh(ctx context.Context) error {
	prev := a.tok
	if err := a.Authenticate(ctx); err != nil {
		if prev.Valid && a.fresh(prev) {
			a.tok = prev
		}
		return err
	}
	return nil
}

// handleRejected is called by other components on a 401.
func (a *AuthSession) handleRejected(ctx context.Context, err error) {
	a.lastErr = err
	a.ClearToken(ctx)
}

// Token returns a copy of the held token.
func (a *AuthSession) Token() types.AuthToken { return a.tok }

func (a *AuthSession) LastError() error { return a.lastErr }

// Status is the one-line connection summary shown to the operator.
func (a *AuthSession) Status(wifiUp bool) string {
	switch {
	case !wifiUp:
		return StatusNoWiFi
	case a.State() == AuthUnauthenticated:
		return StatusNoToken
	case a.State() == AuthExpired:
		return StatusExpired
	case !a.reachable:
		return StatusServerOffline
	default:
		return StatusConnected
	}
}
