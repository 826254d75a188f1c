// Package remote is the device side of the server wire protocol: HTTP+JSON
// with bearer auth on every endpoint except /auth/device, plus a plain TCP
// reachability probe.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

const (
	PathAuthDevice = "/auth/device"
	PathEvents     = "/iot/events"
	PathPrice      = "/iot/price"
	PathConfig     = "/iot/config/"

	// Bodies of error responses are truncated to this many bytes in errors.
	maxErrorBody = 256
)

type Config struct {
	BaseURL     string // e.g. "http://10.0.0.5:8000"
	APIBasePath string // e.g. "/api/v1"

	// ShortTimeout bounds the TCP probe, NormalTimeout auth/config/price
	// and LongTimeout the event upload.
	ShortTimeout  time.Duration
	NormalTimeout time.Duration
	LongTimeout   time.Duration

	HTTPClient *http.Client
	Logger     *log.Logger
}

type Client struct {
	base   *url.URL
	prefix string
	cfg    Config
	http   *http.Client
	logger *log.Logger
	tracer trace.Tracer
}

func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", cfg.BaseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q: missing host", cfg.BaseURL)
	}

	if cfg.ShortTimeout <= 0 {
		cfg.ShortTimeout = 3 * time.Second
	}
	if cfg.NormalTimeout <= 0 {
		cfg.NormalTimeout = 10 * time.Second
	}
	if cfg.LongTimeout <= 0 {
		cfg.LongTimeout = 15 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	prefix := strings.TrimRight(strings.TrimSpace(cfg.APIBasePath), "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}

	return &Client{
		base:   u,
		prefix: prefix,
		cfg:    cfg,
		http:   hc,
		logger: logger,
		tracer: otel.Tracer("github.com/BrandonDHaskell/paxcount/device/internal/paxcount/remote"),
	}, nil
}

// URL returns base_url + api_base_path + endpoint.
func (c *Client) URL(endpoint string) string {
	return c.base.String() + c.prefix + endpoint
}

// AuthenticateDevice exchanges the device serial and shared secret for a
// bearer token. Success is 200 only.
func (c *Client) AuthenticateDevice(ctx context.Context, req types.DeviceAuthRequest) (types.DeviceAuthResponse, error) {
	var out types.DeviceAuthResponse
	err := c.do(ctx, call{
		endpoint: PathAuthDevice,
		method:   http.MethodPost,
		timeout:  c.cfg.NormalTimeout,
		body:     req,
		want:     []int{http.StatusOK},
		out:      &out,
	})
	if err != nil {
		return types.DeviceAuthResponse{}, err
	}
	if out.AccessToken == "" {
		return types.DeviceAuthResponse{}, fmt.Errorf("%s: %w: empty access_token", PathAuthDevice, ErrMalformedResponse)
	}
	return out, nil
}

// SyncEvents uploads one batch. Success is 201 only.
func (c *Client) SyncEvents(ctx context.Context, token string, req types.SyncEventsRequest) (types.SyncEventsResponse, error) {
	var out types.SyncEventsResponse
	err := c.do(ctx, call{
		endpoint: PathEvents,
		method:   http.MethodPost,
		timeout:  c.cfg.LongTimeout,
		token:    token,
		body:     req,
		want:     []int{http.StatusCreated},
		out:      &out,
		attrs: []attribute.KeyValue{
			attribute.Int64("paxcount.trip_id", req.TripID),
			attribute.Int("paxcount.batch_size", len(req.Events)),
		},
	})
	if err != nil {
		return types.SyncEventsResponse{}, err
	}
	return out, nil
}

// SendPriceRecommendation posts the latest recommendation. The body of the
// response is ignored.
func (c *Client) SendPriceRecommendation(ctx context.Context, token string, req types.PriceRecommendationRequest) error {
	return c.do(ctx, call{
		endpoint: PathPrice,
		method:   http.MethodPost,
		timeout:  c.cfg.NormalTimeout,
		token:    token,
		body:     req,
		want:     []int{http.StatusOK, http.StatusCreated},
	})
}

func (c *Client) FetchTripConfig(ctx context.Context, token string, tripID int64) (types.TripConfig, error) {
	var out types.TripConfig
	err := c.do(ctx, call{
		endpoint: PathConfig + strconv.FormatInt(tripID, 10),
		method:   http.MethodGet,
		timeout:  c.cfg.NormalTimeout,
		token:    token,
		want:     []int{http.StatusOK},
		out:      &out,
	})
	if err != nil {
		return types.TripConfig{}, err
	}
	return out, nil
}

type call struct {
	endpoint string
	method   string
	timeout  time.Duration
	token    string
	body     any
	want     []int
	out      any
	attrs    []attribute.KeyValue
}

func (c *Client) do(ctx context.Context, cl call) (err error) {
	ctx, span := c.tracer.Start(ctx, cl.method+" "+cl.endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(cl.attrs...),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, cl.timeout)
	defer cancel()

	var body io.Reader
	if cl.body != nil {
		b, err := json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", cl.endpoint, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, c.URL(cl.endpoint), body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", cl.endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.token != "" {
		req.Header.Set("Authorization", "Bearer "+cl.token)
	}
	if id, err := uuid.NewV7(); err == nil {
		req.Header.Set("X-Request-ID", id.String())
		span.SetAttributes(attribute.String("http.request_id", id.String()))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", cl.endpoint, ErrTransport, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s: %w", cl.endpoint, ErrUnauthorized)
	}
	if !wanted(resp.StatusCode, cl.want) {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Endpoint: cl.endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if cl.out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(cl.out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w: %v", cl.endpoint, ErrTransport, err)
		}
		return fmt.Errorf("%s: %w: %v", cl.endpoint, ErrMalformedResponse, err)
	}
	return nil
}

func wanted(code int, want []int) bool {
	for _, w := range want {
		if code == w {
			return true
		}
	}
	return false
}
