// Package peer provides the HTTP clients the services use to call each other.
//
// Every peer has a static base URL, a read timeout and its own circuit
// breaker. Calls are never retried here; callers decide how to degrade.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/api/middleware"
	"github.com/drfirst/go-hospital/internal/observability/metrics"
	"github.com/drfirst/go-hospital/pkg/circuitbreaker"
)

const maxResponseBytes = 4 << 20

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Peer    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s service error: %d", DisplayName(e.Peer), e.Code)
	if e.Message != "" {
		msg += " (" + e.Message + ")"
	}
	return msg
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// DisplayName capitalizes a service name for messages: "emergency" becomes
// "Emergency".
func DisplayName(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// Request describes one call to a peer.
type Request struct {
	Method string
	Path   string
	Body   any
	Header http.Header
	// Status, when set, is the only accepted response code; any other 2xx
	// yields a *StatusError
	Status int
}

// Config configures a Client.
type Config struct {
	Name    string
	BaseURL string
	// Timeout bounds a whole request, body included
	Timeout time.Duration
	// BreakerTimeout is how long the breaker stays open
	BreakerTimeout time.Duration
}

// Client calls one peer service.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewClient creates a client for one peer. Its breaker is registered in
// breakers under the peer name. Responses with a 4xx status do not count
// against the breaker.
func NewClient(cfg Config, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	if cfg.Name == "" || cfg.BaseURL == "" {
		return nil, errors.New("peer name and base url are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	bcfg := circuitbreaker.DefaultConfig(cfg.Name)
	if cfg.BreakerTimeout > 0 {
		bcfg.Timeout = cfg.BreakerTimeout
	}
	bcfg.IsSuccessful = func(err error) bool {
		var se *StatusError
		return err == nil || (errors.As(err, &se) && se.Code < http.StatusInternalServerError)
	}
	bcfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(logger)
	}
	breaker, err := breakers.GetOrCreate(cfg.Name, bcfg)
	if err != nil {
		return nil, fmt.Errorf("create breaker for %s: %w", cfg.Name, err)
	}
	m.SetBreakerState(cfg.Name, breaker.GetState().Gauge())

	return &Client{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		metrics: m,
		logger:  logger.With(zap.String("peer", cfg.Name)),
		tracer:  otel.Tracer("peer"),
	}, nil
}

// Do sends req and decodes a 2xx JSON response into out when out is not
// nil. A non-2xx response, or one other than req.Status, yields a
// *StatusError. While the breaker is open
// the request is not sent and the error satisfies circuitbreaker.IsOpenError.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	ctx, span := c.tracer.Start(ctx, "peer_request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("peer", c.name),
			attribute.String("http.method", req.Method),
			attribute.String("http.path", req.Path),
		))
	defer span.End()

	_, err := c.breaker.Execute(ctx, func() (any, error) {
		return nil, c.send(ctx, req, out)
	})
	c.metrics.PeerRequest(c.name, outcome(err))
	if err == nil {
		return nil
	}

	span.RecordError(err)
	if circuitbreaker.IsOpenError(err) {
		err = fmt.Errorf("%s service unavailable: %w", DisplayName(c.name), err)
	}
	c.logger.Warn("peer request failed",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.Error(err))
	return err
}

func (c *Client) send(ctx context.Context, req Request, out any) error {
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", c.name, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if id := middleware.GetRequestID(ctx); id != "" {
		httpReq.Header.Set(middleware.HeaderRequestID, id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", c.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (req.Status != 0 && resp.StatusCode != req.Status) {
		se := &StatusError{Peer: c.name, Code: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil {
			se.Message = payload.Error
		}
		return se
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", c.name, err)
		}
	}
	return nil
}

func outcome(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return "success"
	case circuitbreaker.IsOpenError(err):
		return "rejected"
	case errors.As(err, &se) && se.Code < http.StatusInternalServerError:
		return "client_error"
	case errors.As(err, &se):
		return "server_error"
	default:
		return "transport_error"
	}
}
