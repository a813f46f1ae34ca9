package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"simbridge.ai/internal/protocol"
)

const (
	DefaultTimeout          = 10 * time.Second
	DefaultMaxResponseBytes = 1 << 20

	headerRequestID = "X-Request-ID"
)

type Config struct {
	// Endpoint is the full URL the snapshot is POSTed to, e.g. http://127.0.0.1:5000/tick.
	Endpoint         string
	Timeout          time.Duration
	MaxResponseBytes int64
	UserAgent        string

	// HTTPClient is optional; its own Timeout is left alone, the per-call
	// timeout is applied through the request context.
	HTTPClient *http.Client
}

// Client talks to the reasoning service. It holds no per-call state and is safe
// for concurrent use by every agent's coordinator.
type Client struct {
	endpoint    string
	timeout     time.Duration
	maxResponse int64
	userAgent   string
	httpClient  *http.Client
}

func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty brain endpoint")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint: %s", endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "simbridge/" + protocol.Version
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		endpoint:    u.String(),
		timeout:     cfg.Timeout,
		maxResponse: cfg.MaxResponseBytes,
		userAgent:   cfg.UserAgent,
		httpClient:  hc,
	}, nil
}

func (c *Client) Endpoint() string       { return c.endpoint }
func (c *Client) Timeout() time.Duration { return c.timeout }

// Think posts one snapshot and returns the decoded decision. Cancelling ctx
// abandons the call with E_CANCELLED; the client's own timeout yields E_TIMEOUT.
func (c *Client) Think(ctx context.Context, req protocol.ThinkRequest) (protocol.Decision, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return protocol.Decision{}, &Error{Code: protocol.ErrProtocol, Msg: "encode snapshot", Err: err}
	}
	body, err := c.post(ctx, payload)
	if err != nil {
		return protocol.Decision{}, err
	}
	d, err := protocol.DecodeDecision(body)
	if err != nil {
		return protocol.Decision{}, &Error{Code: protocol.ErrProtocol, Err: err}
	}
	return d, nil
}

func (c *Client) post(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Code: protocol.ErrCancelled, Err: err}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Code: protocol.ErrTransport, Msg: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(headerRequestID, uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classify(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	// Read one byte past the limit so oversized bodies are detectable.
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponse+1))
	if err != nil {
		return nil, c.classify(ctx, callCtx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Code:   protocol.ErrServer,
			Status: resp.StatusCode,
			Msg:    truncate(strings.TrimSpace(string(body)), MaxErrorBodyRunes),
		}
	}
	if int64(len(body)) > c.maxResponse {
		return nil, &Error{Code: protocol.ErrProtocol, Msg: fmt.Sprintf("response exceeds %d bytes", c.maxResponse)}
	}
	return body, nil
}

// classify decides between caller cancellation, our own deadline and a
// connection-level failure. Caller cancellation wins when both fired.
func (c *Client) classify(parent, callCtx context.Context, err error) error {
	if parent.Err() != nil {
		return &Error{Code: protocol.ErrCancelled, Err: parent.Err()}
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return &Error{Code: protocol.ErrTimeout, Msg: fmt.Sprintf("no response within %s", c.timeout), Err: err}
	}
	return &Error{Code: protocol.ErrTransport, Err: err}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
