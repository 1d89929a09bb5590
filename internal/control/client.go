// Package control issues one-shot requests to the kuron scan server.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultTimeout = 10 * time.Second

	maxErrorBody = 512
)

// JobRequest creates a recurring scan job on the server.
type JobRequest struct {
	Name           string   `json:"name"`
	Paths          []string `json:"paths"`
	CronExpression string   `json:"cron_expression"`
	Action         string   `json:"action"`
}

// JobResponse is the server's view of a created job.
type JobResponse struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	CronExpression string     `json:"cron_expression"`
	Action         string     `json:"action"`
	Enabled        bool       `json:"enabled"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
}

// Client talks to the control endpoints of the scan server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	tracer     trace.Tracer
	logger     logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q has no host", baseURL)
	}

	discard := logrus.New()
	discard.SetOutput(io.Discard)

	c := &Client{
		baseURL: u,
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tracer: noop.NewTracerProvider().Tracer(""),
		logger: discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("component", "control")

	return c, nil
}

// CancelScan asks the server to stop a running scan. It returns once the
// server acknowledged the request.
func (c *Client) CancelScan(ctx context.Context, jobID int64) error {
	ctx, span := c.tracer.Start(ctx, "control.Client.CancelScan",
		trace.WithAttributes(attribute.Int64("job.id", jobID)),
	)
	defer span.End()

	path := fmt.Sprintf("/api/scans/%d/cancel", jobID)
	if err := c.do(ctx, "cancel scan", http.MethodPost, path, nil, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// CreateJob registers a recurring scan job on the server.
func (c *Client) CreateJob(ctx context.Context, req JobRequest) (*JobResponse, error) {
	ctx, span := c.tracer.Start(ctx, "control.Client.CreateJob",
		trace.WithAttributes(
			attribute.String("job.name", req.Name),
			attribute.String("job.cron", req.CronExpression),
			attribute.Int("job.paths", len(req.Paths)),
		),
	)
	defer span.End()

	var resp JobResponse
	if err := c.do(ctx, "create job", http.MethodPost, "/api/jobs", req, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("job.id", resp.ID))
	return &resp, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	target := c.baseURL.ResolveReference(&url.URL{Path: path}).String()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &RequestError{Op: op, URL: target, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &RequestError{Op: op, URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{Op: op, URL: target, Err: err}
	}
	defer resp.Body.Close()

	log := c.logger.WithFields(logrus.Fields{
		"method":   method,
		"url":      target,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		log.Warn("control request rejected")
		return &RequestError{
			Op:         op,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(excerpt)),
		}
	}
	log.Debug("control request done")

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RequestError{Op: op, URL: target, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
