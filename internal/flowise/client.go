package flowise

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/sjson"

	"bv199.vn/hospital-chat/internal/utils"
)

const (
	AuthHeader = "header"
	AuthQuery  = "query"

	maxResultBytes = 32 << 20
	maxErrorBytes  = 64 << 10
	previewRunes   = 500
)

type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindRejected    ErrorKind = "rejected"
	KindUnreachable ErrorKind = "unreachable"
)

// UpstreamError describes why a prediction did not produce a usable answer.
// Status is the upstream HTTP status when one was received.
type UpstreamError struct {
	Kind    ErrorKind
	Status  int
	Body    string
	Elapsed time.Duration
	Err     error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("flowise %s: status %d", e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("flowise %s: %v", e.Kind, e.Err)
	default:
		return "flowise " + string(e.Kind)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// File is one upload relayed to the prediction endpoint.
type File struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// Prediction is one question for the flow. Raw, when set, is the JSON body
// received from the browser and is forwarded with the override config
// injected; otherwise a body is built from Question.
type Prediction struct {
	Question  string
	SessionID string
	Raw       []byte
	Files     []File
}

type Result struct {
	Status      int
	ContentType string
	Body        []byte
	Elapsed     time.Duration
}

type ProbeResult struct {
	Status  int
	Preview string
	Elapsed time.Duration
}

type Config struct {
	URL      string
	APIKey   string
	AuthMode string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Client calls a Flowise prediction endpoint under a bounded wait.
type Client struct {
	url      string
	apiKey   string
	authMode string
	timeout  time.Duration
	hc       *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.AuthMode == "" {
		cfg.AuthMode = AuthHeader
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	// No client-level timeout: Predict bounds every call with a context deadline.
	return &Client{
		url:      cfg.URL,
		apiKey:   cfg.APIKey,
		authMode: cfg.AuthMode,
		timeout:  cfg.Timeout,
		hc:       &http.Client{},
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

func (c *Client) URL() string             { return c.url }
func (c *Client) Timeout() time.Duration { return c.timeout }

// Predict forwards p and returns the upstream body verbatim on 2xx. Every
// other outcome is an *UpstreamError.
func (c *Client) Predict(ctx context.Context, p Prediction) (*Result, error) {
	start := c.now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = "chat-" + strconv.FormatInt(start.UnixMilli(), 10)
	}

	body, contentType, err := c.encode(p, sessionID)
	if err != nil {
		return nil, &UpstreamError{Kind: KindRejected, Err: err}
	}

	req, err := c.newRequest(ctx, body, contentType)
	if err != nil {
		body.Close()
		return nil, &UpstreamError{Kind: KindUnreachable, Err: err}
	}

	c.logger.Info("calling flowise",
		"session_id", sessionID,
		"files", len(p.Files),
		"question_len", len([]rune(p.Question)),
	)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err, start)
	}
	defer resp.Body.Close()

	elapsed := c.now().Sub(start)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		kind := KindRejected
		if resp.StatusCode == http.StatusGatewayTimeout {
			kind = KindTimeout
		}
		c.logger.Warn("flowise returned an error",
			"status", resp.StatusCode,
			"elapsed", elapsed.String(),
			"body", utils.Truncate(string(detail), 200),
		)
		return nil, &UpstreamError{Kind: kind, Status: resp.StatusCode, Body: string(detail), Elapsed: elapsed}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return nil, c.transportError(ctx, fmt.Errorf("read flowise response: %w", err), start)
	}
	elapsed = c.now().Sub(start)
	c.logger.Info("flowise answered", "status", resp.StatusCode, "elapsed", elapsed.String(), "bytes", len(data))

	return &Result{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
		Elapsed:     elapsed,
	}, nil
}

// Probe posts a trivial question with its own, shorter deadline.
func (c *Client) Probe(ctx context.Context, timeout time.Duration) (*ProbeResult, error) {
	start := c.now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(ctx, io.NopCloser(bytes.NewReader([]byte(`{"question":"test"}`))), "application/json")
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err, start)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
	return &ProbeResult{
		Status:  resp.StatusCode,
		Preview: utils.Truncate(string(preview), previewRunes),
		Elapsed: c.now().Sub(start),
	}, nil
}

func (c *Client) encode(p Prediction, sessionID string) (io.ReadCloser, string, error) {
	if len(p.Files) == 0 {
		raw := p.Raw
		if len(raw) == 0 {
			var err error
			if raw, err = sjson.SetBytes([]byte(`{}`), "question", p.Question); err != nil {
				return nil, "", fmt.Errorf("encode question: %w", err)
			}
		}
		raw, err := withOverride(raw, "overrideConfig.", sessionID)
		if err != nil {
			return nil, "", err
		}
		return io.NopCloser(bytes.NewReader(raw)), "application/json", nil
	}

	override, err := withOverride([]byte(`{}`), "", sessionID)
	if err != nil {
		return nil, "", err
	}
	parts := make([]utils.FormFile, 0, len(p.Files))
	for _, f := range p.Files {
		parts = append(parts, utils.FormFile{Field: "files", Name: f.Name, ContentType: f.ContentType, Body: f.Body})
	}
	body, contentType := utils.StreamMultipart([]utils.FormField{
		{Name: "question", Value: p.Question},
		{Name: "overrideConfig", Value: string(override)},
	}, parts)
	return body, contentType, nil
}

// withOverride sets the session and source-document flags under prefix,
// keeping any other keys already present.
func withOverride(doc []byte, prefix, sessionID string) ([]byte, error) {
	out, err := sjson.SetBytes(doc, prefix+"sessionId", sessionID)
	if err != nil {
		return nil, fmt.Errorf("set sessionId: %w", err)
	}
	if out, err = sjson.SetBytes(out, prefix+"returnSourceDocuments", true); err != nil {
		return nil, fmt.Errorf("set returnSourceDocuments: %w", err)
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, body io.ReadCloser, contentType string) (*http.Request, error) {
	target, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("invalid flowise url: %w", err)
	}
	if c.authMode == AuthQuery && c.apiKey != "" {
		q := target.Query()
		q.Set("apikey", c.apiKey)
		target.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.authMode == AuthHeader && c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) transportError(ctx context.Context, err error, start time.Time) error {
	elapsed := c.now().Sub(start)
	kind := KindUnreachable
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = KindTimeout
	}
	c.logger.Warn("flowise call failed", "kind", string(kind), "elapsed", elapsed.String(), "error", err)
	return &UpstreamError{Kind: kind, Elapsed: elapsed, Err: err}
}
