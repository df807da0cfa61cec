package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"bv199.vn/hospital-chat/internal/store"
	"bv199.vn/hospital-chat/internal/utils"
)

// maxReplyBytes bounds how much of a proxy response is read.
const maxReplyBytes = 8 << 20

type ReplyKind int

const (
	ReplyAnswer ReplyKind = iota
	ReplyFailure
)

type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureRejected    FailureKind = "rejected"
	FailureUnreachable FailureKind = "unreachable"
	FailureMalformed   FailureKind = "malformed"
)

// Reply is the normalized outcome of one query. Answers carry the known
// response fields; failures carry a kind, the proxy's display hint (if any)
// and diagnostic detail that is meant for logs only.
type Reply struct {
	Kind ReplyKind

	Text         string
	Answer       string
	ExternalLink string

	Failure FailureKind
	Status  int
	Detail  string
}

func (r Reply) Failed() bool { return r.Kind == ReplyFailure }

// Querier is what the orchestrator needs from the AI side.
type Querier interface {
	Query(ctx context.Context, question, sessionID string, files []store.Attachment) Reply
}

// AIClient posts questions to the chat proxy.
type AIClient struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewAIClient(endpoint string, timeout time.Duration, logger *slog.Logger) *AIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AIClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type queryRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"sessionId"`
}

// Query never returns an error; every failure becomes a ReplyFailure.
func (c *AIClient) Query(ctx context.Context, question, sessionID string, files []store.Attachment) Reply {
	req, err := c.newRequest(ctx, question, sessionID, files)
	if err != nil {
		return failure(FailureMalformed, 0, "", err)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return failure(FailureTimeout, 0, "", err)
		}
		return failure(FailureUnreachable, 0, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		if isTimeout(err) {
			return failure(FailureTimeout, resp.StatusCode, "", err)
		}
		return failure(FailureUnreachable, resp.StatusCode, "", fmt.Errorf("read reply: %w", err))
	}

	c.logger.Debug("proxy replied",
		"status", resp.StatusCode,
		"session_id", sessionID,
		"files", len(files),
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	return classify(resp.StatusCode, body)
}

func (c *AIClient) newRequest(ctx context.Context, question, sessionID string, files []store.Attachment) (*http.Request, error) {
	if len(files) == 0 {
		payload, err := json.Marshal(queryRequest{Question: question, SessionID: sessionID})
		if err != nil {
			return nil, fmt.Errorf("encode query: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	parts := make([]utils.FormFile, 0, len(files))
	for _, f := range files {
		parts = append(parts, utils.FormFile{
			Field:       "files",
			Name:        f.Name,
			ContentType: f.MIMEType,
			Body:        bytes.NewReader(f.Data),
		})
	}
	body, contentType := utils.StreamMultipart([]utils.FormField{
		{Name: "question", Value: question},
		{Name: "sessionId", Value: sessionID},
	}, parts)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		body.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return req, nil
}

// classify maps a proxy status and body onto a Reply.
func classify(status int, body []byte) Reply {
	hint := ""
	if gjson.ValidBytes(body) {
		hint = strings.TrimSpace(gjson.GetBytes(body, "text").String())
	}

	switch {
	case status == http.StatusGatewayTimeout:
		return failure(FailureTimeout, status, hint, errorDetail(status, body))
	case status == http.StatusServiceUnavailable:
		return failure(FailureUnreachable, status, hint, errorDetail(status, body))
	case status < 200 || status > 299:
		return failure(FailureRejected, status, hint, errorDetail(status, body))
	}

	if !gjson.ValidBytes(body) {
		return failure(FailureMalformed, status, "", fmt.Errorf("reply is not JSON: %q", utils.Truncate(string(body), 200)))
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return failure(FailureMalformed, status, "", fmt.Errorf("reply is not a JSON object"))
	}
	r := Reply{
		Kind:   ReplyAnswer,
		Status: status,
		Text:   strings.TrimSpace(parsed.Get("text").String()),
		Answer: strings.TrimSpace(parsed.Get("answer").String()),
	}
	r.ExternalLink = store.ExternalLinkOf(r.Content())
	if r.ExternalLink == "" {
		r.ExternalLink = strings.TrimSpace(parsed.Get("notebookLink").String())
	}
	return r
}

// Content returns the displayable answer: text, then answer, then the
// fixed no-response notice.
func (r Reply) Content() string {
	switch {
	case r.Text != "":
		return r.Text
	case r.Answer != "":
		return r.Answer
	default:
		return NoResponseText
	}
}

func failure(kind FailureKind, status int, hint string, err error) Reply {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return Reply{Kind: ReplyFailure, Failure: kind, Status: status, Text: hint, Detail: detail}
}

func errorDetail(status int, body []byte) error {
	code := ""
	if gjson.ValidBytes(body) {
		code = gjson.GetBytes(body, "error").String()
	}
	if code == "" {
		code = utils.Truncate(strings.TrimSpace(string(body)), 200)
	}
	return fmt.Errorf("proxy returned %d: %s", status, code)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
