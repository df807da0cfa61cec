package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"bv199.vn/hospital-chat/internal/flowise"
	"bv199.vn/hospital-chat/internal/logging"
)

const (
	multipartMemory = 32 << 20
	maxJSONBody     = 1 << 20
	maxFilesPerCall = 10
)

const (
	textQuestionRequired = "Vui lòng nhập nội dung câu hỏi"
	textInvalidRequest   = "Yêu cầu không hợp lệ. Vui lòng thử lại."
	textUpstreamTimeout  = "Flow đang xử lý quá lâu. Flow của bạn có thể quá phức tạp hoặc Flowise server cần tối ưu."
	textMaintenance      = "Flowise server đang bảo trì. Vui lòng thử lại sau ít phút."
	textBusy             = "Hệ thống đang bận. Vui lòng thử lại sau ít phút."
	textUnreachable      = "Có lỗi khi kết nối với hệ thống. Vui lòng kiểm tra kết nối internet và thử lại."
)

// Predictor is the upstream the proxy forwards to.
type Predictor interface {
	Predict(ctx context.Context, p flowise.Prediction) (*flowise.Result, error)
	Probe(ctx context.Context, timeout time.Duration) (*flowise.ProbeResult, error)
}

type Options struct {
	FlowiseURL     string
	Timeout        time.Duration
	TestTimeout    time.Duration
	MaxUploadBytes int64
	FrontendURL    string
}

type APIHandler struct {
	upstream Predictor
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

func NewAPIHandler(upstream Predictor, opts Options, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = 30 * time.Second
	}
	return &APIHandler{upstream: upstream, opts: opts, logger: logger, now: time.Now}
}

type errorResponse struct {
	Error   string `json:"error"`
	Text    string `json:"text"`
	Status  int    `json:"status,omitempty"`
	Elapsed string `json:"elapsed"`
}

func (h *APIHandler) RootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "🏥 Hospital 199 Chatbot Backend Proxy",
		"status":   "running",
		"frontend": h.opts.FrontendURL,
		"api": map[string]string{
			"health":  "GET /health",
			"test":    "GET /test-flowise",
			"flowise": "POST /api/flowise",
		},
		"note": "Access the frontend at " + h.opts.FrontendURL,
	})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"timestamp":   h.now().UTC().Format(time.RFC3339),
		"flowise_url": h.opts.FlowiseURL,
		"timeout":     fmt.Sprintf("%ds", int(h.opts.Timeout.Seconds())),
	})
}

func (h *APIHandler) TestFlowiseHandler(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context(), h.logger)
	log.Info("testing flowise connectivity", "endpoint", h.opts.FlowiseURL)

	res, err := h.upstream.Probe(r.Context(), h.opts.TestTimeout)
	if err != nil {
		log.Error("flowise connectivity test failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":      "error",
			"message":     "Cannot connect to Flowise",
			"error":       err.Error(),
			"flowise_url": h.opts.FlowiseURL,
			"note":        "Make sure Flowise server is running and endpoint is correct",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"flowise_status":   res.Status,
		"message":          "Flowise connectivity test successful",
		"response_preview": res.Preview,
	})
}

// FlowiseHandler relays a question, and optional files, to the flow.
func (h *APIHandler) FlowiseHandler(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	log := logging.FromContext(r.Context(), h.logger)

	pred, cleanup, status, err := h.parsePrediction(w, r)
	defer cleanup()
	if err != nil {
		log.Warn("rejected prediction request", "status", status, "error", err)
		code, text := "invalid_request", textInvalidRequest
		switch {
		case status == http.StatusRequestEntityTooLarge:
			code = "payload_too_large"
			text = "Tệp đính kèm vượt quá giới hạn " + sizeLabel(h.opts.MaxUploadBytes) + "."
		case errors.Is(err, errQuestionRequired):
			text = textQuestionRequired
		}
		h.writeError(w, status, errorResponse{Error: code, Text: text}, start)
		return
	}

	log.Info("forwarding prediction", "session_id", pred.SessionID, "files", len(pred.Files))
	res, err := h.upstream.Predict(r.Context(), pred)
	if err != nil {
		status, body := h.mapUpstreamError(err)
		log.Error("prediction failed", "status", status, "error", err)
		h.writeError(w, status, body, start)
		return
	}

	ct := res.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Body); err != nil {
		log.Warn("failed to write prediction response", "error", err)
	}
}

var errQuestionRequired = errors.New("question or files required")

// parsePrediction reads either a JSON or a multipart request. cleanup is
// always safe to call.
func (h *APIHandler) parsePrediction(w http.ResponseWriter, r *http.Request) (flowise.Prediction, func(), int, error) {
	noop := func() {}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		limit := h.opts.MaxUploadBytes*maxFilesPerCall + maxJSONBody
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return flowise.Prediction{}, noop, http.StatusRequestEntityTooLarge, err
			}
			return flowise.Prediction{}, noop, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err)
		}
		form := r.MultipartForm
		var opened []multipart.File
		cleanup := func() {
			for _, f := range opened {
				f.Close()
			}
			_ = form.RemoveAll()
		}

		pred := flowise.Prediction{
			Question:  r.FormValue("question"),
			SessionID: r.FormValue("sessionId"),
		}
		headers := form.File["files"]
		if len(headers) > maxFilesPerCall {
			return pred, cleanup, http.StatusBadRequest, fmt.Errorf("too many files: %d", len(headers))
		}
		for _, fh := range headers {
			if fh.Size > h.opts.MaxUploadBytes {
				return pred, cleanup, http.StatusRequestEntityTooLarge, fmt.Errorf("file %s is %d bytes", fh.Filename, fh.Size)
			}
			f, err := fh.Open()
			if err != nil {
				return pred, cleanup, http.StatusBadRequest, fmt.Errorf("open %s: %w", fh.Filename, err)
			}
			opened = append(opened, f)
			pred.Files = append(pred.Files, flowise.File{
				Name:        fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Body:        f,
			})
		}
		if strings.TrimSpace(pred.Question) == "" && len(pred.Files) == 0 {
			return pred, cleanup, http.StatusBadRequest, errQuestionRequired
		}
		return pred, cleanup, 0, nil
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return flowise.Prediction{}, noop, http.StatusRequestEntityTooLarge, err
		}
		return flowise.Prediction{}, noop, http.StatusBadRequest, fmt.Errorf("read body: %w", err)
	}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return flowise.Prediction{}, noop, http.StatusBadRequest, errors.New("body is not a JSON object")
	}
	pred := flowise.Prediction{
		Question:  gjson.GetBytes(raw, "question").String(),
		SessionID: gjson.GetBytes(raw, "sessionId").String(),
		Raw:       raw,
	}
	if strings.TrimSpace(pred.Question) == "" {
		return pred, noop, http.StatusBadRequest, errQuestionRequired
	}
	return pred, noop, 0, nil
}

func (h *APIHandler) mapUpstreamError(err error) (int, errorResponse) {
	var ue *flowise.UpstreamError
	if !errors.As(err, &ue) {
		return http.StatusBadGateway, errorResponse{Error: "upstream_rejected", Text: textBusy}
	}
	switch ue.Kind {
	case flowise.KindTimeout:
		text := fmt.Sprintf("Flow xử lý quá lâu (>%d phút). Bài toán có thể quá phức tạp. Vui lòng kiểm tra flow trong Flowise.",
			int(h.opts.Timeout.Minutes()))
		if ue.Status == http.StatusGatewayTimeout {
			text = textUpstreamTimeout
		}
		return http.StatusGatewayTimeout, errorResponse{Error: "upstream_timeout", Text: text, Status: ue.Status}
	case flowise.KindRejected:
		text := textBusy
		if ue.Status == http.StatusServiceUnavailable {
			text = textMaintenance
		}
		return http.StatusBadGateway, errorResponse{Error: "upstream_rejected", Text: text, Status: ue.Status}
	default:
		return http.StatusServiceUnavailable, errorResponse{Error: "upstream_unreachable", Text: textUnreachable}
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, status int, body errorResponse, start time.Time) {
	body.Elapsed = fmt.Sprintf("%.2fs", h.now().Sub(start).Seconds())
	writeJSON(w, status, body)
}

func sizeLabel(n int64) string {
	if n >= 1<<20 && n%(1<<20) == 0 {
		return fmt.Sprintf("%dMB", n>>20)
	}
	return fmt.Sprintf("%d bytes", n)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "status", status, "error", err)
	}
}
