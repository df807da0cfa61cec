package flowise

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"bv199.vn/hospital-chat/internal/logging"
)

func newClient(t *testing.T, h http.HandlerFunc, mode string, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		URL:      srv.URL + "/api/v1/prediction/flow-1",
		APIKey:   "secret-key",
		AuthMode: mode,
		Timeout:  timeout,
		Logger:   logging.Discard(),
	})
}

func TestPredictJSONWithHeaderAuth(t *testing.T) {
	var body []byte
	var auth, apikey string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		apikey = r.URL.Query().Get("apikey")
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":"Chào bạn","chatId":"x"}`)
	}, AuthHeader, time.Second)

	raw := []byte(`{"question":"Giờ khám?","sessionId":"s1","overrideConfig":{"temperature":0.2}}`)
	res, err := c.Predict(context.Background(), Prediction{Question: "Giờ khám?", SessionID: "s1", Raw: raw})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if string(res.Body) != `{"text":"Chào bạn","chatId":"x"}` || res.Status != 200 {
		t.Fatalf("body must be returned verbatim, got %d %s", res.Status, res.Body)
	}
	if !strings.HasPrefix(res.ContentType, "application/json") {
		t.Fatalf("unexpected content type %q", res.ContentType)
	}
	if auth != "Bearer secret-key" || apikey != "" {
		t.Fatalf("unexpected credentials: auth=%q apikey=%q", auth, apikey)
	}

	doc := gjson.ParseBytes(body)
	if doc.Get("question").String() != "Giờ khám?" {
		t.Fatalf("question lost: %s", body)
	}
	if doc.Get("overrideConfig.sessionId").String() != "s1" || !doc.Get("overrideConfig.returnSourceDocuments").Bool() {
		t.Fatalf("override config not injected: %s", body)
	}
	if doc.Get("overrideConfig.temperature").Float() != 0.2 {
		t.Fatalf("existing override keys must be kept: %s", body)
	}
}

func TestPredictQueryAuthAndGeneratedSession(t *testing.T) {
	var body []byte
	var auth, apikey string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		apikey = r.URL.Query().Get("apikey")
		body, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"text":"ok"}`)
	}, AuthQuery, time.Second)
	c.now = func() time.Time { return time.UnixMilli(1736500000000) }

	if _, err := c.Predict(context.Background(), Prediction{Question: "q"}); err != nil {
		t.Fatalf("predict: %v", err)
	}
	if apikey != "secret-key" || auth != "" {
		t.Fatalf("expected query auth, got auth=%q apikey=%q", auth, apikey)
	}
	if got := gjson.GetBytes(body, "overrideConfig.sessionId").String(); got != "chat-1736500000000" {
		t.Fatalf("unexpected generated session id %q", got)
	}
	if got := gjson.GetBytes(body, "question").String(); got != "q" {
		t.Fatalf("question not encoded: %s", body)
	}
}

func TestPredictMultipart(t *testing.T) {
	var question, override, filename, content string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		question = r.FormValue("question")
		override = r.FormValue("overrideConfig")
		if fhs := r.MultipartForm.File["files"]; len(fhs) == 1 {
			filename = fhs[0].Filename
			f, _ := fhs[0].Open()
			data, _ := io.ReadAll(f)
			f.Close()
			content = string(data)
		}
		_, _ = io.WriteString(w, `{"text":"Đã đọc"}`)
	}, AuthHeader, time.Second)

	_, err := c.Predict(context.Background(), Prediction{
		Question:  "Đọc giúp kết quả",
		SessionID: "s2",
		Files:     []File{{Name: "ket-qua.pdf", ContentType: "application/pdf", Body: strings.NewReader("%PDF-1.4")}},
	})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if question != "Đọc giúp kết quả" || filename != "ket-qua.pdf" || content != "%PDF-1.4" {
		t.Fatalf("unexpected form: %q %q %q", question, filename, content)
	}
	if gjson.Get(override, "sessionId").String() != "s2" || !gjson.Get(override, "returnSourceDocuments").Bool() {
		t.Fatalf("unexpected overrideConfig %q", override)
	}
}

func TestPredictBoundedWait(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, AuthHeader, 50*time.Millisecond)

	_, err := c.Predict(context.Background(), Prediction{Question: "q"})
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Kind != KindTimeout || ue.Status != 0 {
		t.Fatalf("expected bounded-wait timeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped deadline error, got %v", err)
	}
}

func TestPredictUpstreamStatuses(t *testing.T) {
	tests := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusGatewayTimeout, KindTimeout},
		{http.StatusServiceUnavailable, KindRejected},
		{http.StatusInternalServerError, KindRejected},
		{http.StatusUnauthorized, KindRejected},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "flow failed", tt.status)
			}, AuthHeader, time.Second)

			_, err := c.Predict(context.Background(), Prediction{Question: "q"})
			var ue *UpstreamError
			if !errors.As(err, &ue) {
				t.Fatalf("expected UpstreamError, got %v", err)
			}
			if ue.Kind != tt.kind || ue.Status != tt.status || !strings.Contains(ue.Body, "flow failed") {
				t.Fatalf("unexpected error %+v", ue)
			}
		})
	}
}

func TestPredictUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{URL: url, APIKey: "k", Timeout: time.Second, Logger: logging.Discard()})
	_, err := c.Predict(context.Background(), Prediction{Question: "q"})
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Kind != KindUnreachable {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestProbe(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "question").String() != "test" {
			http.Error(w, "bad probe", http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, strings.Repeat("a", 800))
	}, AuthQuery, time.Second)

	res, err := c.Probe(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if res.Status != http.StatusOK || len(res.Preview) != previewRunes {
		t.Fatalf("unexpected probe result status=%d preview=%d", res.Status, len(res.Preview))
	}
}
