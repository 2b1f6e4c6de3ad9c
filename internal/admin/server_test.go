package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/sbtransport/internal/client"
	"github.com/danmuck/sbtransport/internal/message"
	"github.com/danmuck/sbtransport/internal/retry"
	"github.com/danmuck/sbtransport/internal/sberr"
	"github.com/danmuck/sbtransport/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

type fakeOps struct {
	closed    bool
	peekFrom  int64
	peekOpts  client.PeekOptions
	peekErr   error
	scheduled message.Message
	cancelled int64
	err       error
}

func (f *fakeOps) Entity() string { return "orders" }
func (f *fakeOps) IsClosed() bool { return f.closed }

func (f *fakeOps) Peek(_ context.Context, _ retry.Policy, from int64, opts client.PeekOptions) ([]message.ReceivedMessage, error) {
	f.peekFrom = from
	f.peekOpts = opts
	if f.peekErr != nil {
		return nil, f.peekErr
	}
	return []message.ReceivedMessage{{
		Message:        message.Message{Body: []byte("hello"), MessageID: "m-1"},
		SequenceNumber: from,
	}}, nil
}

func (f *fakeOps) ScheduleMessage(_ context.Context, _ retry.Policy, msg message.Message, _ string) (int64, error) {
	f.scheduled = msg
	return 42, f.err
}

func (f *fakeOps) CancelScheduledMessage(_ context.Context, _ retry.Policy, seq int64, _ string) error {
	f.cancelled = seq
	return f.err
}

func newTestServer(t *testing.T, ops *fakeOps) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return New("sbctl.test", "127.0.0.1:0", ops, retry.DefaultPolicy(), []string{"http://localhost:3000/", " "})
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)

	ops := &fakeOps{}
	s := newTestServer(t, ops)
	if rec := do(t, s, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("unexpected health status: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("unexpected ready status: %d", rec.Code)
	}
	ops.closed = true
	if rec := do(t, s, http.MethodGet, "/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("closed client must not be ready: %d", rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sbtransport_http_requests_total") {
		t.Fatalf("metrics not exposed: %d", rec.Code)
	}
}

func TestPeekRoute(t *testing.T) {
	testlog.Start(t)

	ops := &fakeOps{}
	s := newTestServer(t, ops)
	rec := do(t, s, http.MethodGet, "/v1/messages?from=10&count=5&session=s-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if ops.peekFrom != 10 || ops.peekOpts.MessageCount != 5 || ops.peekOpts.SessionID != "s-1" {
		t.Fatalf("query not forwarded: from=%d opts=%+v", ops.peekFrom, ops.peekOpts)
	}
	var out struct {
		Messages []messageView `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Messages) != 1 || out.Messages[0].Body != "hello" || out.Messages[0].SequenceNumber != 10 {
		t.Fatalf("unexpected messages: %+v", out.Messages)
	}

	if rec := do(t, s, http.MethodGet, "/v1/messages?count=0", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for zero count, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/v1/messages?from=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for bad from, got %d", rec.Code)
	}
}

func TestScheduleAndCancelRoutes(t *testing.T) {
	testlog.Start(t)

	ops := &fakeOps{}
	s := newTestServer(t, ops)
	at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	body := fmt.Sprintf(`{"body":"hi","subject":"greeting","scheduled_enqueue_time":%q}`, at.Format(time.RFC3339))

	rec := do(t, s, http.MethodPost, "/v1/scheduled", body)
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), `"sequence_number":42`) {
		t.Fatalf("unexpected schedule response: %d %s", rec.Code, rec.Body.String())
	}
	if string(ops.scheduled.Body) != "hi" || !ops.scheduled.ScheduledEnqueueTime.Equal(at) || ops.scheduled.Subject != "greeting" {
		t.Fatalf("message not forwarded: %+v", ops.scheduled)
	}
	if rec := do(t, s, http.MethodPost, "/v1/scheduled", `{"body":"hi"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request without schedule time, got %d", rec.Code)
	}

	if rec := do(t, s, http.MethodDelete, "/v1/scheduled/42", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected cancel status: %d", rec.Code)
	}
	if ops.cancelled != 42 {
		t.Fatalf("sequence number not forwarded: %d", ops.cancelled)
	}
	if rec := do(t, s, http.MethodDelete, "/v1/scheduled/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for bad sequence number, got %d", rec.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	testlog.Start(t)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "closed", err: sberr.New(sberr.KindClientClosed, "peek", "orders", nil), want: http.StatusServiceUnavailable},
		{name: "timeout", err: sberr.New(sberr.KindTimeout, "peek", "orders", nil), want: http.StatusGatewayTimeout},
		{name: "link open timeout", err: sberr.New(sberr.KindLinkOpenTimeout, "peek", "orders", nil), want: http.StatusGatewayTimeout},
		{name: "protocol", err: &sberr.Error{Kind: sberr.KindProtocol, Op: "peek", StatusCode: 500}, want: http.StatusBadGateway},
		{name: "invalid message", err: fmt.Errorf("%w: too long", message.ErrInvalidMessage), want: http.StatusBadRequest},
		{name: "unclassified", err: errors.New("boom"), want: http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, &fakeOps{peekErr: tc.err})
			rec := do(t, s, http.MethodGet, "/v1/messages", "")
			if rec.Code != tc.want {
				t.Fatalf("unexpected status: got=%d want=%d body=%s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	testlog.Start(t)

	s := newTestServer(t, &fakeOps{})
	req := httptest.NewRequest(http.MethodOptions, "/v1/messages", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow origin: %q (status %d)", got, rec.Code)
	}

	if got := normalizeOrigins([]string{" ", "https://ops.example/"}); len(got) != 1 || got[0] != "https://ops.example" {
		t.Fatalf("unexpected normalized origins: %v", got)
	}
}
