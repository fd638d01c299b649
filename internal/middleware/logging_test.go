package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// testLogEntry represents a parsed JSON log entry for testing.
type testLogEntry struct {
	Level     string `json:"level"`
	Msg       string `json:"msg"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Status    int    `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Size      int    `json:"size"`
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	ErrorCode string `json:"error_code"`
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func parseEntry(t *testing.T, buf *bytes.Buffer) testLogEntry {
	t.Helper()
	var entry testLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v, log: %s", err, buf.String())
	}
	return entry
}

func TestLogging_BasicFields(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := Logging(newTestLogger(buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/listings", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := parseEntry(t, buf)
	if entry.Method != "GET" {
		t.Errorf("expected method GET, got %s", entry.Method)
	}
	if entry.Path != "/listings" {
		t.Errorf("expected path /listings, got %s", entry.Path)
	}
	if entry.Status != 200 {
		t.Errorf("expected status 200, got %d", entry.Status)
	}
	if entry.Size != 5 {
		t.Errorf("expected size 5, got %d", entry.Size)
	}
	if entry.Level != "INFO" {
		t.Errorf("expected level INFO, got %s", entry.Level)
	}
	if entry.ErrorCode != "" {
		t.Errorf("expected no error_code on success, got %s", entry.ErrorCode)
	}
}

func TestLogging_HandlerReportedFields(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := RequestID(Logging(newTestLogger(buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Handlers only see the derived context; the values must still reach the log line.
		SetSessionID(r.Context(), "sess-1")
		SetErrorCode(r.Context(), "fetch_in_flight")
		w.WriteHeader(http.StatusConflict)
	})))

	req := httptest.NewRequest(http.MethodPost, "/feed/sessions/sess-1/next", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := parseEntry(t, buf)
	if entry.SessionID != "sess-1" {
		t.Errorf("expected session_id sess-1, got %q", entry.SessionID)
	}
	if entry.ErrorCode != "fetch_in_flight" {
		t.Errorf("expected error_code fetch_in_flight, got %q", entry.ErrorCode)
	}
	if entry.RequestID != "req-42" {
		t.Errorf("expected request_id req-42, got %q", entry.RequestID)
	}
	if entry.Level != "WARN" {
		t.Errorf("expected level WARN for 4xx, got %s", entry.Level)
	}
}

func TestLogging_ServerErrorLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := Logging(newTestLogger(buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.WriteHeader(http.StatusOK) // ignored
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/listings", nil))

	entry := parseEntry(t, buf)
	if entry.Status != 500 {
		t.Errorf("expected status 500, got %d", entry.Status)
	}
	if entry.Level != "ERROR" {
		t.Errorf("expected level ERROR, got %s", entry.Level)
	}
}

func TestSetErrorCode_WithoutLogging(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := SetErrorCode(req.Context(), "bad_request")
	if got := GetErrorCode(ctx); got != "bad_request" {
		t.Errorf("GetErrorCode() = %q, want bad_request", got)
	}
	if got := GetSessionID(ctx); got != "" {
		t.Errorf("GetSessionID() = %q, want empty", got)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		env      string
		wantJSON bool
	}{
		{"production", true},
		{"development", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			logger := NewLogger(tt.env)
			_, isJSON := logger.Handler().(*slog.JSONHandler)
			if isJSON != tt.wantJSON {
				t.Errorf("NewLogger(%q) JSON handler = %v, want %v", tt.env, isJSON, tt.wantJSON)
			}
		})
	}
}
