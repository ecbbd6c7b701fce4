package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/facewatch/internal/config"
	"github.com/kozaktomas/facewatch/internal/inference/mock"
	"github.com/kozaktomas/facewatch/internal/monitor"
	"github.com/kozaktomas/facewatch/internal/stream"
)

// testConfig creates a small config with 4-dimensional embeddings
func testConfig() *config.Config {
	cfg := config.Load()
	cfg.Tunables = config.Tunables{
		SimilarityThreshold: 0.6,
		QualityThreshold:    0.7,
		FrameQueueCapacity:  4,
		WorkerPoolSize:      2,
		SuppressionWindow:   time.Minute,
	}
	cfg.Inference.Dim = 4
	cfg.Inference.Backend = "mock"
	cfg.Detections.History = 100
	cfg.MQTT.Broker = ""
	return cfg
}

// setupTestMonitor creates a started monitor with demo sources and a mock
// backend. It is closed when the test ends.
func setupTestMonitor(t *testing.T) (*monitor.Monitor, *mock.Backend) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	backend := mock.New()
	m, err := monitor.New(ctx, testConfig(), monitor.Deps{
		Backend:   backend,
		Registrar: backend,
		Sources:   stream.NewSourceFactory(stream.SourceOptions{DemoFPS: 50}),
	})
	if err != nil {
		cancel()
		t.Fatalf("monitor.New: %v", err)
	}
	if err := m.Start(ctx, nil); err != nil {
		cancel()
		t.Fatalf("monitor.Start: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		cancel()
	})
	return m, backend
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// jsonRequest creates a request with a JSON encoded body
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to encode request body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// multipartImage builds a multipart body with a "file" part and form fields
func multipartImage(t *testing.T, image []byte, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	part, err := writer.CreateFormFile("file", "photo.jpg")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	part.Write(image)
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}

// waitFor polls cond until it holds or the timeout passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
