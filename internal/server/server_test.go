package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"whisper-gateway/internal/apperr"
	"whisper-gateway/internal/audio"
	"whisper-gateway/internal/backend"
	"whisper-gateway/internal/dispatch"
	"whisper-gateway/internal/health"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func silentWAV(sampleRate int, d time.Duration) []byte {
	samples := int(float64(sampleRate) * d.Seconds())
	dataSize := samples * 2

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(make([]byte, dataSize))
	return buf.Bytes()
}

type stubDispatcher struct {
	err  error
	last dispatch.Request
}

func (s *stubDispatcher) Submit(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	d := req.Audio.Duration.Seconds()
	return &dispatch.Result{ID: "dispatch-id", CorrelationID: req.CorrelationID, Transcript: &backend.Transcript{
		Text:                "hello",
		Language:            req.Language,
		LanguageProbability: 0.9,
		Duration:            d,
		Segments: []backend.Segment{{Start: 0, End: d, Text: "hello", Words: []backend.Word{
			{Word: "hello", Start: 0, End: d, Probability: 0.8},
		}}},
	}}, nil
}

func (s *stubDispatcher) Stats() dispatch.Stats { return dispatch.Stats{Capacity: 1, Concurrency: 1} }

type stubHealth struct{ state health.State }

func (h stubHealth) State() health.State { return h.state }
func (h stubHealth) Snapshot() health.Snapshot {
	return health.Snapshot{Status: h.state, Backend: "stub", Model: "base"}
}

func newTestServer(d Dispatcher, h HealthReporter, maxBytes int64) *Server {
	return New(Config{DefaultLanguage: "en"}, audio.NewValidator(maxBytes), d, h, zerolog.Nop())
}

func multipartBody(t *testing.T, filename string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) apperr.Body {
	t.Helper()
	var resp apperr.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body is not JSON: %v (%s)", err, rr.Body.String())
	}
	return resp.Error
}

func TestInferenceMultipart(t *testing.T) {
	d := &stubDispatcher{}
	s := newTestServer(d, stubHealth{health.Ready}, 1<<20)

	body, ct := multipartBody(t, "clip.wav", silentWAV(16000, 2*time.Second), map[string]string{"language": "en-US"})
	req := httptest.NewRequest(http.MethodPost, "/inference", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out inferenceResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.ID != "dispatch-id" {
		t.Errorf("id = %q, want the dispatcher's id", out.ID)
	}
	if rr.Header().Get("X-Request-Id") == "" || d.last.CorrelationID != rr.Header().Get("X-Request-Id") {
		t.Errorf("correlation id %q does not match header %q", d.last.CorrelationID, rr.Header().Get("X-Request-Id"))
	}
	if len(out.Words) != 1 || out.Words[0].Word != "hello" || out.LanguageProbability != 0.9 {
		t.Errorf("word timings missing from response: %+v", out)
	}
	if out.Language != "en" || d.last.Language != "en" {
		t.Errorf("language not normalized: %q / %q", out.Language, d.last.Language)
	}
	if out.Duration != 2 || len(out.Segments) != 1 || out.Segments[0].End > 2 {
		t.Errorf("unexpected response %+v", out)
	}
}

func TestInferenceRawBody(t *testing.T) {
	d := &stubDispatcher{}
	s := newTestServer(d, stubHealth{health.Ready}, 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/inference?language=fr", bytes.NewReader(silentWAV(8000, time.Second)))
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("X-Request-Id", "abc")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if d.last.CorrelationID != "abc" || d.last.Language != "fr" || d.last.Audio.Format != "wav" {
		t.Errorf("unexpected dispatched request %+v", d.last)
	}
}

func TestInferenceInvalidInput(t *testing.T) {
	s := newTestServer(&stubDispatcher{}, stubHealth{health.Ready}, 64<<10)

	tests := []struct {
		name string
		body []byte
		ct   string
	}{
		{"empty", nil, "audio/wav"},
		{"not audio", []byte("just some text, definitely not audio"), "application/octet-stream"},
		{"oversized", silentWAV(16000, 10*time.Second), "audio/wav"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/inference", bytes.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.ct)
			rr := httptest.NewRecorder()
			s.Handler().ServeHTTP(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			if e := decodeError(t, rr); e.Code != apperr.CodeInvalidInput || e.Retryable {
				t.Errorf("unexpected error body %+v", e)
			}
		})
	}
}

func TestInferenceMissingFilePart(t *testing.T) {
	s := newTestServer(&stubDispatcher{}, stubHealth{health.Ready}, 1<<20)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("language", "en")
	w.Close()
	req := httptest.NewRequest(http.MethodPost, "/inference", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestInferenceErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter bool
	}{
		{"queue full", apperr.QueueFull(4), http.StatusServiceUnavailable, true},
		{"timeout", apperr.Timeout(time.Second), http.StatusGatewayTimeout, false},
		{"unavailable", apperr.BackendUnavailable("loading"), http.StatusServiceUnavailable, true},
		{"inference", apperr.Inference("decode failed"), http.StatusInternalServerError, false},
		{"unknown", context.DeadlineExceeded, http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&stubDispatcher{err: tt.err}, stubHealth{health.Ready}, 1<<20)
			req := httptest.NewRequest(http.MethodPost, "/inference", bytes.NewReader(silentWAV(16000, time.Second)))
			req.Header.Set("Content-Type", "audio/wav")
			rr := httptest.NewRecorder()
			s.Handler().ServeHTTP(rr, req)

			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
			if got := rr.Header().Get("Retry-After") != ""; got != tt.retryAfter {
				t.Errorf("Retry-After present = %v, want %v", got, tt.retryAfter)
			}
			decodeError(t, rr)
		})
	}
}

func TestHealthStatusCodes(t *testing.T) {
	tests := []struct {
		state  health.State
		status int
	}{
		{health.Starting, http.StatusServiceUnavailable},
		{health.Ready, http.StatusOK},
		{health.Degraded, http.StatusServiceUnavailable},
		{health.Unavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		s := newTestServer(&stubDispatcher{}, stubHealth{tt.state}, 1<<20)
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

		if rr.Code != tt.status {
			t.Errorf("%s: expected %d, got %d", tt.state, tt.status, rr.Code)
		}
		var body map[string]any
		json.Unmarshal(rr.Body.Bytes(), &body)
		if body["status"] != tt.state.String() {
			t.Errorf("%s: unexpected body %v", tt.state, body)
		}
	}
}

type blockingBackend struct{ release chan struct{} }

func (b *blockingBackend) Name() string { return "blocking" }

func (b *blockingBackend) Transcribe(ctx context.Context, clip *audio.Normalized, language string) (*backend.Transcript, error) {
	<-b.release
	return &backend.Transcript{Text: "done"}, nil
}

func TestHealthAnswersWhileQueueFull(t *testing.T) {
	bb := &blockingBackend{release: make(chan struct{})}
	d := dispatch.New(bb, nil, dispatch.Config{Capacity: 1, Concurrency: 1, Timeout: 5 * time.Second}, nil, zerolog.Nop())
	defer func() {
		close(bb.release)
		d.Close(context.Background())
	}()
	s := newTestServer(d, stubHealth{health.Ready}, 1<<20)
	payload := silentWAV(16000, time.Second)

	go func() {
		req := httptest.NewRequest(http.MethodPost, "/inference", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "audio/wav")
		s.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for d.Stats().InFlight != 1 {
		if time.Now().After(deadline) {
			t.Fatal("first request never started")
		}
		time.Sleep(2 * time.Millisecond)
	}

	req := httptest.NewRequest(http.MethodPost, "/inference", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "audio/wav")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable || decodeError(t, rr).Code != apperr.CodeQueueFull {
		t.Fatalf("expected QUEUE_FULL 503, got %d %s", rr.Code, rr.Body.String())
	}

	start := time.Now()
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("health should stay 200 while the queue is full, got %d", rr.Code)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("health blocked for %s", time.Since(start))
	}
}

func TestRecoveryReturnsErrorBody(t *testing.T) {
	s := newTestServer(&stubDispatcher{}, stubHealth{health.Ready}, 1<<20)
	s.engine.GET("/panic", func(c *gin.Context) { panic("boom") })

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if e := decodeError(t, rr); e.Code != apperr.CodeInternal {
		t.Errorf("unexpected error body %+v", e)
	}
}

func TestInferenceFilenameWithoutExtension(t *testing.T) {
	for _, name := range []string{"blob", "recording", "clip.wav"} {
		t.Run(name, func(t *testing.T) {
			d := &stubDispatcher{}
			s := newTestServer(d, stubHealth{health.Ready}, 1<<20)

			body, ct := multipartBody(t, name, silentWAV(16000, time.Second), nil)
			req := httptest.NewRequest(http.MethodPost, "/inference", body)
			req.Header.Set("Content-Type", ct)
			rr := httptest.NewRecorder()
			s.Handler().ServeHTTP(rr, req)

			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
			}
			if d.last.Audio.Format != "wav" {
				t.Errorf("format = %q, want sniffed wav", d.last.Audio.Format)
			}
		})
	}
}

type echoBackend struct{}

func (echoBackend) Name() string { return "echo" }

func (echoBackend) Transcribe(ctx context.Context, clip *audio.Normalized, language string) (*backend.Transcript, error) {
	return &backend.Transcript{Text: "ok", Segments: []backend.Segment{}}, nil
}

func TestInferenceIDsAreUniquePerRequest(t *testing.T) {
	d := dispatch.New(echoBackend{}, nil, dispatch.Config{Capacity: 4, Concurrency: 2, Timeout: time.Second}, nil, zerolog.Nop())
	defer d.Close(context.Background())
	s := newTestServer(d, stubHealth{health.Ready}, 1<<20)

	ids := map[string]bool{}
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/inference", bytes.NewReader(silentWAV(8000, time.Second)))
		req.Header.Set("Content-Type", "audio/wav")
		req.Header.Set("X-Request-Id", "same")
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if rr.Header().Get("X-Request-Id") != "same" {
			t.Errorf("correlation header not echoed")
		}
		var out inferenceResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatal(err)
		}
		if out.ID == "same" || ids[out.ID] {
			t.Errorf("id %q reused", out.ID)
		}
		ids[out.ID] = true
	}
}

func TestCORSPreflight(t *testing.T) {
	tests := []struct {
		name      string
		origins   []string
		origin    string
		wantAllow string
	}{
		{"any origin", []string{"*"}, "http://app.example.com", "*"},
		{"listed origin", []string{"http://app.example.com"}, "http://app.example.com", "http://app.example.com"},
		{"unlisted origin", []string{"http://app.example.com"}, "http://evil.example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{DefaultLanguage: "en", AllowedOrigins: tt.origins},
				audio.NewValidator(1<<20), &stubDispatcher{}, stubHealth{health.Ready}, zerolog.Nop())

			req := httptest.NewRequest(http.MethodOptions, "/inference", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			rr := httptest.NewRecorder()
			s.Handler().ServeHTTP(rr, req)

			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			if tt.wantAllow != "" && rr.Code != http.StatusNoContent {
				t.Errorf("preflight status = %d, want 204", rr.Code)
			}
		})
	}
}

func TestNoCORSHeadersWhenDisabled(t *testing.T) {
	s := newTestServer(&stubDispatcher{}, stubHealth{health.Ready}, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://app.example.com")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected CORS header %q", got)
	}
}
