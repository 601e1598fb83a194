package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/cancer-check/internal/imageprocessor"
	"github.com/example/cancer-check/internal/logging"
	"github.com/example/cancer-check/internal/model"
	"github.com/example/cancer-check/internal/upload"
	"github.com/example/cancer-check/internal/usecase"
)

type stubHandle struct {
	score float32
	calls int
}

func (s *stubHandle) Infer(ctx context.Context, tensor *imageprocessor.Tensor) ([]float32, error) {
	s.calls++
	return []float32{s.score}, nil
}

func (s *stubHandle) Close() error { return nil }

type testServer struct {
	router    *gin.Engine
	holder    *model.Holder
	handle    *stubHandle
	uploadDir string
}

func newTestServer(t *testing.T, score float32, ready bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	uploadDir := filepath.Join(t.TempDir(), "uploads")
	stager, err := upload.NewStager(uploadDir, MaxUploadSize)
	if err != nil {
		t.Fatalf("failed to create stager: %v", err)
	}

	holder := model.NewHolder()
	handle := &stubHandle{score: score}
	if ready {
		if err := holder.Set(handle); err != nil {
			t.Fatalf("failed to set model: %v", err)
		}
	}

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	router.Use(logging.AccessLog(zap.NewNop()))
	uc := usecase.NewPredictionUseCase(holder, zap.NewNop())
	RegisterRoutes(router, uc, stager, holder, zap.NewNop())

	return &testServer{router: router, holder: holder, handle: handle, uploadDir: uploadDir}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	return resp
}

func buildMultipartBody(t *testing.T, field, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="`+field+`"; filename="upload.png"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func predictRequest(t *testing.T, field string, payload []byte) *http.Request {
	t.Helper()
	body, contentType := buildMultipartBody(t, field, "image/png", payload)
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	return req
}

func blackPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.Black)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func decodeEnvelope(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", resp.Body.String(), err)
	}
	return payload
}

func assertUploadsCleaned(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read upload dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected staged uploads to be removed, found %d", len(entries))
	}
}

func TestPredictBlackImage(t *testing.T) {
	srv := newTestServer(t, 0.2, true)

	resp := srv.do(predictRequest(t, "image", blackPNG(t, 300, 300)))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}

	payload := decodeEnvelope(t, resp)
	if payload["status"] != "success" || payload["message"] != "Model is predicted successfully" {
		t.Fatalf("unexpected envelope: %v", payload)
	}
	data, ok := payload["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data object, got %v", payload["data"])
	}
	if data["result"] != "Non-cancer" || data["suggestion"] != usecase.SuggestionNegative {
		t.Fatalf("unexpected prediction: %v", data)
	}
	if id, _ := data["id"].(string); len(id) != 36 {
		t.Fatalf("expected uuid id, got %v", data["id"])
	}
	createdAt, _ := data["createdAt"].(string)
	if _, err := time.Parse(time.RFC3339, createdAt); err != nil {
		t.Fatalf("expected ISO-8601 createdAt, got %q: %v", createdAt, err)
	}
	assertUploadsCleaned(t, srv.uploadDir)
}

func TestPredictPositive(t *testing.T) {
	srv := newTestServer(t, 0.91, true)

	resp := srv.do(predictRequest(t, "image", blackPNG(t, 40, 40)))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	data := decodeEnvelope(t, resp)["data"].(map[string]any)
	if data["result"] != "Cancer" || data["suggestion"] != usecase.SuggestionPositive {
		t.Fatalf("unexpected prediction: %v", data)
	}
}

func TestPredictRejectsLargeUpload(t *testing.T) {
	srv := newTestServer(t, 0.2, true)

	resp := srv.do(predictRequest(t, "image", bytes.Repeat([]byte("a"), MaxUploadSize+1)))
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	payload := decodeEnvelope(t, resp)
	if payload["status"] != "fail" || payload["message"] != messageTooLarge {
		t.Fatalf("unexpected envelope: %v", payload)
	}
	if srv.handle.calls != 0 {
		t.Fatalf("expected no inference for oversize upload, got %d", srv.handle.calls)
	}
	assertUploadsCleaned(t, srv.uploadDir)
}

func TestPredictRejectsOversizeBody(t *testing.T) {
	srv := newTestServer(t, 0.2, true)

	resp := srv.do(predictRequest(t, "image", bytes.Repeat([]byte("a"), 2*MaxUploadSize)))
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestPredictAcceptsExactLimit(t *testing.T) {
	srv := newTestServer(t, 0.2, true)

	resp := srv.do(predictRequest(t, "image", bytes.Repeat([]byte("a"), MaxUploadSize)))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected decode failure status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if decodeEnvelope(t, resp)["message"] != messageFailure {
		t.Fatalf("expected generic failure message, got %s", resp.Body.String())
	}
}

func TestPredictGenericFailures(t *testing.T) {
	tests := []struct {
		name  string
		ready bool
		req   func(t *testing.T) *http.Request
	}{
		{
			name:  "missing image field",
			ready: true,
			req: func(t *testing.T) *http.Request {
				return predictRequest(t, "photo", blackPNG(t, 10, 10))
			},
		},
		{
			name:  "not multipart",
			ready: true,
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/predict", nil)
			},
		},
		{
			name:  "random bytes",
			ready: true,
			req: func(t *testing.T) *http.Request {
				return predictRequest(t, "image", []byte{0x13, 0x37, 0xde, 0xad, 0xbe, 0xef, 0x00, 0x42})
			},
		},
		{
			name:  "model not loaded",
			ready: false,
			req: func(t *testing.T) *http.Request {
				return predictRequest(t, "image", blackPNG(t, 10, 10))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, 0.9, tt.ready)
			resp := srv.do(tt.req(t))
			if resp.Code != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
			}
			payload := decodeEnvelope(t, resp)
			if payload["status"] != "fail" || payload["message"] != messageFailure {
				t.Fatalf("unexpected envelope: %v", payload)
			}
			if _, ok := payload["data"]; ok {
				t.Fatalf("expected no data on failure, got %v", payload["data"])
			}
			assertUploadsCleaned(t, srv.uploadDir)
		})
	}
}

func TestHealthReportsModelState(t *testing.T) {
	srv := newTestServer(t, 0.2, false)

	resp := srv.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if got := decodeEnvelope(t, resp)["model"]; got != "loading" {
		t.Fatalf("expected loading model, got %v", got)
	}

	_ = srv.holder.Fail(errors.New("boom"))
	resp = srv.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if got := decodeEnvelope(t, resp)["model"]; got != "failed" {
		t.Fatalf("expected failed model, got %v", got)
	}
}

func TestMetricsSummaryEndpoint(t *testing.T) {
	srv := newTestServer(t, 0.2, true)
	srv.do(predictRequest(t, "image", blackPNG(t, 10, 10)))

	resp := srv.do(httptest.NewRequest(http.MethodGet, "/metrics/summary", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var summary usecase.MetricsSummary
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if summary.TotalRequests != 1 || summary.NegativeResults != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: &usecase.PredictionError{Kind: usecase.KindValidation}, want: http.StatusBadRequest},
		{err: &usecase.PredictionError{Kind: usecase.KindDecode}, want: http.StatusBadRequest},
		{err: &usecase.PredictionError{Kind: usecase.KindModelUnavailable}, want: http.StatusBadRequest},
		{err: &usecase.PredictionError{Kind: usecase.KindPayloadTooLarge}, want: http.StatusRequestEntityTooLarge},
		{err: errors.New("unexpected"), want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Fatalf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestMetricsSummaryCountsRejectedRequests(t *testing.T) {
	srv := newTestServer(t, 0.2, true)

	srv.do(predictRequest(t, "photo", blackPNG(t, 10, 10)))
	srv.do(predictRequest(t, "image", bytes.Repeat([]byte("a"), MaxUploadSize+1)))
	srv.do(predictRequest(t, "image", []byte("not an image")))

	resp := srv.do(httptest.NewRequest(http.MethodGet, "/metrics/summary", nil))
	var summary usecase.MetricsSummary
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if summary.TotalRequests != 3 {
		t.Fatalf("expected 3 requests counted, got %+v", summary)
	}
	want := map[string]int64{
		usecase.KindValidation.String():      1,
		usecase.KindPayloadTooLarge.String(): 1,
		usecase.KindDecode.String():          1,
	}
	for kind, count := range want {
		if summary.Failures[kind] != count {
			t.Fatalf("expected %d %s failures, got %+v", count, kind, summary.Failures)
		}
	}
}
