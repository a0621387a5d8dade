package handlers

import (
	"bytes"
	"encoding/json"
	"image"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/face-service/internal/auth"
	"github.com/example/face-service/internal/classifier"
	"github.com/example/face-service/internal/engine/enginetest"
	"github.com/example/face-service/internal/labels"
	"github.com/example/face-service/internal/query"
	"github.com/example/face-service/internal/tensor"
	"github.com/example/face-service/internal/usecase"
)

const testJWTSecret = "test-secret"

func newTestRouter(t *testing.T, score float32) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := enginetest.New(
		tensor.Shape{N: 1, C: 1, H: 16, W: 16},
		tensor.Shape{N: 1, C: 1, H: 1, W: 1},
		enginetest.Constant(score),
	)
	svc := classifier.New(fake, labels.New("alice", "bob"), zap.NewNop())
	t.Cleanup(func() { _ = svc.Close() })

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, usecase.NewInferenceUseCase(svc, zap.NewNop()), auth.JWTMiddleware(testJWTSecret, ""))
	return router
}

func TestInferRejectsLargeUpload(t *testing.T) {
	router := newTestRouter(t, 1)

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "image/jpeg", bytes.Repeat([]byte("a"), MaxUploadSize+1))

	resp := serve(router, http.MethodPost, "/v1/infer", body, contentType, token)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestInferRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(t, 1)

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))

	resp := serve(router, http.MethodPost, "/v1/infer", body, contentType, token)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestInferRequiresToken(t *testing.T) {
	router := newTestRouter(t, 1)

	body, contentType := buildMultipartBody(t, "image/jpeg", grayJPEG(t))
	resp := serve(router, http.MethodPost, "/v1/infer", body, contentType, "")

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
}

func TestInferMultipartReturnsLabel(t *testing.T) {
	router := newTestRouter(t, 2)

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "image/jpeg", grayJPEG(t))
	resp := serve(router, http.MethodPost, "/v1/infer", body, contentType, token)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	var result usecase.InferResult
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Label != "bob" || result.Identity != "user-123" || result.RequestID == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestInferJSONQuery(t *testing.T) {
	router := newTestRouter(t, 1)

	payload, err := json.Marshal(query.ImageSpec(grayJPEG(t)))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp := serve(router, http.MethodPost, "/v1/infer", bytes.NewBuffer(payload), "application/json", buildTestToken(t, "user-1"))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
}

func TestInferMapsErrorsToStatus(t *testing.T) {
	token := buildTestToken(t, "user-1")

	cases := map[string]struct {
		score  float32
		body   func(t *testing.T) (*bytes.Buffer, string)
		status int
	}{
		"corrupt jpeg": {
			score: 1,
			body: func(t *testing.T) (*bytes.Buffer, string) {
				return buildMultipartBody(t, "image/jpeg", []byte{0xFF, 0xD8, 0xFF, 0x00})
			},
			status: http.StatusBadRequest,
		},
		"empty query": {
			score:  1,
			body:   func(*testing.T) (*bytes.Buffer, string) { return bytes.NewBufferString(`{"content":[]}`), "application/json" },
			status: http.StatusBadRequest,
		},
		"score outside label table": {
			score: 7,
			body: func(t *testing.T) (*bytes.Buffer, string) {
				return buildMultipartBody(t, "image/jpeg", grayJPEG(t))
			},
			status: http.StatusInternalServerError,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			router := newTestRouter(t, tc.score)
			body, contentType := tc.body(t)
			resp := serve(router, http.MethodPost, "/v1/infer", body, contentType, token)
			if resp.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestCreateReturnsUnimplementedAck(t *testing.T) {
	router := newTestRouter(t, 1)

	payload, _ := json.Marshal(query.ImageSpec(grayJPEG(t)))
	resp := serve(router, http.MethodPost, "/v1/create", bytes.NewBuffer(payload), "application/json", buildTestToken(t, "user-1"))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var ack classifier.Ack
	if err := json.Unmarshal(resp.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Status != classifier.AckUnimplemented || ack.Committed {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestResultQueriesWithoutPersistence(t *testing.T) {
	router := newTestRouter(t, 1)
	token := buildTestToken(t, "user-1")

	if resp := serve(router, http.MethodGet, "/v1/results/unknown", nil, "", token); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if resp := serve(router, http.MethodGet, "/v1/results/unknown/duplicates", nil, "", token); resp.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", resp.Code)
	}
	if resp := serve(router, http.MethodGet, "/v1/metrics", nil, "", token); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	router := newTestRouter(t, 1)

	resp := serve(router, http.MethodGet, "/health", nil, "", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func serve(router *gin.Engine, method, path string, body *bytes.Buffer, contentType, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func grayJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
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

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
