package handlers

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/textscan/internal/acquire"
	"github.com/example/textscan/internal/auth"
	"github.com/example/textscan/internal/provision"
	"github.com/example/textscan/internal/screen"
	"github.com/example/textscan/internal/task"
)

const testJWTSecret = "test-secret"

type stubRecognizer struct {
	text string
}

func (s *stubRecognizer) Recognize(ctx context.Context, image []byte) (string, error) {
	return s.text, nil
}

func (s *stubRecognizer) Close() error { return nil }

type testEnv struct {
	router     *gin.Engine
	pictureDir string
	captureDir string
}

func modelAssets() fs.FS {
	return fstest.MapFS{"eng.traineddata": {Data: []byte("trained model")}}
}

func newTestEnv(t *testing.T, assets fs.FS, text string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	captures, err := acquire.NewCaptureStore(filepath.Join(root, "captures"), "captures", MaxUploadSize, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	pictures := filepath.Join(root, "pictures")
	if err := os.MkdirAll(pictures, 0o755); err != nil {
		t.Fatal(err)
	}
	resolver, err := acquire.NewResolver(map[string]string{"captures": captures.Dir(), "pictures": pictures})
	if err != nil {
		t.Fatal(err)
	}
	prov := provision.NewProvisioner(assets, provision.Paths{Root: filepath.Join(root, "data"), ModelFile: "eng.traineddata"}, zap.NewNop())
	runner, err := task.NewRunner(4)
	if err != nil {
		t.Fatal(err)
	}

	registry := screen.NewRegistry(func(id, owner string) (*screen.Controller, error) {
		return screen.New(id, owner, screen.Dependencies{
			Provisioner: prov,
			Recognizer:  &stubRecognizer{text: text},
			Resolver:    resolver,
			Captures:    captures,
			Runner:      runner,
			Logger:      zap.NewNop(),
		}), nil
	}, time.Minute, zap.NewNop())
	t.Cleanup(func() {
		registry.CloseAll()
		runner.Release()
	})

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, Options{
		Sessions:      registry,
		Captures:      captures,
		EngineVersion: "test-engine",
	}, auth.JWTMiddleware(testJWTSecret, ""))

	return &testEnv{router: router, pictureDir: pictures, captureDir: captures.Dir()}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func (e *testEnv) openSession(t *testing.T, token string) screen.State {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/sessions", token, nil, "")
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, resp.Code, resp.Body.String())
	}
	var state screen.State
	decodeJSON(t, resp, &state)
	return state
}

func TestCaptureRejectsLargeUpload(t *testing.T) {
	env := newTestEnv(t, modelAssets(), "HELLO")
	token := buildTestToken(t, "user-123")
	state := env.openSession(t, token)

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))
	resp := env.do(t, http.MethodPost, "/v1/sessions/"+state.ID+"/capture", token, body, contentType)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestCaptureRejectsUnsupportedContentType(t *testing.T) {
	env := newTestEnv(t, modelAssets(), "HELLO")
	token := buildTestToken(t, "user-123")
	state := env.openSession(t, token)

	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))
	resp := env.do(t, http.MethodPost, "/v1/sessions/"+state.ID+"/capture", token, body, contentType)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestCreateSessionProvisionsModel(t *testing.T) {
	env := newTestEnv(t, modelAssets(), "HELLO")
	state := env.openSession(t, buildTestToken(t, "user-123"))

	if state.ID == "" || !state.Ready || state.Busy {
		t.Fatalf("expected a ready, idle session, got %+v", state)
	}
}

func TestCreateSessionReportsProvisioningFailure(t *testing.T) {
	env := newTestEnv(t, fstest.MapFS{}, "HELLO")
	token := buildTestToken(t, "user-123")
	state := env.openSession(t, token)

	if state.Ready || len(state.Notices) != 1 {
		t.Fatalf("expected a failure notice, got %+v", state)
	}

	body, contentType := buildMultipartBody(t, "image/png", testPNG(t))
	resp := env.do(t, http.MethodPost, "/v1/sessions/"+state.ID+"/capture", token, body, contentType)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, resp.Code)
	}
}

func TestCaptureUploadShowsResultDialog(t *testing.T) {
	env := newTestEnv(t, modelAssets(), "HELLO\n")
	token := buildTestToken(t, "user-123")
	state := env.openSession(t, token)

	body, contentType := buildMultipartBody(t, "image/png", testPNG(t))
	resp := env.do(t, http.MethodPost, "/v1/sessions/"+state.ID+"/capture", token, body, contentType)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	var out screen.Outcome
	decodeJSON(t, resp, &out)
	if out.Dialog == nil || out.Dialog.Message != "HELLO" || out.Dialog.Title != screen.DialogTitle {
		t.Fatalf("unexpected outcome %+v", out)
	}

	preview := env.do(t, http.MethodGet, "/v1/sessions/"+state.ID+"/preview", token, nil, "")
	if preview.Code != http.StatusOK || preview.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("expected png preview, got %d %s", preview.Code, preview.Header().Get("Content-Type"))
	}
	if _, err := png.Decode(preview.Body); err != nil {
		t.Fatalf("preview is not a png: %v", err)
	}
}

func TestCaptureThroughTargetFile(t *testing.T) {
	env := newTestEnv(t, modelAssets(), "HELLO")
	token := buildTestToken(t, "user-123")
	state := env.openSession(t, token)

	resp := env.do(t, http.MethodPost, "/v1/sessions/"+state.ID+"/capture-target", token, nil, "")
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, resp.Code, resp.Body.String())
	}
	var target acquire.Target
	decodeJSON(t, resp, &target)

	resp = env.do(t, http.MethodPut, "/v1/captures/"+target.Name, token, bytes.NewReader(testPNG(t)), "image/png")
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, resp.Code, resp.Body.String())
	}

	form := url.Values{"uri": {target.URI}}
	resp = env.do(t, http.MethodPost, "/v1/sessions/"+state.ID+"/capture", token,
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	var out screen.Outcome
	decodeJSON(t, resp, &out)
	if out.Dialog == nil || out.Dialog.Message != "HELLO" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	if _, err := os.Stat(filepath.Join(env.captureDir, target.Name)); !os.IsNotExist(err) {
		t.Fatalf("expected capture file to be removed after decoding, stat err: %v", err)
	}
	resp = env.do(t, http.MethodPut, "/v1/captures/"+target.Name, token, bytes.NewReader(testPNG(t)), "image/png")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected consumed target to be rejected with %d, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestWriteCaptureRejectsUnknownTarget(t *testing.T) {
	env := newTestEnv(t, modelAssets(), "HELLO")
	token := buildTestToken(t, "user-123")

	for _, name := range []string{"not-a-target.jpg", "3f2b8c1e-9a47-4d2e-8b1f-6c0d5e7a9b21.jpg"} {
		resp := env.do(t, http.MethodPut, "/v1/captures/"+name, token, bytes.NewReader([]byte("x")), "image/jpeg")
		if resp.Code != http.StatusNotFound {
			t.Fatalf("%s: expected status %d, got %d", name, http.StatusNotFound, resp.Code)
		}
		if _, err := os.Stat(filepath.Join(env.captureDir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s: unallocated target must not be written", name)
		}
	}
}

func TestCaptureRejectsOversizedDimensions(t *testing.T) {
	env := newTestEnv(t, modelAssets(), "HELLO")
	token := buildTestToken(t, "user-123")
	state := env.openSession(t, token)

	// a few hundred bytes on the wire, 900 megapixels once decoded
	data := testPNG(t)
	binary.BigEndian.PutUint32(data[16:20], 30000)
	binary.BigEndian.PutUint32(data[20:24], 30000)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))

	body, contentType := buildMultipartBody(t, "image/png", data)
	resp := env.do(t, http.MethodPost, "/v1/sessions/"+state.ID+"/capture", token, body, contentType)
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d: %s", http.StatusRequestEntityTooLarge, resp.Code, resp.Body.String())
	}
}

func TestLoadPickedImage(t *testing.T) {
	env := newTestEnv(t, modelAssets(), "   ")
	token := buildTestToken(t, "user-123")
	state := env.openSession(t, token)
	if err := os.WriteFile(filepath.Join(env.pictureDir, "page.png"), testPNG(t), 0o644); err != nil {
		t.Fatal(err)
	}

	resp := env.do(t, http.MethodPost, "/v1/sessions/"+state.ID+"/load", token,
		strings.NewReader(`{"uri":"content://pictures/page.png"}`), "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	var out screen.Outcome
	decodeJSON(t, resp, &out)
	if out.Dialog != nil || out.Notice != screen.NoticeNoText {
		t.Fatalf("expected no-text notice, got %+v", out)
	}
}

func TestLoadRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, modelAssets(), "HELLO")
	token := buildTestToken(t, "user-123")
	state := env.openSession(t, token)
	path := "/v1/sessions/" + state.ID + "/load"

	resp := env.do(t, http.MethodPost, path, token, strings.NewReader(`{}`), "application/json")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}

	resp = env.do(t, http.MethodPost, path, token, strings.NewReader(`{"uri":"content://pictures/missing.png"}`), "application/json")
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, resp.Code)
	}
}

func TestResultBeforeAnyImage(t *testing.T) {
	env := newTestEnv(t, modelAssets(), "HELLO")
	token := buildTestToken(t, "user-123")
	state := env.openSession(t, token)

	resp := env.do(t, http.MethodGet, "/v1/sessions/"+state.ID+"/result", token, nil, "")
	var out screen.Outcome
	decodeJSON(t, resp, &out)
	if resp.Code != http.StatusOK || out.Notice != screen.NoticeNoImage {
		t.Fatalf("expected %q, got %d %+v", screen.NoticeNoImage, resp.Code, out)
	}

	resp = env.do(t, http.MethodGet, "/v1/sessions/"+state.ID+"/preview", token, nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestSessionsAreScopedToOwner(t *testing.T) {
	env := newTestEnv(t, modelAssets(), "HELLO")
	state := env.openSession(t, buildTestToken(t, "user-123"))

	resp := env.do(t, http.MethodGet, "/v1/sessions/"+state.ID, buildTestToken(t, "user-456"), nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
	resp = env.do(t, http.MethodGet, "/v1/sessions/"+state.ID, "", nil, "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
}

func TestCloseSession(t *testing.T) {
	env := newTestEnv(t, modelAssets(), "HELLO")
	token := buildTestToken(t, "user-123")
	state := env.openSession(t, token)

	resp := env.do(t, http.MethodDelete, "/v1/sessions/"+state.ID, token, nil, "")
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, resp.Code)
	}
	resp = env.do(t, http.MethodPost, "/v1/sessions/"+state.ID+"/resume", token, nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestHealthAndDisabledMetrics(t *testing.T) {
	env := newTestEnv(t, modelAssets(), "HELLO")

	resp := env.do(t, http.MethodGet, "/health", "", nil, "")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "test-engine") {
		t.Fatalf("unexpected health response %d %s", resp.Code, resp.Body.String())
	}

	resp = env.do(t, http.MethodGet, "/v1/metrics", buildTestToken(t, "user-123"), nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 24))
	for x := 8; x < 56; x++ {
		img.SetGray(x, 12, color.Gray{Y: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decodeJSON(t *testing.T, resp *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode %q: %v", resp.Body.String(), err)
	}
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
