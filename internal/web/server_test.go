package web

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/statistics"
)

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	stats *statistics.Statistics
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	stats := statistics.NewStatistics()

	srv := NewServer(cfg, log, cfg.NewCodec(), stats)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Sessions().CloseAll()
	})
	return &testEnv{srv: srv, ts: ts, stats: stats}
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

type viewJSON struct {
	State               string `json:"state"`
	Generation          uint64 `json:"generation"`
	ComparisonVisible   bool   `json:"comparison_visible"`
	QualityPercent      int    `json:"quality_percent"`
	QualityLabel        string `json:"quality_label"`
	OriginalSizeLabel   string `json:"original_size_label"`
	CompressedSizeLabel string `json:"compressed_size_label"`
	OutputHash          string `json:"output_hash"`
	DownloadEnabled     bool   `json:"download_enabled"`
	Width               int    `json:"width"`
	Height              int    `json:"height"`
}

func decodeEnvelope(t *testing.T, res *http.Response, into interface{}) envelope {
	t.Helper()
	defer res.Body.Close()
	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if into != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, into); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return env
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	res, err := http.Post(e.ts.URL+"/api/sessions", "", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session status: %d", res.StatusCode)
	}
	var payload struct {
		ID        string    `json:"id"`
		CreatedAt time.Time `json:"created_at"`
		View      viewJSON  `json:"view"`
	}
	decodeEnvelope(t, res, &payload)
	if payload.ID == "" {
		t.Fatal("empty session id")
	}
	if payload.CreatedAt.IsZero() {
		t.Error("session has no creation time")
	}
	return payload.ID
}

type uploadPart struct {
	name        string
	contentType string
	data        []byte
}

func (e *testEnv) upload(t *testing.T, id, name, contentType string, data []byte, wait bool) *http.Response {
	t.Helper()
	return e.uploadParts(t, id, wait, uploadPart{name, contentType, data})
}

func (e *testEnv) uploadParts(t *testing.T, id string, wait bool, parts ...uploadPart) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+p.name+`"`)
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		part.Write(p.data)
	}
	mw.Close()

	url := e.ts.URL + "/api/sessions/" + id + "/file"
	if wait {
		url += "?wait=true"
	}
	res, err := http.Post(url, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return res
}

func (e *testEnv) setQuality(t *testing.T, id string, percent int) *http.Response {
	t.Helper()
	body := strings.NewReader(`{"quality":` + itoa(percent) + `}`)
	req, _ := http.NewRequest(http.MethodPut, e.ts.URL+"/api/sessions/"+id+"/quality", body)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("set quality: %v", err)
	}
	return res
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func redPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestIndexServesPage(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := http.Get(env.ts.URL + "/")
	if err != nil {
		t.Fatalf("get index: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), `id="dropZone"`) {
		t.Errorf("unexpected index response %d", res.StatusCode)
	}
	if !strings.Contains(string(body), "qualityInFlight === 0") {
		t.Error("pushed views must not move the slider while a quality change is pending")
	}
}

func TestCreateSessionStartsEmpty(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Compressor.DefaultQuality = 70 })
	id := env.createSession(t)

	res, err := http.Get(env.ts.URL + "/api/sessions/" + id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	var payload struct {
		View viewJSON `json:"view"`
	}
	decodeEnvelope(t, res, &payload)
	if payload.View.State != "empty" || payload.View.ComparisonVisible {
		t.Errorf("unexpected view: %+v", payload.View)
	}
	if payload.View.QualityLabel != "70%" {
		t.Errorf("quality label: got %q", payload.View.QualityLabel)
	}
}

func TestUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := http.Get(env.ts.URL + "/api/sessions/nope/download")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d", res.StatusCode)
	}
}

func TestUploadNonImage(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t)

	res := env.upload(t, id, "notes.txt", "text/plain", []byte("hello"), false)
	if res.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status: got %d", res.StatusCode)
	}
	env1 := decodeEnvelope(t, res, nil)
	if env1.Code != "invalid_input_kind" {
		t.Errorf("code: got %q", env1.Code)
	}

	session, _ := env.srv.Sessions().Get(id)
	if v := session.Flow.View(); v.ComparisonVisible {
		t.Error("comparison should stay hidden after a rejected file")
	}
}

func TestDownloadBeforeUpload(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t)

	res, err := http.Get(env.ts.URL + "/api/sessions/" + id + "/download")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent || len(body) != 0 {
		t.Errorf("expected inert 204, got %d with %d bytes", res.StatusCode, len(body))
	}
	if res.Header.Get("Content-Disposition") != "" {
		t.Error("no attachment should be offered")
	}
}

func TestUploadQualityDownload(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t)
	data := redPNG(t, 100, 100)

	res := env.upload(t, id, "red.png", "image/png", data, true)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upload status: %d", res.StatusCode)
	}
	var selected struct {
		Generation uint64   `json:"generation"`
		View       viewJSON `json:"view"`
	}
	decodeEnvelope(t, res, &selected)
	if selected.View.State != "ready" || !selected.View.ComparisonVisible {
		t.Fatalf("unexpected view: %+v", selected.View)
	}
	if selected.View.OriginalSizeLabel != compressor.FormatFileSize(int64(len(data))) {
		t.Errorf("original size label: got %q", selected.View.OriginalSizeLabel)
	}
	if selected.View.Width != 100 || selected.View.Height != 100 {
		t.Errorf("dimensions: %dx%d", selected.View.Width, selected.View.Height)
	}

	res = env.setQuality(t, id, 50)
	res.Body.Close()
	res = env.setQuality(t, id, 90)
	var updated struct {
		View viewJSON `json:"view"`
	}
	decodeEnvelope(t, res, &updated)
	if updated.View.QualityLabel != "90%" || updated.View.OutputHash == "" || updated.View.OutputHash == selected.View.OutputHash {
		t.Errorf("unexpected view after quality change: %+v", updated.View)
	}

	res, err := http.Get(env.ts.URL + "/api/sessions/" + id + "/download")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("download status: %d", res.StatusCode)
	}
	if got := res.Header.Get("Content-Disposition"); got != `attachment; filename="compressed_image.jpg"` {
		t.Errorf("content disposition: %q", got)
	}
	if got := res.Header.Get("Content-Type"); got != "image/jpeg" {
		t.Errorf("content type: %q", got)
	}
	if got := res.Header.Get("ETag"); got != `"`+updated.View.OutputHash+`"` {
		t.Errorf("download is not the latest encoding: etag %s, want %s", got, updated.View.OutputHash)
	}
	body, _ := io.ReadAll(res.Body)
	if _, err := jpeg.Decode(bytes.NewReader(body)); err != nil {
		t.Errorf("download is not a JPEG: %v", err)
	}
}

func TestQualityValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t)

	res := env.setQuality(t, id, 150)
	env1 := decodeEnvelope(t, res, nil)
	if res.StatusCode != http.StatusBadRequest || env1.Code != "quality_out_of_range" {
		t.Errorf("got %d %q", res.StatusCode, env1.Code)
	}

	req, _ := http.NewRequest(http.MethodPut, env.ts.URL+"/api/sessions/"+id+"/quality", strings.NewReader(`{}`))
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("missing quality: got %d", res.StatusCode)
	}

	res = env.setQuality(t, id, 30)
	var payload struct {
		View viewJSON `json:"view"`
	}
	decodeEnvelope(t, res, &payload)
	if res.StatusCode != http.StatusOK || payload.View.QualityLabel != "30%" || payload.View.State != "empty" {
		t.Errorf("quality before upload: %d %+v", res.StatusCode, payload.View)
	}
}

func TestDecodeFailureResponse(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t)

	res := env.upload(t, id, "broken.png", "image/png", []byte("not a png at all"), true)
	env1 := decodeEnvelope(t, res, nil)
	if res.StatusCode != http.StatusUnprocessableEntity || env1.Code != "decode_failed" {
		t.Errorf("got %d %q", res.StatusCode, env1.Code)
	}
}

func TestUploadUsesFirstFileOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t)

	res := env.uploadParts(t, id, true,
		uploadPart{"first.png", "image/png", redPNG(t, 7, 3)},
		uploadPart{"second.txt", "text/plain", []byte("ignored")},
	)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upload status: %d", res.StatusCode)
	}
	var payload struct {
		View viewJSON `json:"view"`
	}
	decodeEnvelope(t, res, &payload)
	if payload.View.State != "ready" || payload.View.Width != 7 || payload.View.Height != 3 {
		t.Errorf("expected the first file installed, got %+v", payload.View)
	}
	if env.stats.Snapshot().Files.Rejected != 0 {
		t.Error("second file should not have been considered")
	}
}

func TestUploadOverPixelLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Compressor.MaxPixels = 100 })
	id := env.createSession(t)

	res := env.upload(t, id, "big.png", "image/png", redPNG(t, 20, 20), true)
	env1 := decodeEnvelope(t, res, nil)
	if res.StatusCode != http.StatusUnprocessableEntity || env1.Code != "image_too_large" {
		t.Errorf("got %d %q", res.StatusCode, env1.Code)
	}

	session, _ := env.srv.Sessions().Get(id)
	if v := session.Flow.View(); v.State != compressor.StateEmpty {
		t.Errorf("state after oversized upload: %s", v.State)
	}
}

func TestStalledClientDoesNotBlockBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)
	session := env.srv.Sessions().Create()

	// No writer goroutine drains this client, so its queue fills up.
	stalled := newWSClient(nil)
	session.addClient(stalled)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < wsSendBuffer+5; i++ {
			if _, err := session.Flow.SetQuality(compressor.Quality(float64(i%100) / 100)); err != nil {
				t.Errorf("set quality: %v", err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flow blocked on a stalled WebSocket client")
	}
	if session.hasClients() {
		t.Error("stalled client should have been dropped")
	}
	// The queue is closed on drop, so draining it terminates.
	queued := 0
	for range stalled.send {
		queued++
	}
	if queued != wsSendBuffer {
		t.Errorf("queued messages: got %d, want %d", queued, wsSendBuffer)
	}
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.MaxUploadMB = 1 })
	id := env.createSession(t)

	res := env.upload(t, id, "big.png", "image/png", make([]byte, 3<<19), false)
	res.Body.Close()
	if res.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status: got %d", res.StatusCode)
	}
}

func TestCompressedPreviewETag(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t)
	env.upload(t, id, "red.png", "image/png", redPNG(t, 20, 20), true).Body.Close()

	res, err := http.Get(env.ts.URL + "/api/sessions/" + id + "/compressed")
	if err != nil {
		t.Fatalf("get compressed: %v", err)
	}
	res.Body.Close()
	etag := res.Header.Get("ETag")
	if res.StatusCode != http.StatusOK || etag == "" {
		t.Fatalf("status %d etag %q", res.StatusCode, etag)
	}

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/sessions/"+id+"/compressed", nil)
	req.Header.Set("If-None-Match", etag)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("conditional get: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotModified {
		t.Errorf("conditional status: got %d", res.StatusCode)
	}

	res, err = http.Get(env.ts.URL + "/api/sessions/" + id + "/original")
	if err != nil {
		t.Fatalf("get original: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK || res.Header.Get("Content-Type") != "image/png" {
		t.Errorf("original: %d %q", res.StatusCode, res.Header.Get("Content-Type"))
	}
}

func TestWebSocketPushesViewsAndAlerts(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	type message struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	read := func() message {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read ws: %v", err)
		}
		return msg
	}

	if msg := read(); msg.Type != "view" {
		t.Fatalf("first message: got %q", msg.Type)
	}

	env.upload(t, id, "notes.txt", "text/plain", []byte("hello"), false).Body.Close()
	msg := read()
	if msg.Type != "alert" {
		t.Fatalf("expected alert, got %q", msg.Type)
	}
	var alert AlertPayload
	json.Unmarshal(msg.Data, &alert)
	if alert.Code != "invalid_input_kind" {
		t.Errorf("alert code: got %q", alert.Code)
	}

	env.upload(t, id, "red.png", "image/png", redPNG(t, 10, 10), false).Body.Close()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := read()
		if msg.Type != "view" {
			continue
		}
		var payload struct {
			Event string   `json:"event"`
			View  viewJSON `json:"view"`
		}
		json.Unmarshal(msg.Data, &payload)
		if payload.Event == string(compressor.EventReencoded) {
			if payload.View.State != "ready" || !payload.View.DownloadEnabled {
				t.Errorf("unexpected view: %+v", payload.View)
			}
			return
		}
	}
	t.Fatal("no reencoded view received")
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t)

	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/api/sessions/"+id, nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("delete status: %d", res.StatusCode)
	}
	if _, ok := env.srv.Sessions().Get(id); ok {
		t.Error("session still registered")
	}
	if env.stats.Snapshot().Sessions.Closed != 1 {
		t.Error("closed session not counted")
	}
}

func TestStatisticsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createSession(t)
	env.upload(t, id, "red.png", "image/png", redPNG(t, 10, 10), true).Body.Close()

	res, err := http.Get(env.ts.URL + "/api/statistics")
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	var payload struct {
		ActiveSessions int                 `json:"active_sessions"`
		Statistics     statistics.Snapshot `json:"statistics"`
	}
	decodeEnvelope(t, res, &payload)
	if payload.ActiveSessions != 1 {
		t.Errorf("active sessions: got %d", payload.ActiveSessions)
	}
	if payload.Statistics.Files.Installed != 1 || payload.Statistics.Encoding.Reencodes != 1 {
		t.Errorf("statistics: %+v", payload.Statistics)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	h := recoverMiddleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status: got %d", rec.Code)
	}
}
