package ingest

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"camrelay/internal/app"
	"camrelay/internal/core"
	"camrelay/internal/incident"
)

type fakeStopper struct {
	calls atomic.Int32
}

func (f *fakeStopper) StopCamera(ctx context.Context, camera core.CameraID) {
	f.calls.Add(1)
}

type fakeDetector struct {
	dets       []core.Detection
	closeCalls atomic.Int32
}

func (f *fakeDetector) Detect(frame []byte) []core.Detection { return f.dets }
func (f *fakeDetector) Close()                               { f.closeCalls.Add(1) }

type captureRecorder struct {
	mu      sync.Mutex
	records []recordedIncident
}

type recordedIncident struct {
	camera     core.CameraID
	userID     string
	frame      []byte
	dets       []core.Detection
	confidence float64
}

func (c *captureRecorder) Record(camera core.CameraID, userID string, frame []byte, dets []core.Detection, confidence float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, recordedIncident{camera, userID, frame, dets, confidence})
}

func (c *captureRecorder) all() []recordedIncident {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]recordedIncident, len(c.records))
	copy(out, c.records)
	return out
}

func jpegFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 200
		img.Pix[i+3] = 255
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func startIngest(t *testing.T, ctl *Controller, camera core.CameraID) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ctl.Serve(r.Context(), ws, camera)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFrameFlowsToBufferAndIncidents(t *testing.T) {
	detector := &fakeDetector{dets: []core.Detection{
		{Box: [4]float64{4, 4, 20, 20}, Label: "person", Confidence: 0.8},
	}}
	recorder := &captureRecorder{}
	registry := app.NewCameraRegistry(&fakeStopper{}, nil)
	ctl := &Controller{
		Registry:    registry,
		Incidents:   recorder,
		NewDetector: func(camera core.CameraID) core.Detector { return detector },
	}

	conn := startIngest(t, ctl, 7)
	frame := jpegFrame(t)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}

	waitFor(t, "incident recorded", func() bool { return len(recorder.all()) == 1 })

	rec := recorder.all()[0]
	if rec.camera != 7 || rec.userID != "7" {
		t.Fatalf("incident key = (%d, %q), want (7, \"7\")", rec.camera, rec.userID)
	}
	if rec.confidence != 0.8 {
		t.Fatalf("confidence = %v, want 0.8", rec.confidence)
	}
	if !bytes.Equal(rec.frame, frame) {
		t.Fatal("incident frame is not the original undrawn bytes")
	}

	buf, ok := registry.Buffer(7)
	if !ok {
		t.Fatal("no frame buffer registered for camera 7")
	}
	waitFor(t, "annotated frame in buffer", func() bool { return buf.Latest() != nil })

	annotated := buf.Latest()
	r, g, _, _ := annotated.At(4, 4).RGBA()
	if g>>8 < 200 || r>>8 > 100 {
		t.Fatalf("pixel at box edge = r%d g%d, want annotation green", r>>8, g>>8)
	}
}

func TestBadFrameIsSkippedNotFatal(t *testing.T) {
	detector := &fakeDetector{dets: []core.Detection{{Label: "person", Confidence: 0.5}}}
	recorder := &captureRecorder{}
	ctl := &Controller{
		Registry:    app.NewCameraRegistry(&fakeStopper{}, nil),
		Incidents:   recorder,
		NewDetector: func(camera core.CameraID) core.Detector { return detector },
	}

	conn := startIngest(t, ctl, 7)
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("not a jpeg")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, jpegFrame(t)); err != nil {
		t.Fatal(err)
	}

	// The good frame after the garbage one must still be processed.
	waitFor(t, "incident recorded", func() bool { return len(recorder.all()) == 1 })
}

func TestCleanupReleasesCameraResources(t *testing.T) {
	detector := &fakeDetector{}
	registry := app.NewCameraRegistry(&fakeStopper{}, nil)
	ctl := &Controller{
		Registry:    registry,
		Incidents:   &captureRecorder{},
		NewDetector: func(camera core.CameraID) core.Detector { return detector },
	}

	conn := startIngest(t, ctl, 7)
	buf, ok := registry.Buffer(7)
	if !ok {
		t.Fatal("buffer not registered on accept")
	}

	conn.Close()

	waitFor(t, "camera removed", func() bool {
		_, present := registry.Buffer(7)
		return !present
	})
	waitFor(t, "buffer finished", buf.Finished)
	waitFor(t, "detector closed", func() bool { return detector.closeCalls.Load() == 1 })
}

// End-to-end: one detected frame on camera 7 produces exactly one
// signed multipart upload with three identical frame parts once the
// incident window elapses.
func TestDetectionToSignedUpload(t *testing.T) {
	type uploadCapture struct {
		count  atomic.Int32
		mu     sync.Mutex
		form   map[string]string
		files  map[string][]byte
		sigHdr string
	}
	var got uploadCapture

	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		got.mu.Lock()
		got.form = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			got.form[k] = v[0]
		}
		got.files = map[string][]byte{}
		for k, fhs := range r.MultipartForm.File {
			f, _ := fhs[0].Open()
			data, _ := io.ReadAll(f)
			f.Close()
			got.files[k] = data
		}
		got.sigHdr = r.Header.Get("X-Signature")
		got.mu.Unlock()
		got.count.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer store.Close()

	uploader := incident.NewHTTPUploader(store.URL, "sekrit", 5*time.Second)
	incidents := incident.NewBuffer(100*time.Millisecond, uploader, nil)

	detector := &fakeDetector{dets: []core.Detection{
		{Box: [4]float64{4, 4, 20, 20}, Label: "person", Confidence: 0.8},
	}}
	registry := app.NewCameraRegistry(&fakeStopper{}, nil)
	ctl := &Controller{
		Registry:    registry,
		Incidents:   incidents,
		NewDetector: func(camera core.CameraID) core.Detector { return detector },
	}

	conn := startIngest(t, ctl, 7)
	frame := jpegFrame(t)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "signed upload", func() bool { return got.count.Load() == 1 })

	got.mu.Lock()
	defer got.mu.Unlock()
	if got.form["camera_id"] != "7" || got.form["user_id"] != "7" {
		t.Fatalf("identity fields = %v", got.form)
	}
	for _, name := range []string{"frame_0", "frame_1", "frame_2"} {
		if !bytes.Equal(got.files[name], frame) {
			t.Fatalf("%s differs from the ingested frame", name)
		}
	}
	if got.sigHdr == "" {
		t.Fatal("upload missing X-Signature header")
	}

	// No second flush may fire for the same single-record window.
	time.Sleep(250 * time.Millisecond)
	if got.count.Load() != 1 {
		t.Fatalf("uploads = %d, want exactly 1", got.count.Load())
	}
}
