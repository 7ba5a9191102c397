package incident

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"camrelay/internal/core"
)

type captureUploader struct {
	mu        sync.Mutex
	incidents []Incident
}

func (c *captureUploader) Upload(inc Incident) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incidents = append(c.incidents, inc)
	return nil
}

func (c *captureUploader) all() []Incident {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Incident, len(c.incidents))
	copy(out, c.incidents)
	return out
}

func TestDebounceSingleFlushForBurst(t *testing.T) {
	up := &captureUploader{}
	b := NewBuffer(50*time.Millisecond, up, nil)

	b.Record(7, "alice", []byte("f1"), nil, 0.4)
	time.Sleep(10 * time.Millisecond)
	b.Record(7, "alice", []byte("f2"), nil, 0.6)

	time.Sleep(150 * time.Millisecond)

	got := up.all()
	if len(got) != 1 {
		t.Fatalf("flushes = %d, want 1", len(got))
	}
	// Both entries present: first=f1, last=f2.
	if string(got[0].Frames[0]) != "f1" || string(got[0].Frames[2]) != "f2" {
		t.Fatalf("flush lost entries: first=%q last=%q", got[0].Frames[0], got[0].Frames[2])
	}
}

func TestRecordAfterFlushOpensNewWindow(t *testing.T) {
	up := &captureUploader{}
	b := NewBuffer(30*time.Millisecond, up, nil)

	b.Record(7, "alice", []byte("a"), nil, 0.5)
	time.Sleep(80 * time.Millisecond)
	b.Record(7, "alice", []byte("b"), nil, 0.5)
	time.Sleep(80 * time.Millisecond)

	got := up.all()
	if len(got) != 2 {
		t.Fatalf("flushes = %d, want 2 independent windows", len(got))
	}
	if string(got[0].Frames[0]) != "a" || string(got[1].Frames[0]) != "b" {
		t.Fatalf("windows mixed entries: %q, %q", got[0].Frames[0], got[1].Frames[0])
	}
}

func TestKeysAreIndependent(t *testing.T) {
	up := &captureUploader{}
	b := NewBuffer(30*time.Millisecond, up, nil)

	b.Record(7, "alice", []byte("a"), nil, 0.5)
	b.Record(8, "alice", []byte("b"), nil, 0.5)
	time.Sleep(80 * time.Millisecond)

	if got := up.all(); len(got) != 2 {
		t.Fatalf("flushes = %d, want one per key", len(got))
	}
}

func TestSelectionFirstBestLast(t *testing.T) {
	entries := []entry{
		{frame: []byte("e0"), confidence: 0.2},
		{frame: []byte("e1"), confidence: 0.9},
		{frame: []byte("e2"), confidence: 0.5},
	}
	inc := buildIncident(key{camera: "7", user: "7"}, entries)

	want := []string{"e0", "e1", "e2"}
	for i, w := range want {
		if string(inc.Frames[i]) != w {
			t.Fatalf("slot %d = %q, want %q", i, inc.Frames[i], w)
		}
	}
}

func TestSelectionTieGoesToFirstOccurrence(t *testing.T) {
	entries := []entry{
		{frame: []byte("e0"), confidence: 0.9},
		{frame: []byte("e1"), confidence: 0.9},
	}
	inc := buildIncident(key{}, entries)
	if string(inc.Frames[1]) != "e0" {
		t.Fatalf("best slot = %q, want first-occurrence e0", inc.Frames[1])
	}
}

func TestSelectionSingleEntryTriplicates(t *testing.T) {
	entries := []entry{{frame: []byte("only"), confidence: 0.8}}
	inc := buildIncident(key{}, entries)
	for i := 0; i < 3; i++ {
		if string(inc.Frames[i]) != "only" {
			t.Fatalf("slot %d = %q, want the single entry", i, inc.Frames[i])
		}
	}
}

func TestHTTPUploaderPayloadAndSignature(t *testing.T) {
	const secret = "sekrit"
	type captured struct {
		form      map[string]string
		files     map[string][]byte
		timestamp string
		signature string
	}
	var got captured

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
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
		got.timestamp = r.Header.Get("X-Timestamp")
		got.signature = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	up := NewHTTPUploader(srv.URL, secret, 5*time.Second)
	inc := Incident{
		CameraID:   "7",
		UserID:     "7",
		Frames:     [3][]byte{[]byte("jpg0"), []byte("jpg1"), []byte("jpg2")},
		Detections: [3][]core.Detection{{{Label: "person", Confidence: 0.8}}, nil, nil},
	}
	now := time.Now().UTC().Truncate(time.Second)
	for i := range inc.Timestamps {
		inc.Timestamps[i] = now
	}

	if err := up.Upload(inc); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if got.form["camera_id"] != "7" || got.form["user_id"] != "7" {
		t.Fatalf("identity fields = %v", got.form)
	}
	for _, name := range []string{"frame_0", "frame_1", "frame_2"} {
		if len(got.files[name]) == 0 {
			t.Fatalf("missing file part %s", name)
		}
	}

	var timestamps []string
	if err := json.Unmarshal([]byte(got.form["timestamps"]), &timestamps); err != nil {
		t.Fatalf("timestamps field not JSON: %v", err)
	}
	var detections [][]core.Detection
	if err := json.Unmarshal([]byte(got.form["detections"]), &detections); err != nil {
		t.Fatalf("detections field not JSON: %v", err)
	}
	if detections[0][0].Label != "person" {
		t.Fatalf("detections[0] = %+v", detections[0])
	}

	// The signature must verify against the canonical non-binary fields.
	body, _ := json.Marshal(map[string]string{
		"camera_id":  "7",
		"user_id":    "7",
		"timestamps": got.form["timestamps"],
	})
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(got.timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if got.signature != want {
		t.Fatalf("signature mismatch:\n got %s\nwant %s", got.signature, want)
	}
	if !bytes.Equal(got.files["frame_1"], []byte("jpg1")) {
		t.Fatal("frame_1 bytes corrupted in transit")
	}
}

func TestHTTPUploaderNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	up := NewHTTPUploader(srv.URL, "s", time.Second)
	if err := up.Upload(Incident{CameraID: "1", UserID: "1"}); err == nil {
		t.Fatal("expected error on non-2xx response")
	}
}
