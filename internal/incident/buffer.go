// Package incident accumulates detection-positive frames per
// (camera, user) key and uploads a signed evidentiary clip once the
// debounce window closes. Uploads that fail are dropped: the product is
// best-effort live view, not an archive.
package incident

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"camrelay/internal/core"
	"camrelay/internal/metrics"
)

type key struct {
	camera string
	user   string
}

type entry struct {
	frame      []byte
	detections []core.Detection
	confidence float64
	timestamp  time.Time
}

// Incident is one flushed clip: the first, highest-confidence and last
// entries of a window. Slots may reference the same entry when the
// window held fewer than three unique candidates.
type Incident struct {
	CameraID   string
	UserID     string
	Frames     [3][]byte
	Detections [3][]core.Detection
	Timestamps [3]time.Time
}

// Uploader delivers a flushed incident to external storage.
type Uploader interface {
	Upload(inc Incident) error
}

// Buffer implements the debounced incident window. Only the first
// Record in an idle window starts the timer; later entries accumulate
// without resetting it. At most one pending timer exists per key.
type Buffer struct {
	mu      sync.Mutex
	entries map[key][]entry
	pending map[key]*time.Timer

	window   time.Duration
	uploader Uploader
	mx       *metrics.Metrics
}

func NewBuffer(window time.Duration, uploader Uploader, mx *metrics.Metrics) *Buffer {
	return &Buffer{
		entries:  make(map[key][]entry),
		pending:  make(map[key]*time.Timer),
		window:   window,
		uploader: uploader,
		mx:       mx,
	}
}

// Record appends an entry under (camera, user) and schedules a flush if
// none is pending for that key.
func (b *Buffer) Record(camera core.CameraID, userID string, frame []byte, dets []core.Detection, confidence float64) {
	k := key{camera: camera.String(), user: userID}
	e := entry{
		frame:      frame,
		detections: dets,
		confidence: confidence,
		timestamp:  time.Now().UTC(),
	}

	b.mu.Lock()
	b.entries[k] = append(b.entries[k], e)
	if _, ok := b.pending[k]; !ok {
		b.pending[k] = time.AfterFunc(b.window, func() { b.flush(k) })
		log.Info().Str("module", "incident").Str("camera_id", k.camera).Str("user_id", k.user).Msg("incident window opened")
	}
	b.mu.Unlock()

	b.mx.IncIncidentsBuffered()
}

// flush atomically pops the key's entries and clears the timer marker,
// so a Record racing with the flush starts a fresh window instead of
// being lost or double-flushed.
func (b *Buffer) flush(k key) {
	b.mu.Lock()
	entries := b.entries[k]
	delete(b.entries, k)
	delete(b.pending, k)
	b.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	inc := buildIncident(k, entries)
	if err := b.uploader.Upload(inc); err != nil {
		b.mx.IncIncidentUploadFailures()
		log.Error().Err(err).Str("module", "incident").Str("camera_id", k.camera).Str("user_id", k.user).Msg("incident upload failed, dropping")
		return
	}
	b.mx.IncIncidentsUploaded()
	log.Info().Str("module", "incident").Str("camera_id", k.camera).Str("user_id", k.user).Int("entries", len(entries)).Msg("incident uploaded")
}

// buildIncident selects the first chronological entry, the one with
// maximum confidence (ties go to the earliest) and the last one.
func buildIncident(k key, entries []entry) Incident {
	first := entries[0]
	last := entries[len(entries)-1]
	best := entries[0]
	for _, e := range entries[1:] {
		if e.confidence > best.confidence {
			best = e
		}
	}

	inc := Incident{CameraID: k.camera, UserID: k.user}
	for i, e := range []entry{first, best, last} {
		inc.Frames[i] = e.frame
		inc.Detections[i] = e.detections
		inc.Timestamps[i] = e.timestamp
	}
	return inc
}
