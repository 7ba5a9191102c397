// Package app owns the per-camera shared state: viewer sets, viewer
// counts, user associations and frame buffers, all behind a single
// synchronization boundary so join/leave/lookup are atomic operations.
package app

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"camrelay/internal/core"
	"camrelay/internal/framebuf"
	"camrelay/internal/metrics"
)

// Stopper asks the capture-control gateway to stop pushing a camera.
type Stopper interface {
	StopCamera(ctx context.Context, camera core.CameraID)
}

// CameraRegistry tracks every camera's viewers and its shared frame
// buffer. The viewer count is always the cardinality of the viewer set,
// and deleting a camera's entry is the single source of truth that the
// upstream-stop call fires exactly once.
type CameraRegistry struct {
	mu      sync.Mutex
	viewers map[core.CameraID]map[core.SignalConnection]string
	buffers map[core.CameraID]*framebuf.Buffer

	stopper Stopper
	mx      *metrics.Metrics
}

func NewCameraRegistry(stopper Stopper, mx *metrics.Metrics) *CameraRegistry {
	return &CameraRegistry{
		viewers: make(map[core.CameraID]map[core.SignalConnection]string),
		buffers: make(map[core.CameraID]*framebuf.Buffer),
		stopper: stopper,
		mx:      mx,
	}
}

// Join registers a viewer connection and returns the new viewer count.
func (r *CameraRegistry) Join(camera core.CameraID, conn core.SignalConnection) int {
	r.mu.Lock()
	set, ok := r.viewers[camera]
	if !ok {
		set = make(map[core.SignalConnection]string)
		r.viewers[camera] = set
	}
	set[conn] = camera.String()
	count := len(set)
	r.mu.Unlock()

	r.mx.ViewerJoined()
	log.Info().Str("module", "app.registry").Int("camera_id", int(camera)).Int("viewers", count).Msg("viewer joined")
	return count
}

// SetUser records the user identity negotiated for a viewer connection.
func (r *CameraRegistry) SetUser(camera core.CameraID, conn core.SignalConnection, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.viewers[camera]; ok {
		if _, present := set[conn]; present {
			set[conn] = userID
		}
	}
}

// UserOf returns the user associated with a camera's viewers, falling
// back to the camera id's string form when nobody negotiated one.
func (r *CameraRegistry) UserOf(camera core.CameraID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.viewers[camera] {
		return user
	}
	return camera.String()
}

// Leave removes a viewer and returns the remaining count. Removing the
// last viewer deletes the camera's entry and fires the upstream stop
// call once; a connection not in the set is a no-op, which makes
// repeated cleanup safe.
func (r *CameraRegistry) Leave(camera core.CameraID, conn core.SignalConnection) int {
	r.mu.Lock()
	set, ok := r.viewers[camera]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	if _, present := set[conn]; !present {
		count := len(set)
		r.mu.Unlock()
		return count
	}
	delete(set, conn)
	count := len(set)
	last := count == 0
	if last {
		delete(r.viewers, camera)
	}
	r.mu.Unlock()

	r.mx.ViewerLeft()
	if last {
		log.Info().Str("module", "app.registry").Int("camera_id", int(camera)).Msg("last viewer left, stopping upstream")
		go r.stopper.StopCamera(context.Background(), camera)
	} else {
		log.Info().Str("module", "app.registry").Int("camera_id", int(camera)).Int("viewers", count).Msg("viewer left")
	}
	return count
}

// ViewerCount returns the live cardinality of the camera's viewer set.
func (r *CameraRegistry) ViewerCount(camera core.CameraID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers[camera])
}

// NotifyDetection best-effort fans a detection event out to the
// camera's viewers. Viewers whose send fails are pruned as stale, with
// the usual last-viewer side effects.
func (r *CameraRegistry) NotifyDetection(camera core.CameraID) {
	payload, err := json.Marshal(struct {
		Event    string `json:"event"`
		CameraID int    `json:"camera_id"`
	}{Event: "detection", CameraID: int(camera)})
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("marshal detection event")
		return
	}

	r.mu.Lock()
	conns := make([]core.SignalConnection, 0, len(r.viewers[camera]))
	for conn := range r.viewers[camera] {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		if err := conn.TrySend(payload); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Int("camera_id", int(camera)).Msg("pruning stale viewer")
			r.Leave(camera, conn)
		}
	}
}

// PutBuffer registers the camera's shared frame buffer.
func (r *CameraRegistry) PutBuffer(camera core.CameraID, buf *framebuf.Buffer) {
	r.mu.Lock()
	r.buffers[camera] = buf
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Int("camera_id", int(camera)).Msg("frame buffer registered")
}

// Buffer looks up the camera's shared frame buffer.
func (r *CameraRegistry) Buffer(camera core.CameraID) (*framebuf.Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[camera]
	return buf, ok
}

// RemoveCamera drops the camera's buffer registration. Called by the
// ingestion session once its processing task has terminated, so a new
// session on the same id never shares a buffer with a dying one.
func (r *CameraRegistry) RemoveCamera(camera core.CameraID) {
	r.mu.Lock()
	delete(r.buffers, camera)
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Int("camera_id", int(camera)).Msg("camera removed")
}
