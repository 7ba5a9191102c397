// Package ingest runs the per-camera frame ingestion session: the
// socket read loop, the backpressured processing pipeline and the
// teardown that releases the camera's shared resources.
package ingest

import (
	"bytes"
	"context"
	"image"
	"image/draw"
	"net/http"
	"sync/atomic"

	_ "image/jpeg"
	_ "image/png"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"camrelay/internal/app"
	"camrelay/internal/core"
	"camrelay/internal/detect"
	"camrelay/internal/framebuf"
	"camrelay/internal/metrics"
)

const queueCapacity = 2

type sessionState int32

const (
	stateIdle sessionState = iota
	stateStreaming
	stateDraining
	stateClosed
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	Registry    *app.CameraRegistry
	Incidents   core.IncidentRecorder
	NewDetector func(camera core.CameraID) core.Detector
	Metrics     *metrics.Metrics
}

// HandleFrames upgrades the camera socket and runs its session.
func (ctl *Controller) HandleFrames(ctx context.Context, c *gin.Context) {
	camera, err := core.ParseCameraID(c.Param("camera_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid camera id"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ingest").Msg("ws upgrade")
		return
	}
	ctl.Serve(ctx, ws, camera)
}

// Serve registers the camera's buffer and runs one ingestion session to
// completion.
func (ctl *Controller) Serve(ctx context.Context, ws *websocket.Conn, camera core.CameraID) {
	buffer := framebuf.New()
	ctl.Registry.PutBuffer(camera, buffer)

	s := &session{
		ctl:      ctl,
		camera:   camera,
		ws:       ws,
		buffer:   buffer,
		detector: ctl.NewDetector(camera),
		queue:    newFrameQueue(queueCapacity),
		logger:   log.With().Str("module", "ingest").Int("camera_id", int(camera)).Logger(),
	}
	s.run(ctx)
}

type session struct {
	ctl      *Controller
	camera   core.CameraID
	ws       *websocket.Conn
	buffer   *framebuf.Buffer
	detector core.Detector
	queue    *frameQueue

	state  atomic.Int32
	logger zerolog.Logger
}

func (s *session) setState(st sessionState) { s.state.Store(int32(st)) }

func (s *session) run(ctx context.Context) {
	s.logger.Info().Msg("camera connected")
	s.ctl.Metrics.CameraStarted()
	s.setState(stateStreaming)

	procCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.processFrames(procCtx)
	}()

	s.receiveFrames()

	// Draining: stop the processor and wait for it before releasing the
	// buffer, so a new session on the same camera id never races a
	// dying one.
	s.setState(stateDraining)
	cancel()
	<-done

	s.buffer.Finish()
	s.ctl.Registry.RemoveCamera(s.camera)
	s.detector.Close()
	_ = s.ws.Close()

	s.ctl.Metrics.CameraStopped()
	s.setState(stateClosed)
	s.logger.Info().Msg("camera session closed")
}

// receiveFrames reads raw frame messages until the socket dies.
func (s *session) receiveFrames() {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.logger.Info().Err(err).Msg("camera socket closed")
			return
		}
		s.ctl.Metrics.IncFramesReceived()
		if s.queue.push(data) {
			s.ctl.Metrics.IncFramesDropped()
		}
	}
}

// processFrames dequeues, decodes, detects and publishes one frame at a
// time. A cancelled dequeue is the normal exit, not an error; a single
// bad frame or failed detection round never terminates the session.
func (s *session) processFrames(ctx context.Context) {
	for {
		data, err := s.queue.pop(ctx)
		if err != nil {
			return
		}

		frame, err := decodeFrame(data)
		if err != nil {
			s.ctl.Metrics.IncDecodeFailures()
			s.logger.Warn().Err(err).Msg("undecodable frame, skipping")
			continue
		}

		s.ctl.Metrics.IncDetectionRounds()
		dets := s.detector.Detect(data)
		if dets == nil {
			s.ctl.Metrics.IncDetectionFailures()
		}

		s.buffer.Update(detect.DrawBoxes(frame, dets))

		if len(dets) > 0 {
			s.ctl.Metrics.IncDetectionHits()
			userID := s.ctl.Registry.UserOf(s.camera)
			// Incidents keep the original undrawn frame.
			s.ctl.Incidents.Record(s.camera, userID, data, dets, core.MaxConfidence(dets))
			s.ctl.Registry.NotifyDetection(s.camera)
		}
	}
}

func decodeFrame(data []byte) (*image.RGBA, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba, nil
}
