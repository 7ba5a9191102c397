// Package metrics registers the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is a valid no-op
// receiver so components stay testable without a registry.
type Metrics struct {
	// Camera metrics
	ActiveCameras  prometheus.Gauge
	FramesReceived prometheus.Counter
	FramesDropped  prometheus.Counter
	DecodeFailures prometheus.Counter

	// Detection metrics
	DetectionRounds   prometheus.Counter
	DetectionFailures prometheus.Counter
	DetectionHits     prometheus.Counter

	// Viewer metrics
	ActiveViewers prometheus.Gauge
	TotalViewers  prometheus.Counter

	// Incident metrics
	IncidentsBuffered      prometheus.Counter
	IncidentsUploaded      prometheus.Counter
	IncidentUploadFailures prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		ActiveCameras: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_active_cameras",
			Help: "Number of cameras currently streaming frames",
		}),
		FramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_frames_received_total",
			Help: "Total frames received on ingestion sockets",
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_frames_dropped_total",
			Help: "Frames evicted by drop-oldest backpressure",
		}),
		DecodeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_frame_decode_failures_total",
			Help: "Frames skipped because they failed to decode",
		}),
		DetectionRounds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_detection_rounds_total",
			Help: "Detection round trips attempted",
		}),
		DetectionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_detection_failures_total",
			Help: "Detection rounds that degraded to an empty result",
		}),
		DetectionHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_detection_hits_total",
			Help: "Detection rounds that returned at least one object",
		}),
		ActiveViewers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_active_viewers",
			Help: "Number of currently connected viewers across all cameras",
		}),
		TotalViewers: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_viewers_total",
			Help: "Total viewer sessions since server start",
		}),
		IncidentsBuffered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_incidents_buffered_total",
			Help: "Incident entries buffered for upload",
		}),
		IncidentsUploaded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_incidents_uploaded_total",
			Help: "Incident payloads uploaded successfully",
		}),
		IncidentUploadFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_incident_upload_failures_total",
			Help: "Incident payloads dropped after a failed upload",
		}),
	}
}

func (m *Metrics) IncFramesReceived() {
	if m != nil {
		m.FramesReceived.Inc()
	}
}

func (m *Metrics) IncFramesDropped() {
	if m != nil {
		m.FramesDropped.Inc()
	}
}

func (m *Metrics) IncDecodeFailures() {
	if m != nil {
		m.DecodeFailures.Inc()
	}
}

func (m *Metrics) IncDetectionRounds() {
	if m != nil {
		m.DetectionRounds.Inc()
	}
}

func (m *Metrics) IncDetectionFailures() {
	if m != nil {
		m.DetectionFailures.Inc()
	}
}

func (m *Metrics) IncDetectionHits() {
	if m != nil {
		m.DetectionHits.Inc()
	}
}

func (m *Metrics) CameraStarted() {
	if m != nil {
		m.ActiveCameras.Inc()
	}
}

func (m *Metrics) CameraStopped() {
	if m != nil {
		m.ActiveCameras.Dec()
	}
}

func (m *Metrics) ViewerJoined() {
	if m != nil {
		m.ActiveViewers.Inc()
		m.TotalViewers.Inc()
	}
}

func (m *Metrics) ViewerLeft() {
	if m != nil {
		m.ActiveViewers.Dec()
	}
}

func (m *Metrics) IncIncidentsBuffered() {
	if m != nil {
		m.IncidentsBuffered.Inc()
	}
}

func (m *Metrics) IncIncidentsUploaded() {
	if m != nil {
		m.IncidentsUploaded.Inc()
	}
}

func (m *Metrics) IncIncidentUploadFailures() {
	if m != nil {
		m.IncidentUploadFailures.Inc()
	}
}
