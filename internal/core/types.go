// Package core contains the shared domain types and the interfaces the
// adapters plug into. It never touches transport resources itself.
package core

import "strconv"

// CameraID identifies a camera within this process.
type CameraID int

func (id CameraID) String() string { return strconv.Itoa(int(id)) }

// ParseCameraID parses the path-parameter form of a camera id.
func ParseCameraID(s string) (CameraID, error) {
	n, err := strconv.Atoi(s)
	return CameraID(n), err
}

// Detection is one object found in a frame by the inference service.
type Detection struct {
	Box        [4]float64 `json:"box"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
}

// MaxConfidence returns the highest confidence among detections, 0 if empty.
func MaxConfidence(dets []Detection) float64 {
	var max float64
	for _, d := range dets {
		if d.Confidence > max {
			max = d.Confidence
		}
	}
	return max
}

// SignalConnection abstracts a viewer's signaling transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend([]byte) error
	Close()
}

// IncidentRecorder receives detection-positive frames for buffered upload.
type IncidentRecorder interface {
	Record(camera CameraID, userID string, frame []byte, dets []Detection, confidence float64)
}

// Detector is a per-camera inference round-trip. Detect never fails:
// a persistently unreachable backend degrades to an empty result.
type Detector interface {
	Detect(frame []byte) []Detection
	Close()
}
