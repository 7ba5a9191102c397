package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// PeerEventKind discriminates PeerLink events.
type PeerEventKind int

const (
	// PeerEventCandidate carries a newly gathered local ICE candidate.
	PeerEventCandidate PeerEventKind = iota
	// PeerEventStateChange carries a peer-connection state transition.
	PeerEventStateChange
)

// PeerEvent is delivered on the PeerLink event channel. Transport
// callbacks only enqueue; all session-state mutation happens on the
// signaling session's own goroutine.
type PeerEvent struct {
	Kind      PeerEventKind
	Candidate webrtc.ICECandidateInit
	State     webrtc.PeerConnectionState
}

// PeerLink abstracts the negotiated point-to-point media connection
// between server and viewer (offer/answer + ICE).
type PeerLink interface {
	// Start binds the link lifetime to ctx and begins feeding media.
	Start(ctx context.Context) error
	// ApplyOfferAndCreateAnswer applies the viewer's remote description
	// and returns the local answer.
	ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// Events returns the link's event stream. The channel is closed
	// when the link is closed.
	Events() <-chan PeerEvent
	// Close tears down the underlying connection. Idempotent.
	Close()
}

// PeerLinkFactory builds a PeerLink bound to a camera's outbound media.
type PeerLinkFactory func(camera CameraID, userID string) (PeerLink, error)
