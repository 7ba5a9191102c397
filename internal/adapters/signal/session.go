package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"camrelay/internal/core"
)

type sessionState int32

const (
	stateAccepted sessionState = iota
	stateAwaitingOffer
	stateNegotiated
	stateActive
	stateClosing
	stateClosed
)

var errInvalidOffer = errors.New("invalid offer")

// session is the per-viewer signaling state machine. Its lifetime is
// Accepted → AwaitingOffer → Negotiated → Active → Closing → Closed;
// every exit path funnels into the same idempotent cleanup.
type session struct {
	ctl    *Controller
	camera core.CameraID
	userID string
	conn   *wsConn
	link   core.PeerLink

	state     atomic.Int32
	connected atomic.Bool
	closeOnce sync.Once

	logger zerolog.Logger
}

func newSession(ctl *Controller, camera core.CameraID, conn *wsConn) *session {
	return &session{
		ctl:    ctl,
		camera: camera,
		conn:   conn,
		logger: log.With().Str("module", "signal").Int("camera_id", int(camera)).Logger(),
	}
}

func (s *session) setState(st sessionState) { s.state.Store(int32(st)) }

func (s *session) run(ctx context.Context) {
	defer s.cleanup()

	count := s.ctl.Registry.Join(s.camera, s.conn)
	s.connected.Store(true)
	s.logger.Info().Int("viewers", count).Msg("viewer registered")

	s.setState(stateAwaitingOffer)
	if err := s.negotiate(ctx); err != nil {
		if errors.Is(err, errInvalidOffer) {
			s.conn.closeWithCode(CloseInvalidOffer, "invalid offer")
		}
		s.logger.Warn().Err(err).Msg("negotiation failed")
		return
	}
	s.setState(stateNegotiated)

	go s.watchEvents()

	s.setState(stateActive)
	s.messageLoop()
}

type offerMessage struct {
	SDP    string `json:"sdp"`
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// negotiate blocks for the viewer's offer, builds the peer link and
// sends the answer back.
func (s *session) negotiate(ctx context.Context) error {
	if err := s.conn.conn.SetReadDeadline(time.Now().Add(s.ctl.OfferTimeout)); err != nil {
		return fmt.Errorf("set offer deadline: %w", err)
	}
	_, data, err := s.conn.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await offer: %w", err)
	}
	if err := s.conn.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear offer deadline: %w", err)
	}

	var offer offerMessage
	if err := json.Unmarshal(data, &offer); err != nil {
		return errInvalidOffer
	}
	if offer.SDP == "" || offer.Type != "offer" {
		return errInvalidOffer
	}

	s.userID = offer.UserID
	if s.userID == "" {
		s.userID = s.camera.String()
	}
	s.ctl.Registry.SetUser(s.camera, s.conn, s.userID)
	s.logger.Info().Str("user_id", s.userID).Msg("received offer")

	link, err := s.ctl.NewPeerLink(s.camera, s.userID)
	if err != nil {
		return fmt.Errorf("build peer link: %w", err)
	}
	s.ctl.Links.Add(link)
	s.link = link

	if err := link.Start(ctx); err != nil {
		return fmt.Errorf("start peer link: %w", err)
	}

	answer, err := link.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	})
	if err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}

	return s.ctl.sendJSON(s.conn, map[string]string{
		"sdp":  answer.SDP,
		"type": "answer",
	})
}

// watchEvents consumes the peer link's event stream. All session-state
// mutation triggered by transport callbacks happens here, on one
// goroutine, never in callback re-entrancy.
func (s *session) watchEvents() {
	for ev := range s.link.Events() {
		switch ev.Kind {
		case core.PeerEventStateChange:
			if ev.State == webrtc.PeerConnectionStateFailed || ev.State == webrtc.PeerConnectionStateClosed {
				s.logger.Info().Str("peer_state", ev.State.String()).Msg("peer link lost")
				s.connected.Store(false)
				s.cleanup()
				return
			}
		case core.PeerEventCandidate:
			if !s.connected.Load() {
				continue
			}
			if err := s.sendCandidate(ev.Candidate); err != nil {
				s.logger.Warn().Err(err).Msg("candidate send failed")
				s.connected.Store(false)
				s.cleanup()
				return
			}
		}
	}
}

type candidatePayload struct {
	Candidate     *string `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

func (s *session) sendCandidate(ci webrtc.ICECandidateInit) error {
	inner := struct {
		Candidate     string `json:"candidate"`
		SDPMid        string `json:"sdpMid"`
		SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	}{Candidate: ci.Candidate}
	if ci.SDPMid != nil {
		inner.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		inner.SDPMLineIndex = *ci.SDPMLineIndex
	}
	return s.ctl.sendJSON(s.conn, map[string]any{"candidate": inner})
}

// messageLoop reads viewer messages until bye, disconnect or shutdown.
func (s *session) messageLoop() {
	for s.connected.Load() {
		_, data, err := s.conn.conn.ReadMessage()
		if err != nil {
			s.logger.Info().Err(err).Msg("viewer socket closed")
			return
		}

		var msg struct {
			Type      string            `json:"type"`
			Candidate *candidatePayload `json:"candidate"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("bad signaling message")
			continue
		}

		switch {
		case msg.Type == "bye":
			s.logger.Info().Str("user_id", s.userID).Msg("received bye")
			return
		case msg.Candidate != nil:
			s.addCandidate(msg.Candidate)
		}
	}
}

func (s *session) addCandidate(p *candidatePayload) {
	if p.Candidate == nil || p.SDPMid == nil || p.SDPMLineIndex == nil {
		s.logger.Warn().Msg("incomplete ICE candidate, ignoring")
		return
	}
	ci := webrtc.ICECandidateInit{
		Candidate:     *p.Candidate,
		SDPMid:        p.SDPMid,
		SDPMLineIndex: p.SDPMLineIndex,
	}
	if err := s.link.AddICECandidate(ci); err != nil {
		s.logger.Warn().Err(err).Msg("add ICE candidate")
	}
}

// cleanup is the single teardown path, safe to call from the message
// loop exit, the event watcher, or both concurrently.
func (s *session) cleanup() {
	s.closeOnce.Do(func() {
		s.setState(stateClosing)
		s.connected.Store(false)

		if s.link != nil {
			s.ctl.Links.Remove(s.link)
			s.link.Close()
		}
		remaining := s.ctl.Registry.Leave(s.camera, s.conn)
		s.conn.Close()

		s.setState(stateClosed)
		s.logger.Info().Str("user_id", s.userID).Int("viewers", remaining).Msg("session closed")
	})
}
