// Package rtc implements the PeerLink over pion/webrtc. The server is
// always the answering side: viewers offer, we attach the camera-bound
// media track and answer.
package rtc

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"camrelay/internal/core"
	"camrelay/internal/framebuf"
)

// BufferSource resolves a camera's shared frame buffer. The feed loop
// looks it up per tick so a viewer connecting before the camera starts
// streaming picks the buffer up once it appears.
type BufferSource interface {
	Buffer(camera core.CameraID) (*framebuf.Buffer, bool)
}

type Config struct {
	StunURL       string
	FrameInterval time.Duration
}

func (c Config) webrtcConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{c.StunURL}},
		},
	}
}

// NewFactory returns the PeerLinkFactory wired into signaling sessions.
func NewFactory(cfg Config, source BufferSource) core.PeerLinkFactory {
	return func(camera core.CameraID, userID string) (core.PeerLink, error) {
		return NewConnection(cfg, camera, userID, source)
	}
}

// Connection wraps a pion PeerConnection plus the sample track fed from
// the camera's shared frame buffer. Transport callbacks only enqueue
// events; the owning signaling session consumes them.
type Connection struct {
	pc       *webrtc.PeerConnection
	track    *webrtc.TrackLocalStaticSample
	camera   core.CameraID
	userID   string
	source   BufferSource
	interval time.Duration

	events chan core.PeerEvent
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func NewConnection(cfg Config, camera core.CameraID, userID string, source BufferSource) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg.webrtcConfiguration())
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video",
		fmt.Sprintf("camera-%d", camera),
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("new local track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}

	return &Connection{
		pc:       pc,
		track:    track,
		camera:   camera,
		userID:   userID,
		source:   source,
		interval: cfg.FrameInterval,
		events:   make(chan core.PeerEvent, 16),
	}, nil
}

func (c *Connection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Int("camera_id", int(c.camera)).Str("user_id", c.userID).Str("peer_state", s.String()).Msg("peer state")
		c.enqueue(core.PeerEvent{Kind: core.PeerEventStateChange, State: s})
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			c.enqueue(core.PeerEvent{Kind: core.PeerEventCandidate, Candidate: cand.ToJSON()})
		}
	})

	go c.feed(ctx)
	return nil
}

// feed polls the camera's shared frame buffer and writes the latest
// annotated frame as a media sample. It stops when the link dies or the
// buffer reports no further frames will arrive.
func (c *Connection) feed(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var buf bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fb, ok := c.source.Buffer(c.camera)
		if !ok {
			continue
		}
		if fb.Finished() {
			log.Info().Str("module", "rtc").Int("camera_id", int(c.camera)).Msg("frame buffer finished, feed stopping")
			return
		}
		frame := fb.Latest()
		if frame == nil {
			continue
		}

		buf.Reset()
		if err := jpeg.Encode(&buf, frame, nil); err != nil {
			log.Error().Err(err).Str("module", "rtc").Int("camera_id", int(c.camera)).Msg("encode frame")
			continue
		}
		sample := media.Sample{Data: append([]byte(nil), buf.Bytes()...), Duration: c.interval}
		if err := c.track.WriteSample(sample); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Int("camera_id", int(c.camera)).Msg("write sample")
		}
	}
}

// ApplyOfferAndCreateAnswer applies the remote description and returns
// the local answer once ICE gathering completes.
func (c *Connection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return c.pc.LocalDescription(), nil
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) Events() <-chan core.PeerEvent {
	return c.events
}

// Close tears down the peer connection and the feed loop. Idempotent;
// callbacks firing during teardown are dropped rather than enqueued.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Int("camera_id", int(c.camera)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Int("camera_id", int(c.camera)).Str("user_id", c.userID).Msg("closed")
	}
	close(c.events)
}

func (c *Connection) enqueue(ev core.PeerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("module", "rtc").Int("camera_id", int(c.camera)).Msg("event queue full, dropping")
	}
}
