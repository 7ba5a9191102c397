// Package detect holds the client for the external inference service
// and the box-drawing helper used for the live view.
package detect

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"camrelay/internal/core"
)

// Client keeps a lazily-established duplex connection to the inference
// service and performs per-frame request/response rounds. A flaky
// backend must never stall the video pipeline, so every failure mode
// degrades to an empty result after at most one retry.
type Client struct {
	url     string
	camera  core.CameraID
	timeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewClient(url string, camera core.CameraID, timeout time.Duration) *Client {
	return &Client{
		url:     url,
		camera:  camera,
		timeout: timeout,
	}
}

type detectResponse struct {
	Detections []core.Detection `json:"detections"`
}

// Detect sends one encoded frame and waits for the detection result.
// Never returns an error: persistent failure yields an empty slice.
func (c *Client) Detect(frame []byte) []core.Detection {
	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if c.conn == nil {
			if err := c.connect(); err != nil {
				log.Warn().Err(err).Str("module", "detect").Int("camera_id", int(c.camera)).Msg("inference server unreachable")
				return nil
			}
		}

		dets, err := c.roundTrip(frame)
		if err == nil {
			return dets
		}
		log.Warn().Err(err).Str("module", "detect").Int("camera_id", int(c.camera)).Int("attempt", attempt).Msg("detection round failed")
		c.closeLocked()
	}
	return nil
}

func (c *Client) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s/%d", c.url, c.camera), nil)
	if err != nil {
		return fmt.Errorf("dial inference server: %w", err)
	}
	if err := conn.WriteJSON(map[string]int{"user_id": int(c.camera)}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send init message: %w", err)
	}
	c.conn = conn
	log.Info().Str("module", "detect").Int("camera_id", int(c.camera)).Msg("connected to inference server")
	return nil
}

func (c *Client) roundTrip(frame []byte) ([]core.Detection, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return nil, fmt.Errorf("send frame: %w", err)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("await result: %w", err)
	}

	var resp detectResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return resp.Detections, nil
}

// Close tears down the connection. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
