// Package upstream talks to the capture-control gateway that owns the
// camera-side stream. The relay only ever asks it to stop pushing.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"camrelay/internal/core"
)

// Client stops upstream capture for a camera. Failures are logged only:
// a gateway that refuses to stop costs bandwidth, not correctness.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) StopCamera(ctx context.Context, camera core.CameraID) {
	body, err := json.Marshal(map[string]int{"camera_id": int(camera)})
	if err != nil {
		log.Error().Err(err).Str("module", "upstream").Msg("marshal stop request")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/stop-camera", c.baseURL), bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Str("module", "upstream").Msg("build stop request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Error().Err(err).Str("module", "upstream").Int("camera_id", int(camera)).Msg("gateway unreachable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Str("module", "upstream").Int("camera_id", int(camera)).Int("status", resp.StatusCode).Msg("gateway refused to stop stream")
		return
	}
	log.Info().Str("module", "upstream").Int("camera_id", int(camera)).Msg("gateway stream stopped")
}
