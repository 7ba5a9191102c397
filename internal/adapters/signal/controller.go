// Package signal runs the per-viewer signaling session: the
// offer/answer exchange, ICE candidate relay and the viewer-refcounted
// cleanup cascade.
package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"camrelay/internal/app"
	"camrelay/internal/core"
	"camrelay/internal/metrics"
)

// CloseInvalidOffer is sent when the first message is not a valid offer.
const CloseInvalidOffer = 4002

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	Registry     *app.CameraRegistry
	Links        *app.LinkSet
	NewPeerLink  core.PeerLinkFactory
	OfferTimeout time.Duration
	Metrics      *metrics.Metrics
}

// HandleSignal upgrades the viewer socket and runs its session to
// completion.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	camera, err := core.ParseCameraID(c.Param("camera_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid camera id"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ctl.Serve(ctx, ws, camera)
}

// Serve runs one signaling session over an established websocket.
func (ctl *Controller) Serve(ctx context.Context, ws *websocket.Conn, camera core.CameraID) {
	log.Info().Str("module", "signal").Int("camera_id", int(camera)).Msg("new viewer connection")

	conn := newWSConn(ws)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go conn.writePump(ctx)

	sess := newSession(ctl, camera, conn)
	sess.run(ctx)
}

func (ctl *Controller) sendJSON(c *wsConn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return err
	}
	return c.TrySend(b)
}
