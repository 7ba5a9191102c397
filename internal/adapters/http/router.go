package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"camrelay/internal/adapters/ingest"
	"camrelay/internal/adapters/signal"
	"camrelay/internal/config"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware tags every browser with a stable token so
// viewer sessions can be correlated across reconnects in the logs.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, frames *ingest.Controller, signaling *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	r.GET("/frames/ws/:camera_id", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("camera_id", c.Param("camera_id")).Msg("frame endpoint hit")
		frames.HandleFrames(ctx, c)
	})

	r.GET("/camera/ws/:camera_id", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").
			Str("camera_id", c.Param("camera_id")).
			Str("sid", c.GetString("client_token")).
			Msg("signal endpoint hit")
		signaling.HandleSignal(ctx, c)
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
