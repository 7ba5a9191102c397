package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "camrelay/internal/adapters/http"
	"camrelay/internal/adapters/ingest"
	"camrelay/internal/adapters/rtc"
	signalws "camrelay/internal/adapters/signal"
	"camrelay/internal/app"
	"camrelay/internal/config"
	"camrelay/internal/core"
	"camrelay/internal/detect"
	"camrelay/internal/incident"
	"camrelay/internal/metrics"
	"camrelay/internal/upstream"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	mx := metrics.New()
	gateway := upstream.NewClient(cfg.GatewayURL)
	registry := app.NewCameraRegistry(gateway, mx)
	links := app.NewLinkSet()

	uploader := incident.NewHTTPUploader(cfg.UploadURL, cfg.UploadSecret, cfg.UploadTimeout)
	incidents := incident.NewBuffer(cfg.IncidentWindow, uploader, mx)

	framesCtl := &ingest.Controller{
		Registry:  registry,
		Incidents: incidents,
		NewDetector: func(camera core.CameraID) core.Detector {
			return detect.NewClient(cfg.InferenceURL, camera, cfg.DetectTimeout)
		},
		Metrics: mx,
	}

	signalCtl := &signalws.Controller{
		Registry: registry,
		Links:    links,
		NewPeerLink: rtc.NewFactory(rtc.Config{
			StunURL:       cfg.StunURL,
			FrameInterval: cfg.FrameInterval,
		}, registry),
		OfferTimeout: cfg.OfferTimeout,
		Metrics:      mx,
	}

	r := router.SetupRouter(ctx, cfg, framesCtl, signalCtl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("camrelay server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
