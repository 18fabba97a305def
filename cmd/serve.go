package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"rapidmux/httpServer"
	"rapidmux/internal/auth"
	"rapidmux/internal/ingest"
	"rapidmux/internal/metrics"
	"rapidmux/internal/publisher"
	"rapidmux/internal/segmenter"
	"rapidmux/internal/streammanager"
)

// NewServeCommand runs the ingest server, the recorder and the control API
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the RTMP ingest server and the HTTP control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := newStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New(prometheus.DefaultRegisterer)
	streamManager := streammanager.New(logger, m)
	seg := segmenter.New(store, streamManager, segmenter.Config{
		SegmentDuration: cfg.SegmentDuration,
		MaxSegments:     cfg.SegmentMaxSegments,
	}, m, logger)
	outputs := publisher.NewManager(streamManager, publisher.Config{
		FlashVer:   cfg.RTMPFlashVer,
		ChunkSize:  cfg.RTMPChunkSize,
		Timeout:    cfg.RTMPTimeout,
		SRTLatency: cfg.SRTLatency,
	}, m, logger)
	defer outputs.Close()

	rtmpSrv := ingest.New(cfg.RTMPAddr, streamManager, seg, m, logger)
	var authManager *auth.Manager
	if cfg.AuthEnabled {
		authManager = auth.New(cfg.DefaultTokenExpiration, cfg.MaxTokenExpiration, logger)
		rtmpSrv.RequireTokens(authManager)
		logger.Info("publishing requires a token from POST /api/v1/publish")
	}
	httpSrv := httpServer.New(streamManager, outputs, seg, store, authManager, cfg.RTMPPublicURL, m, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := rtmpSrv.ListenAndServe()
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return httpSrv.Run(cfg.HTTPAddr)
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rtmpSrv.Close()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
