package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rapidmux/internal/publisher"
	"rapidmux/internal/source"
	"rapidmux/internal/streammanager"
	"rapidmux/pkg/models"
)

type publishOptions struct {
	streamKey string
	frameRate float64
	loop      bool
	streamID  string
}

// NewPublishCommand publishes an Annex-B H.264 file to an RTMP or SRT endpoint
func NewPublishCommand() *cobra.Command {
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish <file.h264> <rtmp://host/app/name | srt://host:port>",
		Short: "Publish an H.264 Annex-B file to an RTMP server or SRT listener",
		Example: `  rapidmux publish clip.h264 rtmp://localhost:1935/live/cam1
  rapidmux publish --loop --fps 25 clip.h264 srt://10.0.0.5:9000?streamid=live/cam1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.Context(), args[0], args[1], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.streamKey, "key", "", "local stream key (default: file name)")
	flags.Float64Var(&opts.frameRate, "fps", 0, "frame rate (default: from the SPS, else 30)")
	flags.BoolVar(&opts.loop, "loop", false, "restart the file at EOF")
	flags.StringVar(&opts.streamID, "stream-id", "", "SRT stream ID (overrides the streamid query)")

	return cmd
}

func outputKind(rawURL string) (models.OutputKind, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid output URL: %w", err)
	}
	switch u.Scheme {
	case "rtmp":
		return models.OutputRTMP, nil
	case "srt":
		return models.OutputSRT, nil
	}
	return "", fmt.Errorf("unsupported output scheme %q", u.Scheme)
}

func runPublish(ctx context.Context, path, target string, opts *publishOptions) error {
	kind, err := outputKind(target)
	if err != nil {
		return err
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key := opts.streamKey
	if key == "" {
		key = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	streamManager := streammanager.New(logger, nil)
	src := source.New(path, key, streamManager, source.Config{
		FrameRate: opts.frameRate,
		Loop:      opts.loop,
	}, logger)
	if err := src.Start(); err != nil {
		return err
	}

	outputs := publisher.NewManager(streamManager, publisher.Config{
		FlashVer:   cfg.RTMPFlashVer,
		ChunkSize:  cfg.RTMPChunkSize,
		Timeout:    cfg.RTMPTimeout,
		SRTLatency: cfg.SRTLatency,
	}, nil, logger)

	out, err := outputs.Start(key, models.OutputRequest{Kind: kind, URL: target, StreamID: opts.streamID})
	if err != nil {
		streamManager.StopStream(key)
		return err
	}

	srcCtx, cancelSrc := context.WithCancel(ctx)
	defer cancelSrc()
	srcDone := make(chan error, 1)
	go func() { srcDone <- src.Run(srcCtx) }()

	// the output ends when the source stops, and a failed output stops the source
	var srcErr error
	select {
	case srcErr = <-srcDone:
		<-out.Done()
	case <-out.Done():
		cancelSrc()
		srcErr = <-srcDone
	}

	info := out.Info()
	logger.WithFields(logrus.Fields{"bytes": info.Bytes, "state": info.State}).Info("publish finished")
	if err := out.Err(); err != nil {
		return err
	}
	return srcErr
}
