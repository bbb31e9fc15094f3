package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-narrator/internal/log"
	"github.com/teslashibe/go-narrator/pkg/audioio"
	"github.com/teslashibe/go-narrator/pkg/audioio/rtpsink"
	"github.com/teslashibe/go-narrator/pkg/camera"
	"github.com/teslashibe/go-narrator/pkg/camera/cvcam"
	"github.com/teslashibe/go-narrator/pkg/narrator"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd() *cobra.Command {
	var (
		analysis    bool
		noDashboard bool
		frames      bool
		facing      string
		webAddr     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the assistant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			if cmd.Flags().Changed("analysis") {
				cfg.AnalysisOnStart = analysis
			}
			if frames {
				cfg.DebugFrames = true
			}
			if noDashboard {
				cfg.Dashboard.Enabled = false
			}
			if facing != "" {
				cfg.CameraFacing = camera.Facing(facing)
			}
			if webAddr != "" {
				cfg.Dashboard.Addr = webAddr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			return run(cfg)
		},
	}

	cmd.Flags().BoolVar(&analysis, "analysis", false, "start scene analysis immediately")
	cmd.Flags().BoolVar(&frames, "debug-frames", false, "trace every camera frame and playback segment")
	cmd.Flags().BoolVar(&noDashboard, "no-dashboard", false, "disable the local dashboard")
	cmd.Flags().StringVar(&facing, "facing", "", "initial camera: front or back")
	cmd.Flags().StringVar(&webAddr, "web-addr", "", "dashboard listen address")
	return cmd
}

func run(cfg *narrator.Config) error {
	log.Init(cfg.LogLevel)
	logger := log.L()
	cliLog := log.Component("cli")

	fmt.Println("🦮 Narrator starting")
	fmt.Printf("🔗 Proxy: %s\n", cfg.Proxy.URL)

	source, err := audioio.NewSource(cfg.Microphone, logger)
	if err != nil {
		return fmt.Errorf("microphone: %w", err)
	}
	sink, err := newSink(cfg.Speaker)
	if err != nil {
		source.Close()
		return fmt.Errorf("speaker: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := narrator.New(ctx, *cfg, narrator.Options{
		Source: source,
		Sink:   sink,
		Opener: cvcam.New(),
		Logger: logger,
	})
	if err != nil {
		source.Close()
		sink.Close()
		return fmt.Errorf("initialization failed: %w", err)
	}

	if app.Dashboard() != nil {
		fmt.Printf("🖥️  Dashboard: http://%s\n", cfg.Dashboard.Addr)
	}
	if cfg.AnalysisOnStart {
		fmt.Println("👁️  Scene analysis on")
	}
	fmt.Println("✅ Ready. Press Ctrl+C to stop.")
	cliLog.Info("narrator started", "proxy", cfg.Proxy.URL, "dashboard", cfg.Dashboard.Enabled, "analysis", cfg.AnalysisOnStart)

	runErr := app.Run(ctx)

	fmt.Println("\n👋 Shutting down...")
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := app.Shutdown(sctx); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}
	return runErr
}

func newSink(cfg audioio.Config) (audioio.Sink, error) {
	if cfg.Backend == audioio.BackendRTP {
		fmt.Printf("🔊 Streaming audio over RTP to %s\n", cfg.RTPAddr)
		sink, err := rtpsink.New(cfg, log.L())
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
	return audioio.NewSink(cfg, log.L())
}
