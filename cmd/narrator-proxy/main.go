// narrator-proxy: backend proxy for narrator devices.
// Holds the model credentials, relays the live dialogue and serves speech,
// scene analysis and grounded place searches.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/teslashibe/go-narrator/internal/config"
	nlog "github.com/teslashibe/go-narrator/internal/log"
	"github.com/teslashibe/go-narrator/pkg/cloud"
	"github.com/teslashibe/go-narrator/pkg/tools"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := cloud.DefaultConfig()
	cfg.LoadEnv()

	addr := flag.String("addr", cfg.Addr, "listen address")
	rps := flag.Float64("rps", cfg.RateLimit.RequestsPerSecond, "requests per second per device")
	burst := flag.Int("burst", cfg.RateLimit.Burst, "rate limit burst")
	logLevel := flag.String("log-level", config.String("LOG_LEVEL", "info"), "debug, info, warn or error")
	flag.Parse()

	if port := os.Getenv("PORT"); port != "" && !flagSet("addr") {
		*addr = ":" + port
	}
	cfg.Addr = *addr
	cfg.RateLimit.RequestsPerSecond = *rps
	cfg.RateLimit.Burst = *burst

	nlog.Init(*logLevel)
	logger := nlog.L()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}

	fmt.Println()
	fmt.Println("☁️  Narrator proxy " + version)
	if cfg.UsesVertex() {
		fmt.Printf("   Vertex AI: %s/%s\n", cfg.Project, cfg.Location)
	} else {
		fmt.Println("   Gemini API")
	}
	if len(cfg.DeviceKeys) == 0 && cfg.Audience == "" {
		fmt.Println("⚠️  Device authentication disabled")
	}
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := cloud.NewGenAI(ctx, cfg, nil, "")
	if err != nil {
		log.Fatalf("❌ Upstream client: %v", err)
	}
	upstream, err := cloud.NewUpstreamAuth(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Upstream credentials: %v", err)
	}

	srv, err := cloud.NewServer(cfg, cloud.Deps{
		Backend:  backend,
		Upstream: upstream,
		Tools:    tools.Declarations(),
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("❌ Initialization failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Printf("✅ Listening on %s\n", cfg.Addr)
	nlog.Info("proxy started", "addr", cfg.Addr, "vertex", cfg.UsesVertex(), "live_model", cfg.LiveModel)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			nlog.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}

	fmt.Println("\n👋 Shutting down...")
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("shutdown", "error", err)
	}
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) { set = set || f.Name == name })
	return set
}
