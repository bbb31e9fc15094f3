package audioio

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestFFmpegSource_Args(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InputFormat = "alsa"
	cfg.Device = "hw:1,0"

	args := NewFFmpegSource(cfg, nil).args()
	want := []string{"-f", "alsa", "-i", "hw:1,0", "-ac", "1", "-ar", "16000", "-f", "s16le", "-"}
	got := args[len(args)-len(want):]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("args = %v, want suffix %v", args, want)
		}
	}
}

// fakeFFmpeg writes a script that emits two 20ms chunks of silence and then idles.
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nhead -c 1280 /dev/zero\nexec sleep 5\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFFmpegSource_ReadsChunks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Command = fakeFFmpeg(t)

	src := NewFFmpegSource(cfg, nil)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		chunk, err := src.Read(ctx)
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if len(chunk.Samples) != 320 {
			t.Errorf("chunk %d has %d samples, want 320", i, len(chunk.Samples))
		}
	}

	if err := src.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if stats := src.Stats(); stats.Running || stats.ChunksRead != 2 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestFFmpegSource_EarlyExit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Command = "false"
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}

	src := NewFFmpegSource(cfg, nil)
	if err := src.Start(context.Background()); err == nil {
		t.Fatal("expected an error when ffmpeg exits during warm-up")
	}
}
