package audioio

import (
	"context"
	"io"
	"testing"
	"time"
)

func TestMockSource_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferDuration = 10 * time.Millisecond

	src := NewMockSource(cfg, nil)
	defer src.Close()

	ctx := context.Background()

	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := src.Start(ctx); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}
}

func TestMockSource_SineWave(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferDuration = 10 * time.Millisecond

	src := NewMockSource(cfg, nil, WithSineWave(440, 0.5))
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	chunk, err := src.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if want := cfg.BufferSize() * cfg.Channels; len(chunk.Samples) != want {
		t.Errorf("Expected %d samples, got %d", want, len(chunk.Samples))
	}

	hasNonZero := false
	for _, s := range chunk.Samples {
		if s != 0 {
			hasNonZero = true
			break
		}
	}
	if !hasNonZero {
		t.Error("Expected non-zero samples from sine wave generator")
	}
}

func TestMockSource_ScriptedPush(t *testing.T) {
	src := NewMockSource(DefaultConfig(), nil, WithScripted())
	defer src.Close()

	if src.Push(AudioChunk{}) {
		t.Error("Push before Start should be rejected")
	}

	ctx := context.Background()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	want := AudioChunk{Samples: []int16{1, 2, 3}, SampleRate: 16000, Channels: 1}
	if !src.Push(want) {
		t.Fatal("Push failed")
	}

	got, err := src.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got.Samples) != 3 || got.Samples[2] != 3 {
		t.Errorf("Read = %v, want %v", got.Samples, want.Samples)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := src.Read(ctx); err != io.EOF {
		t.Errorf("Read after Stop = %v, want io.EOF", err)
	}
}

func TestMockSource_Close(t *testing.T) {
	src := NewMockSource(DefaultConfig(), nil)

	ctx := context.Background()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := src.Start(ctx); err != io.ErrClosedPipe {
		t.Errorf("Expected ErrClosedPipe after close, got: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
}

func TestMockSink_WriteFlushClear(t *testing.T) {
	sink := NewMockSink(DefaultPlaybackConfig(), nil)
	defer sink.Close()

	ctx := context.Background()

	if err := sink.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	chunk := AudioChunk{Samples: make([]int16, 480), SampleRate: 24000, Channels: 1}

	if err := sink.Write(ctx, chunk); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := len(sink.Buffered()); got != 1 {
		t.Errorf("Expected 1 buffered chunk, got %d", got)
	}
	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := sink.Write(ctx, chunk); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := sink.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	stats := sink.Stats()
	if stats.ChunksWritten != 2 {
		t.Errorf("Expected 2 chunks written, got %d", stats.ChunksWritten)
	}
	if stats.Clears != 1 {
		t.Errorf("Expected 1 clear, got %d", stats.Clears)
	}
	if stats.BufferedSamples != 0 {
		t.Errorf("Expected empty buffer after Clear, got %d samples", stats.BufferedSamples)
	}
}

func TestMockSink_NotRunning(t *testing.T) {
	sink := NewMockSink(DefaultPlaybackConfig(), nil)
	defer sink.Close()

	chunk := AudioChunk{Samples: make([]int16, 480), SampleRate: 24000, Channels: 1}
	if err := sink.Write(context.Background(), chunk); err == nil {
		t.Error("Expected error when writing to non-running sink")
	}
}

func TestAudioChunk_Bytes(t *testing.T) {
	chunk := AudioChunk{Samples: []int16{0x0102, 0x0304, -1}, SampleRate: 24000, Channels: 1}

	b := chunk.Bytes()
	if len(b) != 6 {
		t.Fatalf("Expected 6 bytes, got %d", len(b))
	}
	if b[0] != 0x02 || b[1] != 0x01 {
		t.Errorf("First sample not little-endian: %v", b[0:2])
	}
	if b[4] != 0xFF || b[5] != 0xFF {
		t.Errorf("Negative sample encoded incorrectly: %v", b[4:6])
	}

	var back AudioChunk
	back.FromBytes(b, 24000, 1)
	if back.Samples[0] != 0x0102 || back.Samples[2] != -1 {
		t.Errorf("FromBytes = %v", back.Samples)
	}
}

func TestAudioChunk_Duration(t *testing.T) {
	chunk := AudioChunk{Samples: make([]int16, 480), SampleRate: 24000, Channels: 1}
	if got := chunk.Duration(); got != 20*time.Millisecond {
		t.Errorf("Duration = %v, want 20ms", got)
	}

	stereo := AudioChunk{Samples: make([]int16, 960), SampleRate: 24000, Channels: 2}
	if got := stereo.Duration(); got != 20*time.Millisecond {
		t.Errorf("stereo Duration = %v, want 20ms", got)
	}
}
