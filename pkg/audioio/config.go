// Package audioio provides microphone capture, speaker playback and the PCM
// codec helpers used on the live dialogue wire.
//
// Backends:
//   - ffmpeg - microphone capture through an ffmpeg subprocess
//   - exec   - playback by piping PCM into aplay/ffplay
//   - mock   - CI/Testing without hardware
//
// The RTP/Opus sink lives in the rtpsink subpackage so the cgo libopus
// dependency stays out of this package.
package audioio

import (
	"fmt"
	"runtime"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects ffmpeg for capture and exec for playback.
	BackendAuto Backend = "auto"
	// BackendFFmpeg captures through an ffmpeg subprocess.
	BackendFFmpeg Backend = "ffmpeg"
	// BackendExec plays by piping raw PCM into a player command.
	BackendExec Backend = "exec"
	// BackendRTP streams playback as Opus over RTP (see rtpsink).
	BackendRTP Backend = "rtp"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Config holds audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	Backend Backend `yaml:"backend" json:"backend"`

	// SampleRate is the audio sample rate in Hz.
	// Capture defaults to 16000, playback to 24000.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of audio channels.
	// Default: 1 (mono)
	Channels int `yaml:"channels" json:"channels"`

	// BufferDuration is the size of audio buffers.
	// Default: 20ms
	BufferDuration time.Duration `yaml:"buffer_duration" json:"buffer_duration"`

	// Device is the platform-specific device identifier.
	// Examples:
	//   - ffmpeg/pulse: "default"
	//   - ffmpeg/avfoundation: ":0"
	//   - exec/aplay: "plughw:1,0"
	Device string `yaml:"device" json:"device"`

	// InputFormat is the ffmpeg input format (pulse, alsa, avfoundation).
	// Empty selects one for the platform.
	InputFormat string `yaml:"input_format" json:"input_format"`

	// Command overrides the subprocess binary (ffmpeg, aplay, ffplay).
	Command string `yaml:"command" json:"command"`

	// RTPAddr is the UDP destination for the rtp backend ("host:port").
	RTPAddr string `yaml:"rtp_addr" json:"rtp_addr"`
}

// DefaultConfig returns a Config with sensible defaults for capture.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendAuto,
		SampleRate:     InputSampleRate,
		Channels:       1,
		BufferDuration: 20 * time.Millisecond,
	}
}

// DefaultPlaybackConfig returns the playback defaults (24kHz mono).
func DefaultPlaybackConfig() Config {
	cfg := DefaultConfig()
	cfg.SampleRate = OutputSampleRate
	return cfg
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.BufferDuration <= 0 {
		return fmt.Errorf("buffer_duration must be positive, got %v", c.BufferDuration)
	}
	if c.Backend == BackendRTP && c.RTPAddr == "" {
		return fmt.Errorf("rtp_addr is required for the rtp backend")
	}
	return nil
}

// BufferSize returns the number of samples per buffer.
func (c *Config) BufferSize() int {
	return int(float64(c.SampleRate) * c.BufferDuration.Seconds())
}

// BufferBytes returns the size of a buffer in bytes (assuming int16 samples).
func (c *Config) BufferBytes() int {
	return c.BufferSize() * c.Channels * 2
}

// inputFormat picks the ffmpeg capture format for the platform.
func (c *Config) inputFormat() (format, device string) {
	format, device = c.InputFormat, c.Device
	if format == "" {
		switch runtime.GOOS {
		case "darwin":
			format = "avfoundation"
		default:
			format = "pulse"
		}
	}
	if device == "" {
		if format == "avfoundation" {
			device = ":0"
		} else {
			device = "default"
		}
	}
	return format, device
}
