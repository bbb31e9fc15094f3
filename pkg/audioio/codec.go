package audioio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Wire formats of the live dialogue channel.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000

	InputMimeType  = "audio/pcm;rate=16000"
	OutputMimeType = "audio/pcm;rate=24000"
)

// Buffer is decoded audio normalized to [-1, 1].
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Duration returns how long the buffer plays for.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 || b.Channels <= 0 {
		return 0
	}
	frames := len(b.Samples) / b.Channels
	return time.Duration(frames) * time.Second / time.Duration(b.SampleRate)
}

// Chunk converts the buffer back to PCM16 for a Sink.
func (b Buffer) Chunk() AudioChunk {
	return AudioChunk{
		Samples:    Float32ToInt16(b.Samples),
		SampleRate: b.SampleRate,
		Channels:   b.Channels,
	}
}

// NewAudioBuffer decodes mono PCM16 LE bytes at rate into a Buffer.
func NewAudioBuffer(pcm []byte, rate int) Buffer {
	return Buffer{
		Samples:    DecodePCM16(pcm),
		SampleRate: rate,
		Channels:   1,
	}
}

// DecodePCM16 converts PCM16 LE bytes to normalized float samples.
func DecodePCM16(data []byte) []float32 {
	return Int16ToFloat32(BytesToSamples(data))
}

// EncodePCM16 converts normalized float samples to PCM16 LE bytes.
func EncodePCM16(samples []float32) []byte {
	return SamplesToBytes(Float32ToInt16(samples))
}

// BytesToSamples converts raw PCM16 little-endian bytes to int16 samples.
// A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// SamplesToBytes converts int16 samples to raw PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// Int16ToFloat32 normalizes PCM16 samples to [-1, 1).
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToInt16 clamps to [-1, 1] and scales to PCM16.
// Negative values scale by 0x8000 and positive by 0x7FFF so both ends map exactly.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s < 0 {
			out[i] = int16(s * 0x8000)
		} else {
			out[i] = int16(s * 0x7FFF)
		}
	}
	return out
}

// Downsample reduces the sample rate by averaging the source samples that
// fall into each output slot. Rates that would not shrink the signal return a copy.
func Downsample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || toRate >= fromRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	ratio := float64(fromRate) / float64(toRate)
	n := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, n)

	pos := 0
	for i := 0; i < n; i++ {
		next := int(math.Round(float64(i+1) * ratio))
		if next > len(samples) {
			next = len(samples)
		}
		var sum float64
		count := 0
		for ; pos < next; pos++ {
			sum += float64(samples[pos])
			count++
		}
		if count > 0 {
			out[i] = float32(sum / float64(count))
		}
	}
	return out
}

// Resample converts PCM16 audio between rates using linear interpolation.
// It is good enough for speech; playback of 24kHz model audio on a 48kHz
// device goes through it.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	n := int(float64(len(samples)) / ratio)
	out := make([]int16, n)
	last := len(samples) - 1

	for i := range out {
		src := float64(i) * ratio
		idx := int(src)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := src - float64(idx)
		a, b := float64(samples[idx]), float64(samples[idx+1])
		out[i] = int16(a + frac*(b-a))
	}
	return out
}

// EncodeBase64 is the wire encoding for binary payloads.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 reverses EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 audio: %w", err)
	}
	return data, nil
}

// EncodeInput turns a captured chunk into the outbound wire payload:
// mono, downsampled to 16kHz, PCM16 LE, base64.
func EncodeInput(chunk AudioChunk) (data, mimeType string) {
	samples := chunk.Samples
	if chunk.Channels == 2 {
		samples = StereoToMono(samples)
	}
	floats := Int16ToFloat32(samples)
	if chunk.SampleRate != InputSampleRate {
		floats = Downsample(floats, chunk.SampleRate, InputSampleRate)
	}
	return EncodeBase64(SamplesToBytes(Float32ToInt16(floats))), InputMimeType
}

// DecodeOutput decodes an inbound inline audio payload into a normalized
// buffer. The rate comes from the mime type and defaults to 24kHz.
func DecodeOutput(data, mimeType string) (Buffer, error) {
	raw, err := DecodeBase64(data)
	if err != nil {
		return Buffer{}, err
	}
	return NewAudioBuffer(raw, ParseRate(mimeType, OutputSampleRate)), nil
}

// ParseRate extracts the "rate=" parameter from an audio mime type.
func ParseRate(mimeType string, def int) int {
	for _, part := range strings.Split(mimeType, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "rate="); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return def
}

// StereoToMono averages interleaved stereo samples to mono.
func StereoToMono(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		mono[i] = int16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
	}
	return mono
}

// CalculateRMS calculates the root mean square of samples in [0, 1].
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
