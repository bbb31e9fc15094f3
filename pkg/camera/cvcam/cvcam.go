// Package cvcam opens capture devices through OpenCV.
package cvcam

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-narrator/pkg/camera"
)

// Opener acquires OpenCV VideoCapture devices.
type Opener struct{}

// New returns an OpenCV-backed opener.
func New() *Opener { return &Opener{} }

// Open maps the facing mode onto a device index from cfg and opens it.
func (o *Opener) Open(ctx context.Context, facing camera.Facing, cfg camera.Config) (camera.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	index := cfg.BackDevice
	if facing == camera.FacingFront {
		index = cfg.FrontDevice
	}

	if err := checkDevice(index); err != nil {
		return nil, err
	}

	capture, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("open device %d: %w", index, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("device %d: %w", index, camera.ErrDeviceNotFound)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	capture.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))

	return &Stream{capture: capture, frame: gocv.NewMat()}, nil
}

// Devices lists /dev/video* nodes on Linux. Other platforms report a
// single default device.
func (o *Opener) Devices() ([]camera.DeviceInfo, error) {
	if runtime.GOOS != "linux" {
		return []camera.DeviceInfo{{Index: 0, Name: "default"}}, nil
	}

	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	devices := make([]camera.DeviceInfo, 0, len(matches))
	for _, path := range matches {
		var idx int
		if _, err := fmt.Sscanf(filepath.Base(path), "video%d", &idx); err != nil {
			continue
		}
		devices = append(devices, camera.DeviceInfo{Index: idx, Name: path})
	}
	return devices, nil
}

// checkDevice turns the device node's stat/open errors into camera
// sentinels. OpenCV itself only reports "not opened".
func checkDevice(index int) error {
	if runtime.GOOS != "linux" {
		return nil
	}
	path := fmt.Sprintf("/dev/video%d", index)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	switch {
	case err == nil:
		f.Close()
		return nil
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%s: %w", path, camera.ErrDeviceNotFound)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%s: %w", path, camera.ErrPermissionDenied)
	default:
		return fmt.Errorf("%s: %w", path, err)
	}
}

// Stream is an open VideoCapture. USB webcams expose no torch control.
type Stream struct {
	mu      sync.Mutex
	capture *gocv.VideoCapture
	frame   gocv.Mat
	closed  bool
}

// Live reports whether the device is still open.
func (s *Stream) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.capture.IsOpened()
}

// Capture reads one frame, scales it down to maxWidth and encodes JPEG.
func (s *Stream) Capture(maxWidth, quality int) ([]byte, int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, 0, 0, camera.ErrNotActive
	}
	if ok := s.capture.Read(&s.frame); !ok || s.frame.Empty() {
		return nil, 0, 0, errors.New("no frame available")
	}

	img := s.frame
	if maxWidth > 0 && s.frame.Cols() > maxWidth {
		scale := float64(maxWidth) / float64(s.frame.Cols())
		scaled := gocv.NewMat()
		defer scaled.Close()
		gocv.Resize(s.frame, &scaled, image.Point{}, scale, scale, gocv.InterpolationArea)
		img = scaled
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, 0, 0, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	data := append([]byte(nil), buf.GetBytes()...)
	return data, img.Cols(), img.Rows(), nil
}

// HasTorch always reports false.
func (s *Stream) HasTorch() bool { return false }

// SetTorch is unsupported.
func (s *Stream) SetTorch(on bool) error { return camera.ErrTorchUnsupported }

// Close releases the device.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.frame.Close()
	return s.capture.Close()
}
