package camera

import (
	"context"
	"errors"
	"fmt"
)

// Facing selects the front (user) or back (environment) camera.
type Facing string

const (
	FacingFront Facing = "front"
	FacingBack  Facing = "back"
)

// Opposite returns the other facing mode.
func (f Facing) Opposite() Facing {
	if f == FacingBack {
		return FacingFront
	}
	return FacingBack
}

// ErrorKind classifies acquisition failures.
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission-denied"
	KindDeviceNotFound   ErrorKind = "device-not-found"
	KindGeneric          ErrorKind = "generic"
)

// Sentinel errors returned by Openers. The adapter maps them to an ErrorKind.
var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrDeviceNotFound   = errors.New("camera device not found")
	ErrTorchUnsupported = errors.New("torch not supported")
	ErrNotActive        = errors.New("camera not active")
)

// Error is an acquisition failure recorded in State.
type Error struct {
	Kind ErrorKind `json:"kind"`
	Err  error     `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("camera %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the text shown or spoken to the user.
func (e *Error) Message() string {
	switch e.Kind {
	case KindPermissionDenied:
		return "Camera access was denied. Please allow camera access and try again."
	case KindDeviceNotFound:
		return "No camera was found on this device."
	default:
		return "The camera could not be started."
	}
}

// Classify maps an opener error onto a typed *Error.
func Classify(err error) *Error {
	var camErr *Error
	if errors.As(err, &camErr) {
		return camErr
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return &Error{Kind: KindPermissionDenied, Err: err}
	case errors.Is(err, ErrDeviceNotFound):
		return &Error{Kind: KindDeviceNotFound, Err: err}
	default:
		return &Error{Kind: KindGeneric, Err: err}
	}
}

// State is the observable camera state.
type State struct {
	Active             bool   `json:"active"`
	Facing             Facing `json:"facing_mode"`
	HasMultipleCameras bool   `json:"has_multiple_cameras"`
	HasTorch           bool   `json:"has_torch"`
	TorchOn            bool   `json:"torch_on"`
	LastError          *Error `json:"last_error,omitempty"`
}

// Frame is an encoded still ready for the wire.
type Frame struct {
	Data     string // base64
	MimeType string
	Width    int
	Height   int
	Raw      []byte // the encoded JPEG
}

// DeviceInfo describes an enumerated capture device.
type DeviceInfo struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Stream is one acquired capture stream. Closing it releases the device.
type Stream interface {
	// Live reports whether the stream still delivers frames.
	Live() bool

	// Capture grabs the current frame, scales it to at most maxWidth
	// pixels wide and JPEG-encodes it at quality (1-100).
	Capture(maxWidth, quality int) (jpeg []byte, width, height int, err error)

	// HasTorch reports the torch capability probed at open time.
	HasTorch() bool

	// SetTorch switches the torch.
	SetTorch(on bool) error

	Close() error
}

// Opener acquires streams from hardware.
type Opener interface {
	Open(ctx context.Context, facing Facing, cfg Config) (Stream, error)
	Devices() ([]DeviceInfo, error)
}
