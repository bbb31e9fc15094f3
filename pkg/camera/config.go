// Package camera is the media capture adapter: it owns the camera stream,
// facing-mode switching, torch control and JPEG frame extraction.
package camera

// Config holds camera acquisition and frame-encoding parameters.
// It can be changed at runtime through Adapter.UpdateConfig.
type Config struct {
	// Capture resolution requested from the device.
	Width     int `yaml:"width" json:"width"`
	Height    int `yaml:"height" json:"height"`
	Framerate int `yaml:"framerate" json:"framerate"`

	// MaxWidth caps frames handed to scene analysis.
	MaxWidth int `yaml:"max_width" json:"max_width"`

	// LiveMaxWidth caps the 5 fps frames streamed into the live dialogue.
	LiveMaxWidth int `yaml:"live_max_width" json:"live_max_width"`

	// Quality is the JPEG quality, 1-100.
	Quality int `yaml:"quality" json:"quality"`

	// FrontDevice and BackDevice map facing modes to device indices.
	// BackDevice < 0 means the back camera is the front one.
	FrontDevice int `yaml:"front_device" json:"front_device"`
	BackDevice  int `yaml:"back_device" json:"back_device"`
}

// Limits.
const (
	MinWidth   = 160
	MaxWidth   = 3840
	MaxQuality = 100
)

// DefaultConfig returns the configuration used by the device app.
func DefaultConfig() Config {
	return Config{
		Width:        1280,
		Height:       720,
		Framerate:    30,
		MaxWidth:     640,
		LiveMaxWidth: 320,
		Quality:      60,
		FrontDevice:  0,
		BackDevice:   1,
	}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	if c.Width < MinWidth || c.Width > MaxWidth {
		errors = append(errors, "width must be between 160 and 3840")
	}
	if c.Height < 120 || c.Height > 2160 {
		errors = append(errors, "height must be between 120 and 2160")
	}
	if c.Framerate < 1 || c.Framerate > 120 {
		errors = append(errors, "framerate must be between 1 and 120")
	}
	if c.MaxWidth < MinWidth || c.MaxWidth > c.Width {
		errors = append(errors, "max_width must be between 160 and width")
	}
	if c.LiveMaxWidth < MinWidth || c.LiveMaxWidth > c.Width {
		errors = append(errors, "live_max_width must be between 160 and width")
	}
	if c.Quality < 1 || c.Quality > MaxQuality {
		errors = append(errors, "quality must be between 1 and 100")
	}
	if c.FrontDevice < 0 {
		errors = append(errors, "front_device must be a device index")
	}

	return errors
}
