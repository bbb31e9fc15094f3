package camera

// Preset names for common configurations
const (
	PresetDefault      = "default"
	PresetLowBandwidth = "low_bandwidth"
	PresetDetail       = "detail"
	PresetNight        = "night"
)

// Presets returns all available preset configurations.
func Presets() map[string]Config {
	return map[string]Config{
		PresetDefault:      DefaultConfig(),
		PresetLowBandwidth: LowBandwidthConfig(),
		PresetDetail:       DetailConfig(),
		PresetNight:        NightConfig(),
	}
}

// PresetNames returns the list of available preset names.
func PresetNames() []string {
	return []string{PresetDefault, PresetLowBandwidth, PresetDetail, PresetNight}
}

// GetPreset returns a preset config by name, or nil if not found.
func GetPreset(name string) *Config {
	if cfg, ok := Presets()[name]; ok {
		return &cfg
	}
	return nil
}

// LowBandwidthConfig shrinks frames for metered connections.
func LowBandwidthConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 640
	cfg.Height = 480
	cfg.MaxWidth = 480
	cfg.LiveMaxWidth = 240
	cfg.Quality = 45
	return cfg
}

// DetailConfig sends larger frames so small text and signs survive.
func DetailConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 1920
	cfg.Height = 1080
	cfg.MaxWidth = 1024
	cfg.Quality = 75
	return cfg
}

// NightConfig trades frame rate for exposure time.
func NightConfig() Config {
	cfg := DefaultConfig()
	cfg.Framerate = 15
	cfg.Quality = 70
	return cfg
}
