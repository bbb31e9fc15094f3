// Package debug holds the verbose printf channels used alongside slog for
// high-rate traces that would drown structured logs.
package debug

import "fmt"

// Enabled turns on Log output. Set from the --debug flag or NARRATOR_DEBUG.
var Enabled bool

// Frames turns on per-frame traces: camera frames and playback segments.
// Very verbose; set from --debug-frames.
var Frames bool

// Log prints when Enabled is set.
func Log(format string, args ...interface{}) {
	if Enabled {
		fmt.Printf(format, args...)
	}
}

// FrameLog prints when Frames is set.
func FrameLog(format string, args ...interface{}) {
	if Frames {
		fmt.Printf(format, args...)
	}
}
