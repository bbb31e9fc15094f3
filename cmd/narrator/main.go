// Narrator - voice and vision assistant for blind and low-vision users.
// Streams the microphone and camera to a live model through the proxy and
// narrates the surroundings.
package main

import (
	"fmt"
	"os"

	"github.com/teslashibe/go-narrator/cmd/narrator/commands"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}
