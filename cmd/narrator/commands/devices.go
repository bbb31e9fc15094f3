package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-narrator/pkg/audioio"
	"github.com/teslashibe/go-narrator/pkg/camera"
	"github.com/teslashibe/go-narrator/pkg/camera/cvcam"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List camera devices, camera presets and audio backends",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			devices, err := cvcam.New().Devices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("📷 No cameras found")
			}
			for _, d := range devices {
				fmt.Printf("📷 %d  %s\n", d.Index, d.Name)
			}

			fmt.Printf("🎛️  Camera presets: %s\n", strings.Join(camera.PresetNames(), ", "))

			backends := []string{string(audioio.BackendAuto)}
			for _, b := range audioio.AvailableBackends() {
				backends = append(backends, string(b))
			}
			backends = append(backends, string(audioio.BackendRTP))
			fmt.Printf("🔊 Audio backends: %s\n", strings.Join(backends, ", "))
			return nil
		},
	}
}
