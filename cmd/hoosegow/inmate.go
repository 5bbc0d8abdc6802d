package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cuemby/hoosegow/pkg/inmate"
	"github.com/cuemby/hoosegow/pkg/log"
	"github.com/cuemby/hoosegow/pkg/protocol"
)

// sideChannelEnv names the descriptor the entrypoint hands to its child.
const sideChannelEnv = "HOOSEGOW_SIDECHANNEL_FD"

var inmateCmd = &cobra.Command{
	Use:   "inmate",
	Short: "Serve one call inside the sandbox",
	Long: `Read one dispatch message from stdin, call the method and write the
response messages to the side channel.

Without a side channel descriptor, the process's own stdout becomes the
side channel and anything the method prints is captured and sent as stdout
messages. With --sidechannel-fd (or ` + sideChannelEnv + `), responses go
to that descriptor and stdout is left alone for the entrypoint to combine.`,
	Args: cobra.NoArgs,
	RunE: runInmate,
}

func init() {
	inmateCmd.Flags().Int("sidechannel-fd", 0, "Descriptor for response messages (default: captured stdout)")
	rootCmd.AddCommand(inmateCmd)
}

func runInmate(cmd *cobra.Command, args []string) error {
	fd, _ := cmd.Flags().GetInt("sidechannel-fd")
	if fd == 0 {
		if v := os.Getenv(sideChannelEnv); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", sideChannelEnv, err)
			}
			fd = n
		}
	}

	opts := protocol.RunnerOptions{
		Load: func() (inmate.Inmate, error) {
			return demoInmate(), nil
		},
		Stdin:  os.Stdin,
		Logger: log.WithComponent("inmate"),
	}

	if fd > 0 {
		side := os.NewFile(uintptr(fd), "sidechannel")
		if side == nil {
			return fmt.Errorf("invalid side channel descriptor %d", fd)
		}
		defer side.Close()
		opts.SideChannel = side
	} else {
		capture, err := protocol.CaptureStdout()
		if err != nil {
			return fmt.Errorf("failed to capture stdout: %w", err)
		}
		defer capture.Close()
		opts.SideChannel = capture.Original()
		opts.Capture = capture
	}

	return protocol.NewRunner(opts).Run(cmd.Context())
}
