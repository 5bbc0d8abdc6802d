package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/cuemby/hoosegow/pkg/log"
	"github.com/cuemby/hoosegow/pkg/protocol"
)

var entrypointCmd = &cobra.Command{
	Use:   "entrypoint -- COMMAND [ARG...]",
	Short: "Run an inmate and merge its stdout with its side channel",
	Long: `Run COMMAND with the side channel on descriptor 3 and write one
combined message stream to stdout. Bytes the command prints on its stdout
are wrapped as stdout messages; side channel messages are forwarded as is.

Examples:
  # Container entrypoint for an image whose inmate prints freely
  hoosegow entrypoint -- hoosegow inmate`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEntrypoint,
}

func init() {
	rootCmd.AddCommand(entrypointCmd)
}

func runEntrypoint(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := log.WithComponent("entrypoint")

	sideR, sideW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create side channel: %w", err)
	}
	defer sideR.Close()
	outR, outW, err := os.Pipe()
	if err != nil {
		sideW.Close()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	defer outR.Close()

	child := exec.CommandContext(ctx, args[0], args[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = outW
	child.Stderr = os.Stderr
	// ExtraFiles[0] is descriptor 3 in the child.
	child.ExtraFiles = []*os.File{sideW}
	child.Env = append(os.Environ(), sideChannelEnv+"=3")

	err = child.Start()
	outW.Close()
	sideW.Close()
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", args[0], err)
	}
	logger.Debug().Int("pid", child.Process.Pid).Strs("command", args).Msg("Inmate started")

	combineErr := protocol.Combine(ctx, cmd.OutOrStdout(), outR, sideR)
	// Unblock a child still writing if combining stopped early.
	outR.Close()
	sideR.Close()
	waitErr := child.Wait()

	if combineErr != nil {
		return fmt.Errorf("failed to combine output: %w", combineErr)
	}
	if waitErr != nil {
		return fmt.Errorf("inmate failed: %w", waitErr)
	}
	return nil
}
