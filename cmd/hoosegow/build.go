package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/hoosegow/pkg/docker"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the sandbox image",
	Long: `Build the sandbox image from the configured bundle.

The image is named after the sha1 of the bundle contents, so the build is
skipped when an image with the same contents already exists.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().BoolP("quiet", "q", false, "Only print the image reference")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	quiet, _ := cmd.Flags().GetBool("quiet")

	s, err := newSession(true)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	out := cmd.OutOrStdout()
	var progress func(docker.BuildMessage)
	if !quiet {
		progress = func(m docker.BuildMessage) {
			switch {
			case m.Stream != "":
				fmt.Fprint(out, m.Stream)
			case m.Status != "":
				fmt.Fprintln(out, strings.TrimSpace(m.Status+" "+m.Progress))
			}
		}
	}

	record, err := s.hoosegow.BuildImage(ctx, progress)
	if err != nil {
		return err
	}
	if quiet {
		fmt.Fprintln(out, record.Reference)
		return nil
	}
	if record.Skipped {
		fmt.Fprintf(out, "✓ Image already exists: %s\n", record.Reference)
	} else {
		fmt.Fprintf(out, "✓ Image built: %s (%d files)\n", record.Reference, record.Files)
	}
	return nil
}
