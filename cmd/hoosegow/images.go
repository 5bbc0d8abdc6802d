package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List images and calls recorded in the ledger",
	Long: `List the images hoosegow has built, newest first. With --calls, list
the most recent calls instead. Requires --state-dir or state_dir.`,
	Args: cobra.NoArgs,
	RunE: runImages,
}

func init() {
	imagesCmd.Flags().Int("calls", 0, "List this many recent calls instead of images")
	imagesCmd.Flags().Int("prune", 0, "Keep only this many recent calls")
	rootCmd.AddCommand(imagesCmd)
}

func runImages(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("no ledger configured (set --state-dir)")
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if keep, _ := cmd.Flags().GetInt("prune"); keep > 0 {
		n, err := store.PruneCalls(keep)
		if err != nil {
			return fmt.Errorf("failed to prune calls: %w", err)
		}
		fmt.Fprintf(out, "✓ Pruned %d calls\n", n)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if limit, _ := cmd.Flags().GetInt("calls"); limit > 0 {
		calls, err := store.ListCalls(limit)
		if err != nil {
			return fmt.Errorf("failed to list calls: %w", err)
		}
		fmt.Fprintln(w, "ID\tMETHOD\tOUTCOME\tYIELDS\tDURATION\tCONTAINER\tSTARTED")
		for _, c := range calls {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%s\t%s\n",
				shortID(c.ID), c.Method, c.Outcome, c.Yields,
				c.Duration.Round(time.Millisecond), shortID(c.ContainerID),
				c.StartedAt.Format(time.RFC3339))
		}
		return nil
	}

	images, err := store.ListImages()
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	fmt.Fprintln(w, "REFERENCE\tFILES\tSTATUS\tBUILT")
	for _, img := range images {
		status := "built"
		switch {
		case img.BuildError != "":
			status = "failed"
		case img.Skipped:
			status = "existing"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", img.Reference, img.Files, status, img.BuiltAt.Format(time.RFC3339))
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
