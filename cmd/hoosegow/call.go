package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call METHOD [ARG...]",
	Short: "Call an inmate method",
	Long: `Call an inmate method and print its return value as JSON.

Each argument is parsed as JSON; anything that is not valid JSON is passed
as a string. Yielded values are printed as they arrive.

Examples:
  # Reverse a string inside a container
  hoosegow call reverse foobar

  # Count to five in-process
  hoosegow --development call count 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

func init() {
	callCmd.Flags().Bool("build", true, "Build the image first if it does not exist")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	method := args[0]
	callArgs := parseArgs(args[1:])

	s, err := newSession(false)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	if build, _ := cmd.Flags().GetBool("build"); build && !cfg.Development && cfg.Image.Name == "" {
		if _, err := s.hoosegow.BuildImage(ctx, nil); err != nil {
			return fmt.Errorf("failed to build image: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	result, err := s.hoosegow.Call(ctx, method, callArgs, func(values ...any) error {
		return printJSON(out, "yield: ", values)
	})
	if err != nil {
		return err
	}
	return printJSON(out, "", result)
}

// parseArgs decodes each argument as JSON, falling back to the raw string.
// Numbers without a fraction become int64.
func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, r := range raw {
		dec := json.NewDecoder(strings.NewReader(r))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil || dec.More() {
			args = append(args, r)
			continue
		}
		args = append(args, normalize(v))
	}
	return args
}

func normalize(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case []any:
		for i := range val {
			val[i] = normalize(val[i])
		}
		return val
	case map[string]any:
		for k := range val {
			val[k] = normalize(val[k])
		}
		return val
	default:
		return v
	}
}

func printJSON(w io.Writer, prefix string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		// Values such as raw byte strings have no faithful JSON form.
		_, err = fmt.Fprintf(w, "%s%v\n", prefix, v)
		return err
	}
	_, err = fmt.Fprintf(w, "%s%s\n", prefix, data)
	return err
}
