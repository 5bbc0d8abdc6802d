package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hoosegow/pkg/api"
	"github.com/cuemby/hoosegow/pkg/events"
	"github.com/cuemby/hoosegow/pkg/hoosegow"
	"github.com/cuemby/hoosegow/pkg/log"
)

var benchCmd = &cobra.Command{
	Use:   "bench METHOD [ARG...]",
	Short: "Time repeated calls of an inmate method",
	Long: `Call an inmate method repeatedly and report latency percentiles.

With prestart enabled only the first call pays for container creation;
compare with --no-prestart to see the difference.

Examples:
  # Ten calls, exposing /metrics while running
  hoosegow bench reverse foobar --count 10 --metrics-addr 127.0.0.1:9090`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntP("count", "n", 10, "Number of sequential calls")
	benchCmd.Flags().String("metrics-addr", "", "Serve /health, /ready and /metrics on this address")
	benchCmd.Flags().Bool("wait", false, "Keep serving metrics after the run until interrupted")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	count, _ := cmd.Flags().GetInt("count")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	wait, _ := cmd.Flags().GetBool("wait")
	if count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	method := args[0]
	callArgs := parseArgs(args[1:])

	s, err := newSession(false)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	sub := s.events.Subscribe()
	defer s.events.Unsubscribe(sub)
	go logEvents(sub)

	if metricsAddr != "" {
		var prober api.Prober
		if s.hoosegow.Mode() == hoosegow.ModeProxy {
			prober = s.hoosegow
		}
		var ledger api.Ledger
		if s.store != nil {
			ledger = s.store
		}
		server := api.NewHealthServer(Version, prober, ledger)
		go func() {
			if err := server.Start(metricsAddr); err != nil {
				log.Logger.Error().Err(err).Str("addr", metricsAddr).Msg("Metrics server failed")
			}
		}()
		defer server.Shutdown(context.WithoutCancel(ctx))
		log.Logger.Info().Str("addr", metricsAddr).Msg("Serving metrics")
	}

	if s.hoosegow.Mode() == hoosegow.ModeProxy {
		if cfg.Image.Name == "" {
			if _, err := s.hoosegow.BuildImage(ctx, nil); err != nil {
				return fmt.Errorf("failed to build image: %w", err)
			}
		}
		if err := s.hoosegow.Prestart(ctx); err != nil {
			return fmt.Errorf("failed to prestart: %w", err)
		}
	}

	durations := make([]time.Duration, 0, count)
	failures := 0
	for i := 0; i < count; i++ {
		start := time.Now()
		_, err := s.hoosegow.Call(ctx, method, callArgs, nil)
		durations = append(durations, time.Since(start))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			log.Logger.Warn().Err(err).Int("call", i+1).Msg("Call failed")
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Calls:    %d (%d failed)\n", count, failures)
	fmt.Fprintf(out, "First:    %v\n", durations[0].Round(time.Microsecond))
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	fmt.Fprintf(out, "p50:      %v\n", percentile(durations, 50).Round(time.Microsecond))
	fmt.Fprintf(out, "p90:      %v\n", percentile(durations, 90).Round(time.Microsecond))
	fmt.Fprintf(out, "Max:      %v\n", durations[len(durations)-1].Round(time.Microsecond))

	if wait && metricsAddr != "" {
		fmt.Fprintln(out, "Serving metrics. Press Ctrl+C to stop.")
		<-ctx.Done()
	}
	return nil
}

// percentile returns the p-th percentile of sorted durations.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := (len(sorted)*p + 99) / 100
	if i > 0 {
		i--
	}
	return sorted[i]
}

func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for e := range sub {
		ev := logger.Debug().Str("type", string(e.Type))
		for k, v := range e.Metadata {
			ev = ev.Str(k, v)
		}
		if e.Message != "" {
			ev = ev.Str("message", e.Message)
		}
		ev.Msg("Event")
	}
}
