package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/hoosegow/pkg/bundle"
	"github.com/cuemby/hoosegow/pkg/config"
	"github.com/cuemby/hoosegow/pkg/events"
	"github.com/cuemby/hoosegow/pkg/hoosegow"
	"github.com/cuemby/hoosegow/pkg/log"
	"github.com/cuemby/hoosegow/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hoosegow",
	Short: "Hoosegow - run untrusted methods in disposable containers",
	Long: `Hoosegow calls named inmate methods inside throwaway Docker
containers and relays their output, progress, return values and errors
back to the caller as if the call had been local.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// cfg is loaded once per invocation by setup.
var cfg *config.Config

func init() {
	rootCmd.SetVersionTemplate(versionString())

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "YAML configuration file")
	flags.String("endpoint", "", "Docker endpoint (unix:///path or tcp://host:port)")
	flags.String("image", "", "Image reference (default: derived from the bundle contents)")
	flags.String("state-dir", "", "Directory of the build and call ledger (empty disables it)")
	flags.Bool("development", false, "Call methods in-process instead of in a container")
	flags.Bool("no-prestart", false, "Do not keep a started container ready for the next call")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Log as JSON")

	rootCmd.AddCommand(versionCmd)
}

func versionString() string {
	return fmt.Sprintf("Hoosegow version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), versionString())
	},
}

// setup loads the configuration, applies flag overrides and initializes
// logging. Logs always go to stderr.
func setup(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	loaded, err := config.Load(path)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("endpoint"); v != "" {
		loaded.Docker.Endpoint = v
		loaded.Docker.Socket = ""
		loaded.Docker.Host = ""
		loaded.Docker.Port = 0
	}
	if v, _ := flags.GetString("image"); v != "" {
		loaded.Image.Name = v
	}
	if v, _ := flags.GetString("state-dir"); v != "" {
		loaded.StateDir = v
	}
	if v, _ := flags.GetBool("development"); v {
		loaded.Development = true
	}
	if v, _ := flags.GetBool("no-prestart"); v {
		loaded.Docker.Prestart = false
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		loaded.Log.Level = v
	}
	if v, _ := flags.GetBool("log-json"); v {
		loaded.Log.JSON = true
	}
	if err := loaded.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(loaded.Log.Level),
		JSONOutput: loaded.Log.JSON,
		Output:     os.Stderr,
	})
	cfg = loaded
	return nil
}

// openStore opens the ledger, or returns nil when no state dir is set.
func openStore() (*storage.BoltStore, error) {
	if cfg.StateDir == "" {
		return nil, nil
	}
	store, err := storage.NewBoltStore(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return store, nil
}

// session bundles what a command needs to make calls.
type session struct {
	hoosegow *hoosegow.Hoosegow
	store    *storage.BoltStore
	events   *events.Broker
}

// Close releases the session. Cleanup runs even when ctx is cancelled.
func (s *session) Close(ctx context.Context) {
	s.hoosegow.Close(context.WithoutCancel(ctx))
	s.events.Stop()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Logger.Warn().Err(err).Msg("Failed to close ledger")
		}
	}
}

// newSession builds a Hoosegow from the loaded configuration. The mode
// follows the development setting; forceProxy overrides it.
func newSession(forceProxy bool) (*session, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}
	broker := events.NewBroker()
	broker.Start()

	opts := hoosegow.Options{
		Mode:     hoosegow.ModeProxy,
		Registry: demoRegistry(),
		Image:    cfg.Image.Name,
		Bundle:   bundle.New(cfg.BundleOptions()),
		Events:   broker,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
	if store != nil {
		opts.Store = store
	}
	if cfg.Development && !forceProxy {
		opts.Mode = hoosegow.ModeLocal
	} else {
		driverCfg, err := cfg.DriverConfig()
		if err != nil {
			broker.Stop()
			closeStore(store)
			return nil, err
		}
		opts.DriverConfig = driverCfg
	}

	h, err := hoosegow.New(opts)
	if err != nil {
		broker.Stop()
		closeStore(store)
		return nil, err
	}
	return &session{hoosegow: h, store: store, events: broker}, nil
}

func closeStore(store *storage.BoltStore) {
	if store != nil {
		store.Close()
	}
}
