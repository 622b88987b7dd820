package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/drblury/chirpflow/internal/runtime"
	configpkg "github.com/drblury/chirpflow/internal/runtime/config"
	"github.com/drblury/chirpflow/internal/runtime/logging"
	// Registers every built-in broadcast transport.
	_ "github.com/drblury/chirpflow/transport/transports"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr        string
	Store       string
	PubSub      string
	MetricsPort int
	SeedFile    string
}

// startService is swapped in tests.
var startService = func(ctx context.Context, conf *configpkg.Config, log logging.ServiceLogger) error {
	svc, err := runtime.NewService(ctx, conf, log, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a delivery instance",
		Long: `Run one delivery instance: the WebSocket endpoint, the SSE stream, the
catch-up endpoint and the broadcast listener.

Example:
  CHIRPFLOW_JWT_SECRET=dev chirpflow serve --store memory --pubsub channel
  chirpflow serve --addr :9000 --metrics-port 9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&opts.Store, "store", "", "shared store backend (redis|postgres|memory)")
	cmd.Flags().StringVar(&opts.PubSub, "pubsub", "", "broadcast transport (redis|channel|nats|kafka|rabbitmq|aws)")
	cmd.Flags().IntVar(&opts.MetricsPort, "metrics-port", 0, "dedicated port for /metrics and /stats")
	cmd.Flags().StringVar(&opts.SeedFile, "seed", "", "YAML file seeding the in-memory directory")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	conf, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		conf.HTTPAddr = opts.Addr
	}
	if flags.Changed("store") {
		conf.StoreBackend = opts.Store
	}
	if flags.Changed("pubsub") {
		conf.PubSubSystem = opts.PubSub
	}
	if flags.Changed("metrics-port") {
		conf.MetricsPort = opts.MetricsPort
	}
	if flags.Changed("seed") {
		conf.DirectorySeedFile = opts.SeedFile
	}

	log, err := logging.New(cmd.ErrOrStderr(), conf.LogFormat, conf.LogLevel)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid logging configuration", err)
	}
	if err := configpkg.ValidateConfig(conf); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	if err := startService(cmd.Context(), conf, log); err != nil {
		return WrapExitError(ExitFailure, "delivery service failed", err)
	}
	return nil
}

// loadConfig reads the environment and applies the global flags.
func loadConfig(opts *RootOptions) (*configpkg.Config, error) {
	conf, err := configpkg.Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if opts.LogLevel != "" {
		conf.LogLevel = opts.LogLevel
	}
	if opts.LogFormat != "" {
		conf.LogFormat = opts.LogFormat
	}
	return conf, nil
}
