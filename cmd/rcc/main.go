// Command rcc runs the Radio Control Container: the HTTP command API and SSE
// telemetry stream in front of a set of radio adapters.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mdobak/go-xerrors"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"github.com/radio-control/radiocore/internal/api"
	"github.com/radio-control/radiocore/internal/audit"
	"github.com/radio-control/radiocore/internal/command"
	"github.com/radio-control/radiocore/internal/config"
	"github.com/radio-control/radiocore/internal/radio"
	"github.com/radio-control/radiocore/internal/telemetry"
)

// Environment variables holding secrets; they may come from a .env file.
const (
	envConfigSecret = "RCC_CONFIG_SECRET"
	envJWTSecret    = "RCC_JWT_SECRET"
)

type options struct {
	addr          string
	configPath    string
	logDir        string
	logLevel      string
	simulate      int
	simulateModel string
	selfTest      bool
	noAuth        bool
	authAlgorithm string
	publicKeyPath string
	jwksURL       string
	metricsPeriod time.Duration
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("rcc failed", slog.Any("error", xerrors.New(err)))
		os.Exit(1)
	}
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	flagSet := pflag.NewFlagSet("rcc", pflag.ContinueOnError)
	flagSet.StringVar(&opts.addr, "addr", envOr("RCC_ADDR", ":8000"), "HTTP listen address")
	flagSet.StringVar(&opts.configPath, "config", envOr("RCC_CONFIG", ""), "timing config file (JSON with comments or YAML)")
	flagSet.StringVar(&opts.logDir, "log-dir", envOr("RCC_LOG_DIR", "logs"), "directory for the operational and audit logs")
	flagSet.StringVar(&opts.logLevel, "log-level", envOr("RCC_LOG_LEVEL", "info"), "debug, info, warn or error")
	flagSet.IntVar(&opts.simulate, "simulate", 1, "number of simulated radios to register")
	flagSet.StringVar(&opts.simulateModel, "simulate-model", modelFake, "simulated radio model: fake, silvus or mixed")
	flagSet.BoolVar(&opts.selfTest, "self-test", false, "run the adapter conformance suite against the simulated adapter and exit")
	flagSet.BoolVar(&opts.noAuth, "no-auth", false, "serve every endpoint without authentication")
	flagSet.StringVar(&opts.authAlgorithm, "auth-alg", "HS256", "token signing algorithm: HS256 (secret from "+envJWTSecret+") or RS256")
	flagSet.StringVar(&opts.publicKeyPath, "jwt-public-key", "", "PEM public key for RS256 tokens")
	flagSet.StringVar(&opts.jwksURL, "jwks-url", "", "JWKS endpoint for RS256 tokens")
	flagSet.DurationVar(&opts.metricsPeriod, "metrics-log-interval", time.Minute, "how often metrics are written to the log; 0 disables")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if opts.simulate < 0 {
		return nil, fmt.Errorf("--simulate must not be negative")
	}
	if _, err := newSimulatedRadio(opts.simulateModel, "probe", 0); err != nil {
		return nil, fmt.Errorf("--simulate-model: %w", err)
	}
	return opts, nil
}

func run() error {
	_ = godotenv.Load()

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	if opts.selfTest {
		return selfTest(os.Stdout)
	}

	logger, closeLog, err := newLogger(opts.logDir, opts.logLevel)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meterProvider, reader := newMeterProvider()
	otel.SetMeterProvider(meterProvider)
	defer func() { _ = meterProvider.Shutdown(context.Background()) }()
	if opts.metricsPeriod > 0 {
		go logMetrics(ctx, logger, reader, opts.metricsPeriod)
	}

	store, err := loadConfig(ctx, logger, opts.configPath)
	if err != nil {
		return err
	}
	timing := store.Current()

	radios := radio.NewManager(store)
	radios.SetLogger(logger)
	for i := 1; i <= opts.simulate; i++ {
		id := fmt.Sprintf("radio-%02d", i)
		sim, err := newSimulatedRadio(opts.simulateModel, id, i)
		if err != nil {
			return err
		}
		if err := radios.LoadCapabilities(id, sim, timing.CommandTimeoutGetState); err != nil {
			// Registered offline; its probe starts Offline and refreshes
			// capabilities once the radio answers.
			logger.Warn("radio registered offline", slog.String("radioId", id), slog.String("error", err.Error()))
		}
	}

	hub := telemetry.NewHub(store)
	hub.SetLogger(logger)
	hub.SetMeterProvider(meterProvider)
	hub.SetStatusSink(radios)
	hub.SetSnapshot(func() map[string]interface{} {
		list := radios.List()
		return map[string]interface{}{"activeRadioId": list.ActiveRadioID, "radios": list.Items}
	})
	hub.Start()
	defer hub.Stop()
	startProbes(hub, radios)

	auditLog, err := audit.NewLogger(opts.logDir)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	defer func() { _ = auditLog.Close() }()
	auditLog.SetLogger(logger)

	orchestrator := command.NewOrchestrator(hub, store, radios)
	orchestrator.SetAuditLogger(auditLog)
	orchestrator.SetLogger(logger)
	orchestrator.SetMeterProvider(meterProvider)

	server := api.NewServer(hub, orchestrator, radios, store)
	server.SetLogger(logger)
	if !opts.noAuth {
		middleware, err := newAuth(opts)
		if err != nil {
			return err
		}
		middleware.SetLogger(logger)
		server.SetAuth(middleware)
	} else {
		logger.Warn("authentication disabled")
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(opts.addr) }()

	logger.Info("radio control container started",
		slog.String("version", api.Version),
		slog.String("addr", opts.addr),
		slog.Int("radios", len(radios.IDs())))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	// Ending the hub first closes open telemetry streams so the HTTP
	// shutdown does not wait on them.
	hub.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", xerrors.New(err)))
	}
	return nil
}

// startProbes starts one probe loop per radio in the state matching its
// registered status.
func startProbes(hub *telemetry.Hub, radios *radio.Manager) {
	for _, id := range radios.IDs() {
		r, a, err := radios.Lookup(id)
		if err != nil || a == nil {
			continue
		}
		hub.StartProbeFrom(id, telemetry.AdapterProbe(a), telemetry.ProbeStateForStatus(r.Status))
	}
}

// loadConfig builds the initial snapshot and, when a signing secret is set,
// watches the file for signed updates.
func loadConfig(ctx context.Context, logger *slog.Logger, path string) (*config.Store, error) {
	cfg, err := config.Load(config.LoadOptions{Path: path, Optional: true})
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	secret := os.Getenv(envConfigSecret)
	store := config.NewStore(cfg, config.KeyFromSecret([]byte(secret)))
	store.SetLogger(logger)
	store.OnChange(func(c *config.TimingConfig) {
		logger.Info("timing config reloaded",
			slog.Uint64("version", store.Version()),
			slog.Duration("heartbeatInterval", c.HeartbeatInterval),
			slog.Int("eventBufferSize", c.EventBufferSize))
	})

	switch {
	case path == "":
	case secret == "":
		logger.Warn("config hot reload disabled", slog.String("reason", envConfigSecret+" not set"))
	default:
		go func() {
			if err := store.Watch(ctx, path); err != nil {
				logger.Error("config watch stopped", slog.Any("error", xerrors.New(err)))
			}
		}()
	}
	return store, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
