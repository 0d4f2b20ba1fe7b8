package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/radio-control/radiocore/internal/adapter"
	"github.com/radio-control/radiocore/internal/adapter/fake"
	"github.com/radio-control/radiocore/internal/adapter/silvusmock"
	"github.com/radio-control/radiocore/internal/adaptertest"
	"github.com/radio-control/radiocore/internal/auth"
)

// newLogger writes JSON records to stderr and to a rotated rcc.log in dir.
func newLogger(dir, level string) (*slog.Logger, func(), error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, fmt.Errorf("--log-level: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "rcc.log"),
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	handler := slog.NewJSONHandler(io.MultiWriter(os.Stderr, file), &slog.HandlerOptions{Level: lvl})
	return slog.New(handler).With(slog.String("service", "rcc")), func() { _ = file.Close() }, nil
}

func newMeterProvider() (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), reader
}

// logMetrics periodically collects every instrument and writes one log
// record per metric.
func logMetrics(ctx context.Context, logger *slog.Logger, reader sdkmetric.Reader, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var rm metricdata.ResourceMetrics
		if err := reader.Collect(ctx, &rm); err != nil {
			logger.Warn("metrics collect failed", slog.String("error", err.Error()))
			continue
		}
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				logger.Info("metric", metricAttrs(m)...)
			}
		}
	}
}

func metricAttrs(m metricdata.Metrics) []any {
	attrs := []any{slog.String("name", m.Name)}
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		var total int64
		for _, dp := range data.DataPoints {
			total += dp.Value
		}
		attrs = append(attrs, slog.Int64("total", total))
	case metricdata.Histogram[float64]:
		var count uint64
		var sum float64
		for _, dp := range data.DataPoints {
			count += dp.Count
			sum += dp.Sum
		}
		attrs = append(attrs, slog.Uint64("count", count), slog.Float64("sum", sum))
	}
	return attrs
}

func newAuth(opts *options) (*auth.Middleware, error) {
	cfg := auth.VerifierConfig{
		Algorithm: strings.ToUpper(opts.authAlgorithm),
		JWKSURL:   opts.jwksURL,
		SecretKey: os.Getenv(envJWTSecret),
	}
	if opts.publicKeyPath != "" {
		pem, err := os.ReadFile(opts.publicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("--jwt-public-key: %w", err)
		}
		cfg.PublicKeyPEM = string(pem)
	}
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, fmt.Errorf("auth: %w (use --no-auth to serve without authentication)", err)
	}
	return auth.NewMiddleware(verifier), nil
}

// Simulated radio models selectable with --simulate-model.
const (
	modelFake   = "fake"
	modelSilvus = "silvus"
	modelMixed  = "mixed"
)

// newSimulatedRadio builds the i-th simulated radio; mixed alternates
// between the generic and the Silvus simulator.
func newSimulatedRadio(model, id string, i int) (adapter.IRadioAdapter, error) {
	switch model {
	case modelFake:
		return fake.NewFakeAdapter(id), nil
	case modelSilvus:
		return silvusmock.New(id, nil), nil
	case modelMixed:
		if i%2 == 0 {
			return silvusmock.New(id, nil), nil
		}
		return fake.NewFakeAdapter(id), nil
	default:
		return nil, fmt.Errorf("unknown simulated model %q", model)
	}
}

// selfTest runs the conformance suite against every simulator and prints
// the reports.
func selfTest(w io.Writer) error {
	suites := []struct {
		newAdapter func() adapter.IRadioAdapter
		caps       adaptertest.Capabilities
	}{
		{
			newAdapter: func() adapter.IRadioAdapter { return fake.NewFakeAdapter("self-test") },
			caps: adaptertest.Capabilities{
				MinPowerDbm:      fake.DefaultMinPowerDbm,
				MaxPowerDbm:      fake.DefaultMaxPowerDbm,
				ValidFrequencies: fake.DefaultFrequencies,
				ExpectedErrors:   adaptertest.ExpectationsForVendor(fake.NewFakeAdapter("self-test").VendorID()),
			},
		},
		{
			newAdapter: func() adapter.IRadioAdapter { return silvusmock.New("self-test", nil) },
			caps: adaptertest.Capabilities{
				MinPowerDbm:      silvusmock.MinPowerDbm,
				MaxPowerDbm:      silvusmock.MaxPowerDbm,
				ValidFrequencies: planFrequencies(silvusmock.DefaultBandPlan),
				ExpectedErrors:   adaptertest.ExpectationsForVendor(silvusmock.Vendor),
			},
		},
	}

	var failed int
	for _, suite := range suites {
		report := adaptertest.Check(suite.newAdapter, suite.caps)
		printReport(w, report)
		failed += report.FailedTests
	}
	if failed > 0 {
		return fmt.Errorf("conformance failed: %d checks", failed)
	}
	return nil
}

func printReport(w io.Writer, report *adaptertest.ConformanceReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "TEST\tRESULT\tDURATION\tERROR\n")
	for _, r := range report.Results {
		result := "PASS"
		if !r.Passed {
			result = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", r.TestName, result, r.Duration.Round(time.Microsecond), r.Error)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%s: %d/%d passed in %v\n\n", report.AdapterName, report.PassedTests, report.TotalTests, report.Duration.Round(time.Millisecond))
}

func planFrequencies(plan []adapter.Channel) []float64 {
	out := make([]float64, len(plan))
	for i, ch := range plan {
		out[i] = ch.FrequencyMhz
	}
	return out
}
