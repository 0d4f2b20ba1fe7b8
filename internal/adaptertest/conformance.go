// Package adaptertest is the vendor-agnostic conformance suite for radio
// adapters. A new adapter is accepted when RunConformance passes against it
// unmodified; Check runs the same checks outside go test.
package adaptertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/radio-control/radiocore/internal/adapter"
)

// Capabilities defines the expected capabilities for conformance testing.
type Capabilities struct {
	MinPowerDbm      int
	MaxPowerDbm      int
	ValidFrequencies []float64
	Channels         []adapter.Channel
	ExpectedErrors   ErrorExpectations

	// InvalidFrequencies overrides the default out-of-profile probes.
	InvalidFrequencies []float64
}

// ErrorExpectations defines expected error mappings for conformance testing.
// Each keyword is injected through adapter.ErrorSimulator and must surface
// as exactly the matching normalized code.
type ErrorExpectations struct {
	InvalidRangeKeywords []string
	BusyKeywords         []string
	UnavailableKeywords  []string
	InternalKeywords     []string
}

// ExpectationsForVendor builds ErrorExpectations from a vendor table in
// adapter.VendorErrorMappings. Unknown vendors get the generic table.
func ExpectationsForVendor(vendorID string) ErrorExpectations {
	m := adapter.LookupVendor(vendorID)
	return ErrorExpectations{
		InvalidRangeKeywords: append([]string(nil), m.Range...),
		BusyKeywords:         append([]string(nil), m.Busy...),
		UnavailableKeywords:  append([]string(nil), m.Unavailable...),
		InternalKeywords:     []string{"UNMAPPED_VENDOR_FAULT"},
	}
}

// ConformanceResult represents the result of a conformance test.
type ConformanceResult struct {
	TestName string
	Passed   bool
	Error    string
	Duration time.Duration
	Details  map[string]interface{}
}

// ConformanceReport represents the complete conformance test report.
type ConformanceReport struct {
	AdapterName   string
	TotalTests    int
	PassedTests   int
	FailedTests   int
	Results       []ConformanceResult
	OverallPassed bool
	Duration      time.Duration
}

// RunConformance runs the complete conformance test suite for an adapter.
// newAdapter must return a fresh, online adapter on every call.
func RunConformance(t *testing.T, newAdapter func() adapter.IRadioAdapter, caps Capabilities) {
	t.Helper()
	report := Check(newAdapter, caps)
	printConformanceReport(t, report)

	if !report.OverallPassed {
		t.Fatalf("Adapter conformance test failed: %d/%d tests passed", report.PassedTests, report.TotalTests)
	}
}

// Check runs the suite and returns the report without failing a test.
func Check(newAdapter func() adapter.IRadioAdapter, caps Capabilities) *ConformanceReport {
	startTime := time.Now()

	report := &ConformanceReport{
		AdapterName:   "Unknown Adapter",
		OverallPassed: true,
	}
	if m, ok := newAdapter().(adapter.ModelReporter); ok && m.GetModel() != "" {
		report.AdapterName = m.GetModel()
	}

	runGetStateTests(newAdapter, report)
	runSetPowerTests(newAdapter, caps, report)
	runSetFrequencyTests(newAdapter, caps, report)
	runProfileTests(newAdapter, caps, report)
	runFailureMappingTests(newAdapter, caps, report)
	runCancellationTests(newAdapter, report)
	runIdempotencyTests(newAdapter, caps, report)
	runTimingTests(newAdapter, report)

	report.Duration = time.Since(startTime)
	return report
}

// runGetStateTests tests the GetState functionality.
func runGetStateTests(newAdapter func() adapter.IRadioAdapter, report *ConformanceReport) {
	a := newAdapter()
	ctx := context.Background()

	result := newResult("GetState_Basic")
	start := time.Now()

	state, err := a.GetState(ctx)
	result.Duration = time.Since(start)

	switch {
	case err != nil:
		result.Error = fmt.Sprintf("GetState failed: %v", err)
	case state == nil:
		result.Error = "GetState returned nil state"
	default:
		result.Passed = true
		result.Details["powerDbm"] = state.PowerDbm
		result.Details["frequencyMhz"] = state.FrequencyMhz
	}

	report.addResult(result)
}

// runSetPowerTests checks the in-bounds round trip and INVALID_RANGE outside the bounds.
func runSetPowerTests(newAdapter func() adapter.IRadioAdapter, caps Capabilities, report *ConformanceReport) {
	a := newAdapter()
	ctx := context.Background()

	validPowers := []float64{float64(caps.MinPowerDbm), float64(caps.MaxPowerDbm), float64((caps.MinPowerDbm + caps.MaxPowerDbm) / 2)}

	for _, power := range validPowers {
		result := newResult(fmt.Sprintf("SetPower_Valid_%.0f", power))
		start := time.Now()

		err := a.SetPower(ctx, power)
		var actual float64
		var state *adapter.RadioState
		if err == nil {
			actual, err = a.ReadPowerActual(ctx)
		}
		if err == nil {
			state, err = a.GetState(ctx)
		}
		result.Duration = time.Since(start)

		switch {
		case err != nil:
			result.Error = fmt.Sprintf("SetPower(%.1f) round trip failed: %v", power, err)
		case actual < float64(caps.MinPowerDbm) || actual > float64(caps.MaxPowerDbm):
			result.Error = fmt.Sprintf("ReadPowerActual %.1f outside [%d, %d]", actual, caps.MinPowerDbm, caps.MaxPowerDbm)
		case actual > power:
			result.Error = fmt.Sprintf("ReadPowerActual %.1f exceeds commanded %.1f", actual, power)
		case state.PowerDbm != actual:
			result.Error = fmt.Sprintf("GetState power %.1f disagrees with readback %.1f", state.PowerDbm, actual)
		default:
			result.Passed = true
			result.Details["commanded"] = power
			result.Details["actual"] = actual
		}

		report.addResult(result)
	}

	invalidPowers := []float64{float64(caps.MinPowerDbm - 1), float64(caps.MaxPowerDbm + 1), 1000.0}

	for _, power := range invalidPowers {
		result := newResult(fmt.Sprintf("SetPower_Invalid_%.0f", power))
		start := time.Now()

		before, _ := a.GetState(ctx)
		err := a.SetPower(ctx, power)
		after, _ := a.GetState(ctx)
		result.Duration = time.Since(start)

		switch {
		case err == nil:
			result.Error = fmt.Sprintf("SetPower(%.1f) should have failed but succeeded", power)
		case !errors.Is(err, adapter.ErrInvalidRange):
			result.Error = fmt.Sprintf("SetPower(%.1f) should return INVALID_RANGE, got: %v", power, err)
		case before != nil && after != nil && before.PowerDbm != after.PowerDbm:
			result.Error = fmt.Sprintf("rejected SetPower(%.1f) changed power %.1f -> %.1f", power, before.PowerDbm, after.PowerDbm)
		default:
			result.Passed = true
			result.Details["expectedError"] = adapter.CodeInvalidRange
			result.Details["actualError"] = err.Error()
		}

		report.addResult(result)
	}
}

// runSetFrequencyTests checks every declared frequency and a set of out-of-profile values.
func runSetFrequencyTests(newAdapter func() adapter.IRadioAdapter, caps Capabilities, report *ConformanceReport) {
	ctx := context.Background()

	for _, freq := range caps.ValidFrequencies {
		a := newAdapter()
		result := newResult(fmt.Sprintf("SetFrequency_Valid_%.1f", freq))
		start := time.Now()

		err := a.SetFrequency(ctx, freq)
		var state *adapter.RadioState
		if err == nil {
			state, err = a.GetState(ctx)
			// A soft boot after a frequency change is a documented transient window.
			if errors.Is(err, adapter.ErrBusy) || errors.Is(err, adapter.ErrUnavailable) {
				result.Details["softBoot"] = true
				err = nil
			}
		}
		result.Duration = time.Since(start)

		switch {
		case err != nil:
			result.Error = fmt.Sprintf("SetFrequency(%.1f) failed: %v", freq, err)
		case state != nil && !adapter.SameFrequency(state.FrequencyMhz, freq):
			result.Error = fmt.Sprintf("GetState frequency %.1f after SetFrequency(%.1f)", state.FrequencyMhz, freq)
		default:
			result.Passed = true
			result.Details["frequency"] = freq
		}

		report.addResult(result)
	}

	invalid := caps.InvalidFrequencies
	if len(invalid) == 0 {
		invalid = []float64{0, -100, 99999.0}
	}

	for _, freq := range invalid {
		a := newAdapter()
		result := newResult(fmt.Sprintf("SetFrequency_Invalid_%.1f", freq))
		start := time.Now()

		err := a.SetFrequency(ctx, freq)
		result.Duration = time.Since(start)

		switch {
		case err == nil:
			result.Error = fmt.Sprintf("SetFrequency(%.1f) should have failed but succeeded", freq)
		case !errors.Is(err, adapter.ErrInvalidRange):
			result.Error = fmt.Sprintf("SetFrequency(%.1f) should return INVALID_RANGE, got: %v", freq, err)
		default:
			result.Passed = true
			result.Details["expectedError"] = adapter.CodeInvalidRange
		}

		report.addResult(result)
	}
}

// runProfileTests requires a non-empty profile list whenever the adapter is online.
func runProfileTests(newAdapter func() adapter.IRadioAdapter, caps Capabilities, report *ConformanceReport) {
	a := newAdapter()
	result := newResult("Profiles_NonEmptyWhenOnline")
	start := time.Now()

	online := true
	if s, ok := a.(adapter.StatusReporter); ok {
		online = s.GetStatus() == adapter.StatusOnline
	}
	profiles, err := a.SupportedFrequencyProfiles(context.Background())
	result.Duration = time.Since(start)
	result.Details["online"] = online

	switch {
	case !online:
		result.Passed = true
	case err != nil:
		result.Error = fmt.Sprintf("SupportedFrequencyProfiles failed while online: %v", err)
	case len(profiles) == 0:
		result.Error = "SupportedFrequencyProfiles returned no profiles while online"
	default:
		result.Passed = true
		result.Details["profiles"] = len(profiles)
		for _, freq := range caps.ValidFrequencies {
			if !anyProfileContains(profiles, freq) {
				result.Passed = false
				result.Error = fmt.Sprintf("declared frequency %.1f missing from profiles", freq)
				break
			}
		}
	}

	report.addResult(result)
}

// runFailureMappingTests injects every declared vendor keyword and checks
// it surfaces as exactly the expected normalized code.
func runFailureMappingTests(newAdapter func() adapter.IRadioAdapter, caps Capabilities, report *ConformanceReport) {
	sim, ok := newAdapter().(adapter.ErrorSimulator)
	if !ok {
		result := newResult("FailureMapping_Simulator")
		result.Passed = true
		result.Details["skipped"] = "adapter has no error simulation hook"
		report.addResult(result)
		return
	}
	a := sim.(adapter.IRadioAdapter)

	groups := []struct {
		want     error
		keywords []string
	}{
		{adapter.ErrInvalidRange, caps.ExpectedErrors.InvalidRangeKeywords},
		{adapter.ErrBusy, caps.ExpectedErrors.BusyKeywords},
		{adapter.ErrUnavailable, caps.ExpectedErrors.UnavailableKeywords},
		{adapter.ErrInternal, caps.ExpectedErrors.InternalKeywords},
	}

	for _, g := range groups {
		for _, keyword := range g.keywords {
			result := newResult(fmt.Sprintf("FailureMapping_%s", keyword))
			start := time.Now()

			sim.SetErrorSimulation(keyword)
			_, err := a.GetState(context.Background())
			sim.DisableErrorSimulation()
			result.Duration = time.Since(start)

			switch {
			case err == nil:
				result.Error = fmt.Sprintf("keyword %s did not produce an error", keyword)
			case matchedCodes(err) != 1:
				result.Error = fmt.Sprintf("keyword %s matched %d normalized codes: %v", keyword, matchedCodes(err), err)
			case !errors.Is(err, g.want):
				result.Error = fmt.Sprintf("keyword %s normalized to %s, want %v", keyword, adapter.Code(err), g.want)
			default:
				result.Passed = true
				result.Details["code"] = adapter.Code(err)
			}

			report.addResult(result)
		}
	}

	result := newResult("FailureMapping_Disable")
	if _, err := a.GetState(context.Background()); err != nil {
		result.Error = fmt.Sprintf("GetState still failing after DisableErrorSimulation: %v", err)
	} else {
		result.Passed = true
	}
	report.addResult(result)
}

// runCancellationTests requires a cancelled context to fail with a normalized code.
func runCancellationTests(newAdapter func() adapter.IRadioAdapter, report *ConformanceReport) {
	a := newAdapter()
	result := newResult("Cancellation_GetState")
	start := time.Now()

	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.GetState(cancelledCtx)
	result.Duration = time.Since(start)

	switch {
	case err == nil:
		result.Error = "GetState with cancelled context should have failed"
	case !adapter.IsNormalized(err):
		result.Error = fmt.Sprintf("cancellation error is not normalized: %v", err)
	default:
		result.Passed = true
		result.Details["code"] = adapter.Code(err)
	}

	report.addResult(result)
}

// runIdempotencyTests tests that setting the same power multiple times is idempotent.
func runIdempotencyTests(newAdapter func() adapter.IRadioAdapter, caps Capabilities, report *ConformanceReport) {
	a := newAdapter()
	ctx := context.Background()

	testPower := float64((caps.MinPowerDbm + caps.MaxPowerDbm) / 2)

	result := newResult("Idempotency_SetSamePower")
	start := time.Now()

	err1 := a.SetPower(ctx, testPower)
	first, _ := a.ReadPowerActual(ctx)
	err2 := a.SetPower(ctx, testPower)
	second, _ := a.ReadPowerActual(ctx)
	result.Duration = time.Since(start)

	switch {
	case err1 != nil:
		result.Error = fmt.Sprintf("First SetPower(%.1f) failed: %v", testPower, err1)
	case err2 != nil:
		result.Error = fmt.Sprintf("Second SetPower(%.1f) failed: %v", testPower, err2)
	case first != second:
		result.Error = fmt.Sprintf("readback changed between identical writes: %.1f -> %.1f", first, second)
	default:
		result.Passed = true
		result.Details["power"] = testPower
	}

	report.addResult(result)
}

// runTimingTests checks a read completes well inside a short deadline.
func runTimingTests(newAdapter func() adapter.IRadioAdapter, report *ConformanceReport) {
	a := newAdapter()

	result := newResult("Timing_GetStateWithinDeadline")
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := a.GetState(ctx)
	result.Duration = time.Since(start)

	switch {
	case result.Duration > 100*time.Millisecond:
		result.Error = fmt.Sprintf("GetState ignored its deadline: %v", result.Duration)
	case err != nil && !errors.Is(err, adapter.ErrUnavailable):
		result.Error = fmt.Sprintf("deadline error should be UNAVAILABLE, got: %v", err)
	default:
		result.Passed = true
		result.Details["duration"] = result.Duration.String()
	}

	report.addResult(result)
}

// Helper functions

func newResult(name string) ConformanceResult {
	return ConformanceResult{TestName: name, Details: make(map[string]interface{})}
}

func matchedCodes(err error) int {
	n := 0
	for _, code := range []error{adapter.ErrInvalidRange, adapter.ErrBusy, adapter.ErrUnavailable, adapter.ErrInternal} {
		if errors.Is(err, code) {
			n++
		}
	}
	return n
}

func anyProfileContains(profiles []adapter.FrequencyProfile, mhz float64) bool {
	for _, p := range profiles {
		if p.Contains(mhz) {
			return true
		}
	}
	return false
}

func (r *ConformanceReport) addResult(result ConformanceResult) {
	r.TotalTests++
	if result.Passed {
		r.PassedTests++
	} else {
		r.FailedTests++
		r.OverallPassed = false
	}
	r.Results = append(r.Results, result)
}

// Failed returns the results that did not pass.
func (r *ConformanceReport) Failed() []ConformanceResult {
	var out []ConformanceResult
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

func printConformanceReport(t *testing.T, report *ConformanceReport) {
	t.Helper()
	t.Logf("\n%s", strings.Repeat("=", 80))
	t.Logf("ADAPTER CONFORMANCE REPORT")
	t.Logf("%s", strings.Repeat("=", 80))
	t.Logf("Adapter: %s", report.AdapterName)
	t.Logf("Total: %d  Passed: %d  Failed: %d  Overall: %s  Duration: %v",
		report.TotalTests, report.PassedTests, report.FailedTests,
		map[bool]string{true: "PASS", false: "FAIL"}[report.OverallPassed], report.Duration)
	t.Logf("%s", strings.Repeat("-", 80))
	t.Logf("%-36s %-6s %-12s %s", "TEST NAME", "RESULT", "DURATION", "DETAILS")
	t.Logf("%s", strings.Repeat("-", 80))

	for _, result := range report.Results {
		status := "PASS"
		if !result.Passed {
			status = "FAIL"
		}

		details := result.Error
		if details == "" && len(result.Details) > 0 {
			keys := make([]string, 0, len(result.Details))
			for k := range result.Details {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, 0, len(keys))
			for _, k := range keys {
				parts = append(parts, fmt.Sprintf("%s=%v", k, result.Details[k]))
			}
			details = strings.Join(parts, ", ")
		}

		t.Logf("%-36s %-6s %-12s %s", result.TestName, status, result.Duration.String(), details)
	}

	t.Logf("%s", strings.Repeat("=", 80))
}
