package fake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/radio-control/radiocore/internal/adapter"
	"github.com/radio-control/radiocore/internal/adaptertest"
)

// TestFakeAdapterConformance runs the complete conformance test suite on the fake adapter.
func TestFakeAdapterConformance(t *testing.T) {
	capabilities := adaptertest.Capabilities{
		MinPowerDbm:      DefaultMinPowerDbm,
		MaxPowerDbm:      DefaultMaxPowerDbm,
		ValidFrequencies: DefaultFrequencies,
		ExpectedErrors: adaptertest.ErrorExpectations{
			InvalidRangeKeywords: []string{"INVALID_RANGE", "OUT_OF_RANGE", "INVALID_PARAMETER"},
			BusyKeywords:         []string{"BUSY", "RETRY", "RATE_LIMIT"},
			UnavailableKeywords:  []string{"UNAVAILABLE", "OFFLINE", "NOT_READY"},
			InternalKeywords:     []string{"INTERNAL", "UNKNOWN"},
		},
	}

	adaptertest.RunConformance(t, func() adapter.IRadioAdapter {
		return NewFakeAdapter("fake-radio-01")
	}, capabilities)
}

func TestFakeAdapterDefaults(t *testing.T) {
	f := NewFakeAdapter("r1")
	ctx := context.Background()

	state, err := f.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.PowerDbm != 20 || state.FrequencyMhz != 2412.0 {
		t.Errorf("unexpected initial state %+v", state)
	}

	plan := f.GetBandPlan()
	if len(plan) != len(DefaultFrequencies) {
		t.Fatalf("band plan has %d channels, want %d", len(plan), len(DefaultFrequencies))
	}
	if plan[1].Index != 2 || plan[1].FrequencyMhz != 2417.0 {
		t.Errorf("channel 2 = %+v, want 2417.0", plan[1])
	}
}

func TestFakeAdapterRejectsOutOfProfileFrequency(t *testing.T) {
	f := NewFakeAdapter("r1")
	ctx := context.Background()

	err := f.SetFrequency(ctx, 99999.0)
	if !errors.Is(err, adapter.ErrInvalidRange) {
		t.Fatalf("SetFrequency(99999) = %v, want INVALID_RANGE", err)
	}
	if _, freq := f.GetCurrentState(); freq != 2412.0 {
		t.Errorf("frequency changed to %.1f after rejected set", freq)
	}
}

func TestFakeAdapterPowerClamp(t *testing.T) {
	f := NewFakeAdapter("r1")
	f.SetPowerClamp(30)
	ctx := context.Background()

	if err := f.SetPower(ctx, 35); err != nil {
		t.Fatalf("SetPower failed: %v", err)
	}
	actual, err := f.ReadPowerActual(ctx)
	if err != nil {
		t.Fatalf("ReadPowerActual failed: %v", err)
	}
	if actual != 30 {
		t.Errorf("ReadPowerActual = %.1f, want clamp 30", actual)
	}
	if commanded, _ := f.GetCurrentState(); commanded != 35 {
		t.Errorf("commanded power = %.1f, want 35", commanded)
	}
}

func TestFakeAdapterSoftBootWindow(t *testing.T) {
	f := NewFakeAdapter("r1")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.SetClock(func() time.Time { return now })
	f.SetSoftBootWindow(5 * time.Second)
	ctx := context.Background()

	if err := f.SetFrequency(ctx, 2422.0); err != nil {
		t.Fatalf("SetFrequency failed: %v", err)
	}

	_, err := f.GetState(ctx)
	if !errors.Is(err, adapter.ErrUnavailable) {
		t.Fatalf("GetState during soft boot = %v, want UNAVAILABLE", err)
	}

	now = now.Add(6 * time.Second)
	state, err := f.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState after soft boot failed: %v", err)
	}
	if state.FrequencyMhz != 2422.0 {
		t.Errorf("frequency = %.1f, want 2422.0", state.FrequencyMhz)
	}
}

func TestFakeAdapterLatencyHonoursDeadline(t *testing.T) {
	f := NewFakeAdapter("r1")
	f.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := f.SetPower(ctx, 25)
	if !errors.Is(err, adapter.ErrUnavailable) {
		t.Fatalf("SetPower past deadline = %v, want UNAVAILABLE", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("latency did not stop at context deadline")
	}
	if power, _ := f.GetCurrentState(); power != DefaultPowerDbm {
		t.Errorf("power changed to %.1f after cancelled set", power)
	}
}

func TestFakeAdapterOfflineAndErrorSimulation(t *testing.T) {
	f := NewFakeAdapter("r1")
	ctx := context.Background()

	f.SetOnline(false)
	if f.GetStatus() != adapter.StatusOffline {
		t.Errorf("GetStatus() = %s", f.GetStatus())
	}
	if _, err := f.GetState(ctx); !errors.Is(err, adapter.ErrUnavailable) {
		t.Errorf("offline GetState = %v, want UNAVAILABLE", err)
	}
	f.SetOnline(true)

	f.Vendor = "silvus"
	f.SetErrorSimulation("RF_BUSY")
	err := f.SetPower(ctx, 10)
	if !errors.Is(err, adapter.ErrBusy) {
		t.Fatalf("simulated RF_BUSY = %v, want BUSY", err)
	}
	var vendorErr *adapter.VendorError
	if !errors.As(err, &vendorErr) || vendorErr.Details == nil {
		t.Error("simulated error should carry vendor details")
	}

	f.DisableErrorSimulation()
	if err := f.SetPower(ctx, 10); err != nil {
		t.Errorf("SetPower after disable failed: %v", err)
	}
	if f.Calls("SetPower") != 2 {
		t.Errorf("Calls(SetPower) = %d, want 2", f.Calls("SetPower"))
	}
}

func TestFakeAdapterConcurrentAccess(t *testing.T) {
	f := NewFakeAdapter("r1")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = f.SetPower(ctx, float64(i))
			_, _ = f.GetState(ctx)
			_ = f.SetFrequency(ctx, DefaultFrequencies[i%len(DefaultFrequencies)])
		}(i)
	}
	wg.Wait()

	if f.Calls("SetPower") != 20 {
		t.Errorf("Calls(SetPower) = %d, want 20", f.Calls("SetPower"))
	}
}
