package silvusmock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/radio-control/radiocore/internal/adapter"
	"github.com/radio-control/radiocore/internal/adaptertest"
	"github.com/radio-control/radiocore/internal/config"
	"github.com/radio-control/radiocore/internal/radio"
)

func planFrequencies() []float64 {
	out := make([]float64, len(DefaultBandPlan))
	for i, ch := range DefaultBandPlan {
		out[i] = ch.FrequencyMhz
	}
	return out
}

func TestSilvusMockConformance(t *testing.T) {
	adaptertest.RunConformance(t, func() adapter.IRadioAdapter {
		return New("silvus-01", nil)
	}, adaptertest.Capabilities{
		MinPowerDbm:      MinPowerDbm,
		MaxPowerDbm:      MaxPowerDbm,
		ValidFrequencies: planFrequencies(),
		ExpectedErrors:   adaptertest.ExpectationsForVendor(Vendor),
	})
}

func TestVendorTokensNormalize(t *testing.T) {
	ctx := context.Background()
	s := New("silvus-01", nil)

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"power too high", func() error { return s.SetPower(ctx, 40) }, adapter.ErrInvalidRange},
		{"frequency off plan", func() error { return s.SetFrequency(ctx, 2412) }, adapter.ErrInvalidRange},
		{"injected RF_BUSY", func() error {
			s.SetErrorSimulation("RF_BUSY")
			defer s.DisableErrorSimulation()
			return s.SetPower(ctx, 10)
		}, adapter.ErrBusy},
		{"node offline", func() error {
			s.SetOnline(false)
			defer s.SetOnline(true)
			_, err := s.GetState(ctx)
			return err
		}, adapter.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInjectedFaultCarriesMethod(t *testing.T) {
	s := New("silvus-01", nil)
	s.SetErrorSimulation("COMMAND_QUEUE_FULL")

	_, err := s.GetState(context.Background())
	var ve *adapter.VendorError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %T %v, want *VendorError", err, err)
	}
	if details, _ := ve.Details.(map[string]string); details["method"] != "GetState" {
		t.Errorf("details = %v", ve.Details)
	}
}

func TestRetuneSoftBoot(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	s := New("silvus-01", nil)
	s.SetClock(func() time.Time { return now })
	s.SetRetuneWindow(2 * time.Second)

	if err := s.SetFrequency(ctx, 4955); err != nil {
		t.Fatalf("SetFrequency() = %v", err)
	}
	if _, err := s.GetState(ctx); !errors.Is(err, adapter.ErrUnavailable) {
		t.Errorf("GetState during soft boot = %v, want UNAVAILABLE", err)
	}

	now = now.Add(2 * time.Second)
	state, err := s.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState after soft boot = %v", err)
	}
	if state.FrequencyMhz != 4955 {
		t.Errorf("frequency = %v, want 4955", state.FrequencyMhz)
	}

	// Retuning to the current frequency does not reboot.
	if err := s.SetFrequency(ctx, 4955); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetState(ctx); err != nil {
		t.Errorf("GetState after no-op retune = %v", err)
	}
}

func TestManagerUsesBandPlan(t *testing.T) {
	mgr := radio.NewManager(config.LoadCBTimingBaseline())
	s := New("silvus-01", nil)
	if err := mgr.LoadCapabilities("silvus-01", s, time.Second); err != nil {
		t.Fatalf("LoadCapabilities() = %v", err)
	}

	r, err := mgr.GetRadio("silvus-01")
	if err != nil {
		t.Fatal(err)
	}
	if r.Model != Model {
		t.Errorf("model = %q, want %q", r.Model, Model)
	}
	if len(r.Capabilities.Channels) != len(DefaultBandPlan) {
		t.Fatalf("channels = %v", r.Capabilities.Channels)
	}

	idx := 3
	mhz, err := mgr.ResolveChannel("silvus-01", &idx, nil)
	if err != nil || mhz != 4955 {
		t.Errorf("ResolveChannel(3) = %v, %v; want 4955", mhz, err)
	}
}

func TestSetBandPlanRejectsEmpty(t *testing.T) {
	s := New("silvus-01", nil)
	if err := s.SetBandPlan(nil); err == nil {
		t.Error("SetBandPlan(nil) succeeded")
	}
	plan := []adapter.Channel{{Index: 1, FrequencyMhz: 2200}}
	if err := s.SetBandPlan(plan); err != nil {
		t.Fatal(err)
	}
	if err := s.SetFrequency(context.Background(), 2200); err != nil {
		t.Errorf("SetFrequency on new plan = %v", err)
	}
}
