// Package fake provides an in-memory radio adapter for tests and simulation.
//
// Power is checked against the fake's limits and frequency against its
// profiles. Tests can inject vendor error tokens or latency, and can make
// the radio soft boot after a frequency change.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/radio-control/radiocore/internal/adapter"
)

// Default fake radio parameters.
const (
	DefaultPowerDbm     = 20.0
	DefaultFrequencyMhz = 2412.0
	DefaultMinPowerDbm  = 0
	DefaultMaxPowerDbm  = 39
	DefaultModel        = "Fake-Radio-Test"
)

// DefaultFrequencies is the fake radio's single 20 MHz profile.
var DefaultFrequencies = []float64{2412.0, 2417.0, 2422.0, 2427.0, 2432.0}

// FakeAdapter implements IRadioAdapter for testing purposes.
type FakeAdapter struct {
	adapter.AdapterBase

	mu sync.Mutex

	// Current state
	currentPower     float64
	currentFrequency float64
	online           bool

	// Configuration
	minPower int
	maxPower int
	profiles []adapter.FrequencyProfile
	channels []adapter.Channel

	// Error simulation
	simulateErrors bool
	errorToken     string

	// Behaviour
	latency        time.Duration
	softBootWindow time.Duration
	softBootUntil  time.Time
	powerClamp     *float64
	now            func() time.Time

	calls map[string]int
}

// NewFakeAdapter creates a new fake adapter for testing.
func NewFakeAdapter(radioID string) *FakeAdapter {
	f := &FakeAdapter{
		AdapterBase: adapter.AdapterBase{
			RadioID: radioID,
			Model:   DefaultModel,
			Status:  adapter.StatusOnline,
		},
		currentPower:     DefaultPowerDbm,
		currentFrequency: DefaultFrequencyMhz,
		online:           true,
		minPower:         DefaultMinPowerDbm,
		maxPower:         DefaultMaxPowerDbm,
		now:              time.Now,
		calls:            make(map[string]int),
	}
	f.SetProfiles([]adapter.FrequencyProfile{{
		Frequencies: append([]float64(nil), DefaultFrequencies...),
		Bandwidth:   20.0,
		AntennaMask: 1,
	}})
	return f
}

// GetState returns the current radio state.
func (f *FakeAdapter) GetState(ctx context.Context) (*adapter.RadioState, error) {
	if err := f.enter(ctx, "GetState"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return &adapter.RadioState{
		PowerDbm:     f.actualPowerLocked(),
		FrequencyMhz: f.currentFrequency,
	}, nil
}

// SetPower sets the transmit power in dBm.
func (f *FakeAdapter) SetPower(ctx context.Context, dBm float64) error {
	if err := f.enter(ctx, "SetPower"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if dBm < float64(f.minPower) || dBm > float64(f.maxPower) {
		return &adapter.VendorError{
			Code:     adapter.ErrInvalidRange,
			Original: fmt.Errorf("power %.1f outside [%d, %d]", dBm, f.minPower, f.maxPower),
		}
	}
	f.currentPower = dBm
	return nil
}

// SetFrequency sets the transmit frequency in MHz. A configured soft-boot
// window starts after every accepted change.
func (f *FakeAdapter) SetFrequency(ctx context.Context, frequencyMhz float64) error {
	if err := f.enter(ctx, "SetFrequency"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.supportsLocked(frequencyMhz) {
		return &adapter.VendorError{
			Code:     adapter.ErrInvalidRange,
			Original: fmt.Errorf("frequency %.1f MHz not in any supported profile", frequencyMhz),
		}
	}
	f.currentFrequency = frequencyMhz
	if f.softBootWindow > 0 {
		f.softBootUntil = f.now().Add(f.softBootWindow)
	}
	return nil
}

// ReadPowerActual reads back the power the simulated hardware applies.
func (f *FakeAdapter) ReadPowerActual(ctx context.Context) (float64, error) {
	if err := f.enter(ctx, "ReadPowerActual"); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.actualPowerLocked(), nil
}

// SupportedFrequencyProfiles returns allowed frequency/bandwidth/antenna combinations.
func (f *FakeAdapter) SupportedFrequencyProfiles(ctx context.Context) ([]adapter.FrequencyProfile, error) {
	if err := f.enter(ctx, "SupportedFrequencyProfiles"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]adapter.FrequencyProfile, len(f.profiles))
	for i, p := range f.profiles {
		p.Frequencies = append([]float64(nil), p.Frequencies...)
		out[i] = p
	}
	return out, nil
}

// GetBandPlan returns the channel plan derived from the profiles.
func (f *FakeAdapter) GetBandPlan() []adapter.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.Channel(nil), f.channels...)
}

// PowerLimits returns the accepted power bounds.
func (f *FakeAdapter) PowerLimits() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.minPower, f.maxPower
}

// GetStatus reports online or offline.
func (f *FakeAdapter) GetStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.online {
		return adapter.StatusOnline
	}
	return adapter.StatusOffline
}

// SetStatus accepts adapter.StatusOnline or adapter.StatusOffline.
func (f *FakeAdapter) SetStatus(status string) {
	f.SetOnline(status != adapter.StatusOffline)
}

// Helper methods for testing

// SetOnline toggles reachability. An offline fake fails every call with UNAVAILABLE.
func (f *FakeAdapter) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

// SetErrorSimulation makes every call fail with a vendor error carrying token,
// normalized through the adapter's vendor vocabulary.
func (f *FakeAdapter) SetErrorSimulation(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulateErrors = true
	f.errorToken = token
}

// DisableErrorSimulation disables error simulation.
func (f *FakeAdapter) DisableErrorSimulation() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulateErrors = false
	f.errorToken = ""
}

// SetLatency delays every call by d, returning early if the context ends.
func (f *FakeAdapter) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

// SetSoftBootWindow sets how long the radio stays unavailable after a
// frequency change. Zero disables the blackout.
func (f *FakeAdapter) SetSoftBootWindow(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.softBootWindow = d
}

// SetPowerClamp caps the power the hardware actually applies.
func (f *FakeAdapter) SetPowerClamp(maxDbm float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerClamp = &maxDbm
}

// SetPowerLimits changes the accepted power bounds.
func (f *FakeAdapter) SetPowerLimits(minDbm, maxDbm int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minPower = minDbm
	f.maxPower = maxDbm
}

// SetProfiles replaces the frequency profiles and rebuilds the band plan as
// 1-based indices over the distinct frequencies in profile order.
func (f *FakeAdapter) SetProfiles(profiles []adapter.FrequencyProfile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles = profiles
	f.channels = f.channels[:0]
	for _, p := range profiles {
		for _, mhz := range p.Frequencies {
			dup := false
			for _, ch := range f.channels {
				if adapter.SameFrequency(ch.FrequencyMhz, mhz) {
					dup = true
					break
				}
			}
			if !dup {
				f.channels = append(f.channels, adapter.Channel{Index: len(f.channels) + 1, FrequencyMhz: mhz})
			}
		}
	}
}

// SetClock replaces the time source used for the soft-boot window.
func (f *FakeAdapter) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// GetCurrentState returns the commanded power and frequency (for testing).
func (f *FakeAdapter) GetCurrentState() (float64, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentPower, f.currentFrequency
}

// SetCurrentState sets the current internal state (for testing).
func (f *FakeAdapter) SetCurrentState(power float64, frequency float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentPower = power
	f.currentFrequency = frequency
}

// Calls returns how many times method was entered.
func (f *FakeAdapter) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// enter applies latency, cancellation, reachability, soft boot and error
// simulation, in that order, before an operation touches state.
func (f *FakeAdapter) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls[method]++
	latency := f.latency
	f.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return adapter.Normalize(ctx.Err())
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return adapter.Normalize(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	vendor := f.VendorID()
	if !f.online {
		return adapter.NormalizeVendorErrorWithVendor(errors.New("RADIO_OFFLINE"), nil, vendor)
	}
	if f.now().Before(f.softBootUntil) {
		return adapter.NormalizeVendorErrorWithVendor(errors.New("SOFT_BOOT_IN_PROGRESS"), nil, vendor)
	}
	if f.simulateErrors {
		return adapter.NormalizeVendorErrorWithVendor(
			fmt.Errorf("%s: simulated vendor error", f.errorToken),
			map[string]string{"method": method}, vendor)
	}
	return nil
}

func (f *FakeAdapter) actualPowerLocked() float64 {
	if f.powerClamp != nil && f.currentPower > *f.powerClamp {
		return *f.powerClamp
	}
	return f.currentPower
}

func (f *FakeAdapter) supportsLocked(mhz float64) bool {
	for _, p := range f.profiles {
		if p.Contains(mhz) {
			return true
		}
	}
	return false
}

var (
	_ adapter.IRadioAdapter    = (*FakeAdapter)(nil)
	_ adapter.BandPlanProvider = (*FakeAdapter)(nil)
	_ adapter.PowerLimiter     = (*FakeAdapter)(nil)
	_ adapter.StatusReporter   = (*FakeAdapter)(nil)
	_ adapter.ErrorSimulator   = (*FakeAdapter)(nil)
	_ adapter.VendorReporter   = (*FakeAdapter)(nil)
)
