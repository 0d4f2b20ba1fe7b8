// Package silvusmock simulates a Silvus-style MANET radio behind the adapter
// contract. Failures are raised as Silvus vendor tokens and normalized with
// the "silvus" vocabulary, and the channel set comes from a band plan rather
// than flattened profiles.
package silvusmock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/radio-control/radiocore/internal/adapter"
)

// Vendor is the error vocabulary the simulator normalizes with.
const Vendor = "silvus"

// Model reported by the simulator.
const Model = "Silvus-StreamCaster-Sim"

// Power bounds in dBm.
const (
	MinPowerDbm = 0
	MaxPowerDbm = 39
)

// DefaultBandPlan is a 4.9 GHz plan at 5 MHz spacing.
var DefaultBandPlan = []adapter.Channel{
	{Index: 1, FrequencyMhz: 4945},
	{Index: 2, FrequencyMhz: 4950},
	{Index: 3, FrequencyMhz: 4955},
	{Index: 4, FrequencyMhz: 4960},
	{Index: 5, FrequencyMhz: 4965},
}

// DefaultBandwidthMhz is the channel bandwidth advertised in profiles.
const DefaultBandwidthMhz = 5.0

// SilvusMock implements adapter.IRadioAdapter with Silvus-like behavior.
type SilvusMock struct {
	adapter.AdapterBase

	mu           sync.RWMutex
	powerDbm     float64
	frequencyMhz float64
	bandPlan     []adapter.Channel
	online       bool
	faultToken   string
	retuneWindow time.Duration
	bootUntil    time.Time
	now          func() time.Time
}

// New returns an online simulator tuned to the first channel of bandPlan,
// or DefaultBandPlan when bandPlan is empty.
func New(radioID string, bandPlan []adapter.Channel) *SilvusMock {
	if len(bandPlan) == 0 {
		bandPlan = DefaultBandPlan
	}
	plan := append([]adapter.Channel(nil), bandPlan...)
	return &SilvusMock{
		AdapterBase: adapter.AdapterBase{
			RadioID: radioID,
			Model:   Model,
			Status:  adapter.StatusOnline,
			Vendor:  Vendor,
		},
		powerDbm:     20,
		frequencyMhz: plan[0].FrequencyMhz,
		bandPlan:     plan,
		online:       true,
		now:          time.Now,
	}
}

// fail builds a normalized error from a Silvus token.
func fail(token string, format string, args ...interface{}) error {
	return adapter.NormalizeVendorErrorWithVendor(
		fmt.Errorf("%s: %s", token, fmt.Sprintf(format, args...)), nil, Vendor)
}

// gate runs the checks every call shares: context, reachability, soft boot
// and injected faults. Callers hold no lock.
func (s *SilvusMock) gate(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return adapter.Normalize(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case !s.online:
		return fail("NODE_UNAVAILABLE", "%s: node not reachable", op)
	case s.now().Before(s.bootUntil):
		return fail("SOFT_BOOT_IN_PROGRESS", "%s: radio retuning", op)
	case s.faultToken != "":
		return adapter.NormalizeVendorErrorWithVendor(
			fmt.Errorf("%s: injected fault", s.faultToken),
			map[string]string{"method": op}, Vendor)
	}
	return nil
}

// GetState returns the current power and frequency.
func (s *SilvusMock) GetState(ctx context.Context) (*adapter.RadioState, error) {
	if err := s.gate(ctx, "GetState"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &adapter.RadioState{PowerDbm: s.powerDbm, FrequencyMhz: s.frequencyMhz}, nil
}

// SetPower sets the transmit power in dBm.
func (s *SilvusMock) SetPower(ctx context.Context, dBm float64) error {
	if err := s.gate(ctx, "SetPower"); err != nil {
		return err
	}
	if dBm < MinPowerDbm || dBm > MaxPowerDbm {
		return fail("TX_POWER_OUT_OF_RANGE", "%.1f dBm outside [%d, %d]", dBm, MinPowerDbm, MaxPowerDbm)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.powerDbm = dBm
	return nil
}

// SetFrequency retunes to a band plan frequency. With a retune window set,
// the radio soft boots afterwards and refuses calls until it ends.
func (s *SilvusMock) SetFrequency(ctx context.Context, frequencyMhz float64) error {
	if err := s.gate(ctx, "SetFrequency"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !inPlan(s.bandPlan, frequencyMhz) {
		return fail("FREQUENCY_OUT_OF_RANGE", "%.3f MHz not in band plan", frequencyMhz)
	}
	if adapter.SameFrequency(s.frequencyMhz, frequencyMhz) {
		return nil
	}
	s.frequencyMhz = frequencyMhz
	if s.retuneWindow > 0 {
		s.bootUntil = s.now().Add(s.retuneWindow)
	}
	return nil
}

// ReadPowerActual returns the power in effect.
func (s *SilvusMock) ReadPowerActual(ctx context.Context) (float64, error) {
	if err := s.gate(ctx, "ReadPowerActual"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.powerDbm, nil
}

// SupportedFrequencyProfiles reports one profile covering the band plan.
func (s *SilvusMock) SupportedFrequencyProfiles(ctx context.Context) ([]adapter.FrequencyProfile, error) {
	if err := s.gate(ctx, "SupportedFrequencyProfiles"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	freqs := make([]float64, len(s.bandPlan))
	for i, ch := range s.bandPlan {
		freqs[i] = ch.FrequencyMhz
	}
	return []adapter.FrequencyProfile{{Frequencies: freqs, Bandwidth: DefaultBandwidthMhz, AntennaMask: 0x3}}, nil
}

// GetBandPlan returns a copy of the band plan.
func (s *SilvusMock) GetBandPlan() []adapter.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]adapter.Channel(nil), s.bandPlan...)
}

// SetBandPlan replaces the band plan. The current frequency is kept even if
// it falls outside the new plan.
func (s *SilvusMock) SetBandPlan(plan []adapter.Channel) error {
	if len(plan) == 0 {
		return errors.New("band plan must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bandPlan = append([]adapter.Channel(nil), plan...)
	return nil
}

// PowerLimits reports the power bounds.
func (s *SilvusMock) PowerLimits() (int, int) {
	return MinPowerDbm, MaxPowerDbm
}

// GetStatus reports online or offline.
func (s *SilvusMock) GetStatus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.online {
		return adapter.StatusOnline
	}
	return adapter.StatusOffline
}

// SetOnline makes the node reachable or not.
func (s *SilvusMock) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
}

// SetRetuneWindow sets how long the radio soft boots after a frequency change.
func (s *SilvusMock) SetRetuneWindow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retuneWindow = d
}

// SetClock replaces the time source used for the soft-boot window.
func (s *SilvusMock) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetErrorSimulation makes every call fail with token until
// DisableErrorSimulation.
func (s *SilvusMock) SetErrorSimulation(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultToken = token
}

// DisableErrorSimulation clears an injected fault.
func (s *SilvusMock) DisableErrorSimulation() {
	s.SetErrorSimulation("")
}

func inPlan(plan []adapter.Channel, mhz float64) bool {
	for _, ch := range plan {
		if adapter.SameFrequency(ch.FrequencyMhz, mhz) {
			return true
		}
	}
	return false
}

var (
	_ adapter.IRadioAdapter    = (*SilvusMock)(nil)
	_ adapter.BandPlanProvider = (*SilvusMock)(nil)
	_ adapter.PowerLimiter     = (*SilvusMock)(nil)
	_ adapter.ErrorSimulator   = (*SilvusMock)(nil)
	_ adapter.StatusReporter   = (*SilvusMock)(nil)
)
