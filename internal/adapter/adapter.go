package adapter

import (
	"context"
)

// RadioState is what GetState reports.
type RadioState struct {
	PowerDbm     float64 `json:"powerDbm"`
	FrequencyMhz float64 `json:"frequencyMhz"`
}

// RadioCapabilities are the bounds a command is validated against.
type RadioCapabilities struct {
	MinPowerDbm int       `json:"minPowerDbm"`
	MaxPowerDbm int       `json:"maxPowerDbm"`
	Channels    []Channel `json:"channels"`
}

// Clone returns a deep copy so callers never share the channel slice.
func (c *RadioCapabilities) Clone() *RadioCapabilities {
	if c == nil {
		return nil
	}
	out := *c
	out.Channels = append([]Channel(nil), c.Channels...)
	return &out
}

// PowerInRange reports whether dBm lies within [MinPowerDbm, MaxPowerDbm].
func (c *RadioCapabilities) PowerInRange(dBm float64) bool {
	return dBm >= float64(c.MinPowerDbm) && dBm <= float64(c.MaxPowerDbm)
}

// Channel represents a single channel mapping. FrequencyMhz is authoritative;
// Index is a 1-based lookup key derived from the channel set.
type Channel struct {
	Index        int     `json:"index"`
	FrequencyMhz float64 `json:"frequencyMhz"`
}

// FrequencyProfile is one frequency/bandwidth/antenna combination a radio
// supports.
type FrequencyProfile struct {
	Frequencies []float64 `json:"frequencies"`
	Bandwidth   float64   `json:"bandwidth"`
	AntennaMask int       `json:"antenna_mask"`
}

// Contains reports whether mhz is one of the profile frequencies at the
// 0.1 MHz command resolution.
func (p FrequencyProfile) Contains(mhz float64) bool {
	for _, f := range p.Frequencies {
		if SameFrequency(f, mhz) {
			return true
		}
	}
	return false
}

// FrequencyResolution is the smallest frequency step radios accept.
const FrequencyResolution = 0.1

// SameFrequency compares two frequencies at half the command resolution.
func SameFrequency(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < FrequencyResolution/2
}

// IRadioAdapter is the contract between the orchestrator and one radio.
//
// Every error an implementation returns must match exactly one of
// ErrInvalidRange, ErrBusy, ErrUnavailable or ErrInternal under errors.Is.
// Implementations honor ctx cancellation; the orchestrator bounds each call
// by its timeout class.
type IRadioAdapter interface {
	GetState(ctx context.Context) (*RadioState, error)

	// SetPower fails with ErrInvalidRange outside the radio's power bounds.
	SetPower(ctx context.Context, dBm float64) error

	// SetFrequency fails with ErrInvalidRange for a frequency no profile
	// lists. A radio may soft boot after retuning and answer BUSY or
	// UNAVAILABLE until it is back.
	SetFrequency(ctx context.Context, frequencyMhz float64) error

	// ReadPowerActual returns the power in effect, which differs from the
	// commanded value when the hardware clamps.
	ReadPowerActual(ctx context.Context) (float64, error)

	SupportedFrequencyProfiles(ctx context.Context) ([]FrequencyProfile, error)
}

// Optional interfaces. The radio manager and the conformance harness probe
// for these with type assertions.

// BandPlanProvider is implemented by adapters that know their channel plan.
type BandPlanProvider interface {
	GetBandPlan() []Channel
}

// PowerLimiter is implemented by adapters that report their power bounds.
type PowerLimiter interface {
	PowerLimits() (minDbm, maxDbm int)
}

// ModelReporter is implemented by adapters that report a model name.
type ModelReporter interface {
	GetModel() string
}

// StatusReporter is implemented by adapters that report online/offline.
type StatusReporter interface {
	GetStatus() string
}

// VendorReporter names the vendor vocabulary an adapter normalizes with.
type VendorReporter interface {
	VendorID() string
}

// ErrorSimulator lets tests make the next adapter calls fail with a
// vendor error token until DisableErrorSimulation is called.
type ErrorSimulator interface {
	SetErrorSimulation(token string)
	DisableErrorSimulation()
}

// Adapter status values reported through StatusReporter.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// AdapterBase carries the identity fields most adapters share and the
// ModelReporter, StatusReporter and VendorReporter methods over them.
// Adapters with live status override GetStatus.
type AdapterBase struct {
	RadioID string
	Model   string
	Status  string
	Vendor  string // error vocabulary; empty means GenericVendor
}

func (a *AdapterBase) GetModel() string { return a.Model }
func (a *AdapterBase) GetStatus() string { return a.Status }

func (a *AdapterBase) VendorID() string {
	if a.Vendor == "" {
		return GenericVendor
	}
	return a.Vendor
}
