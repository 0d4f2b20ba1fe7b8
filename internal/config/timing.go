package config

import (
	"fmt"
	"sort"
	"time"
)

// Command timeout classes, as named in audit entries and TimingConfig lookups.
const (
	OpSetPower    = "setPower"
	OpSetChannel  = "setChannel"
	OpSelectRadio = "selectRadio"
	OpGetState    = "getState"
)

// Source yields the current timing snapshot. Both a frozen *TimingConfig and
// the hot-reloadable *Store satisfy it.
type Source interface {
	Current() *TimingConfig
}

// TimingConfig holds every CB-TIMING constant. A value is never mutated after
// it is published; updates build a new snapshot and swap it wholesale.
type TimingConfig struct {
	// Heartbeat Configuration
	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration
	HeartbeatTimeout  time.Duration

	// Probe States & Cadences
	ProbeNormalInterval    time.Duration
	ProbeRecoveringInitial time.Duration
	ProbeRecoveringBackoff float64
	ProbeRecoveringMax     time.Duration
	ProbeOfflineInitial    time.Duration
	ProbeOfflineBackoff    float64
	ProbeOfflineMax        time.Duration

	// Probe transition thresholds
	ProbeNormalFailureThreshold     int
	ProbeRecoveringFailureThreshold int
	ProbeConfirmSuccesses           int

	// Command Timeout Classes
	CommandTimeoutSetPower    time.Duration
	CommandTimeoutSetChannel  time.Duration
	CommandTimeoutSelectRadio time.Duration
	CommandTimeoutGetState    time.Duration

	// Event Buffer Configuration
	EventBufferSize      int
	EventBufferRetention time.Duration

	// Subscriber backpressure
	SubscriberQueueSize int
	SubscriberDropLimit int

	// Channel maps per model/band and power limits per radio.
	ChannelPlan       *ChannelPlan
	PowerLimits       map[string]PowerLimit
	DefaultPowerLimit PowerLimit
}

// PowerLimit bounds transmit power in dBm.
type PowerLimit struct {
	MinDbm int `json:"minDbm" yaml:"minDbm"`
	MaxDbm int `json:"maxDbm" yaml:"maxDbm"`
}

// ChannelPlan holds configured channel maps organized by model and band.
type ChannelPlan struct {
	Models map[string]map[string][]PlanChannel `json:"models" yaml:"models"`
}

// PlanChannel represents a single channel in a band plan.
type PlanChannel struct {
	ChannelIndex int     `json:"channelIndex" yaml:"channelIndex"`
	FrequencyMhz float64 `json:"frequencyMhz" yaml:"frequencyMhz"`
}

// LoadCBTimingBaseline returns CB-TIMING baseline values.
func LoadCBTimingBaseline() *TimingConfig {
	return &TimingConfig{
		HeartbeatInterval: 15 * time.Second,
		HeartbeatJitter:   2 * time.Second,
		HeartbeatTimeout:  45 * time.Second,

		ProbeNormalInterval:    30 * time.Second,
		ProbeRecoveringInitial: 5 * time.Second,
		ProbeRecoveringBackoff: 1.5,
		ProbeRecoveringMax:     15 * time.Second,
		ProbeOfflineInitial:    10 * time.Second,
		ProbeOfflineBackoff:    2.0,
		ProbeOfflineMax:        300 * time.Second,

		ProbeNormalFailureThreshold:     3,
		ProbeRecoveringFailureThreshold: 5,
		ProbeConfirmSuccesses:           2,

		CommandTimeoutSetPower:    10 * time.Second,
		CommandTimeoutSetChannel:  30 * time.Second,
		CommandTimeoutSelectRadio: 5 * time.Second,
		CommandTimeoutGetState:    5 * time.Second,

		EventBufferSize:      50,
		EventBufferRetention: 1 * time.Hour,

		SubscriberQueueSize: 100,
		SubscriberDropLimit: 10,

		DefaultPowerLimit: PowerLimit{MinDbm: 0, MaxDbm: 39},
	}
}

// Current lets a frozen snapshot act as a Source.
func (c *TimingConfig) Current() *TimingConfig {
	return c
}

// CommandTimeout returns the timeout class for op, or 0 for unknown ops.
func (c *TimingConfig) CommandTimeout(op string) time.Duration {
	switch op {
	case OpSetPower:
		return c.CommandTimeoutSetPower
	case OpSetChannel:
		return c.CommandTimeoutSetChannel
	case OpSelectRadio:
		return c.CommandTimeoutSelectRadio
	case OpGetState:
		return c.CommandTimeoutGetState
	}
	return 0
}

// PowerLimitFor returns the configured limit for radioID, falling back to
// DefaultPowerLimit. The bool reports whether a per-radio entry existed.
func (c *TimingConfig) PowerLimitFor(radioID string) (PowerLimit, bool) {
	if l, ok := c.PowerLimits[radioID]; ok {
		return l, true
	}
	return c.DefaultPowerLimit, false
}

// Clone returns a deep copy for building the next snapshot.
func (c *TimingConfig) Clone() *TimingConfig {
	out := *c
	if c.PowerLimits != nil {
		out.PowerLimits = make(map[string]PowerLimit, len(c.PowerLimits))
		for k, v := range c.PowerLimits {
			out.PowerLimits[k] = v
		}
	}
	out.ChannelPlan = c.ChannelPlan.Clone()
	return &out
}

// Clone deep-copies the plan. Nil stays nil.
func (p *ChannelPlan) Clone() *ChannelPlan {
	if p == nil {
		return nil
	}
	out := &ChannelPlan{Models: make(map[string]map[string][]PlanChannel, len(p.Models))}
	for model, bands := range p.Models {
		nb := make(map[string][]PlanChannel, len(bands))
		for band, chans := range bands {
			nb[band] = append([]PlanChannel(nil), chans...)
		}
		out.Models[model] = nb
	}
	return out
}

// ChannelFrequency returns the frequency for a given channel index.
func (p *ChannelPlan) ChannelFrequency(model, band string, channelIndex int) (float64, error) {
	channels, err := p.channels(model, band)
	if err != nil {
		return 0, err
	}
	for _, channel := range channels {
		if channel.ChannelIndex == channelIndex {
			return channel.FrequencyMhz, nil
		}
	}
	return 0, fmt.Errorf("channel index %d not found in model %s band %s", channelIndex, model, band)
}

// ChannelIndex returns the channel index for a given frequency.
func (p *ChannelPlan) ChannelIndex(model, band string, frequencyMhz float64) (int, error) {
	channels, err := p.channels(model, band)
	if err != nil {
		return 0, err
	}
	for _, channel := range channels {
		if sameMhz(channel.FrequencyMhz, frequencyMhz) {
			return channel.ChannelIndex, nil
		}
	}
	return 0, fmt.Errorf("frequency %.1f MHz not found in model %s band %s", frequencyMhz, model, band)
}

// HasModelBand checks if a model and band combination exists in the plan.
func (p *ChannelPlan) HasModelBand(model, band string) bool {
	_, err := p.channels(model, band)
	return err == nil
}

// Bands returns the bands configured for model, sorted.
func (p *ChannelPlan) Bands(model string) []string {
	if p == nil {
		return nil
	}
	bands := make([]string, 0, len(p.Models[model]))
	for band := range p.Models[model] {
		bands = append(bands, band)
	}
	sort.Strings(bands)
	return bands
}

// ChannelsFor picks the band of model that covers the most of the given
// frequencies, ties broken by band name, and returns its channels sorted by
// index. Returns nil when the model has no plan.
func (p *ChannelPlan) ChannelsFor(model string, frequencies []float64) []PlanChannel {
	var best []PlanChannel
	bestScore := -1
	for _, band := range p.Bands(model) {
		chans := p.Models[model][band]
		score := 0
		for _, f := range frequencies {
			for _, ch := range chans {
				if sameMhz(ch.FrequencyMhz, f) {
					score++
					break
				}
			}
		}
		if score > bestScore {
			best, bestScore = chans, score
		}
	}
	if best == nil {
		return nil
	}
	out := append([]PlanChannel(nil), best...)
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelIndex < out[j].ChannelIndex })
	return out
}

func (p *ChannelPlan) channels(model, band string) ([]PlanChannel, error) {
	if p == nil || p.Models == nil {
		return nil, fmt.Errorf("no channel plan configured")
	}
	modelBands, exists := p.Models[model]
	if !exists {
		return nil, fmt.Errorf("model %s not found in channel plan", model)
	}
	channels, exists := modelBands[band]
	if !exists {
		return nil, fmt.Errorf("band %s not found for model %s", band, model)
	}
	return channels, nil
}

// sameMhz matches frequencies at the 0.1 MHz command resolution.
func sameMhz(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 0.05
}
