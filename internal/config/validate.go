//
//
package config

import (
	"errors"
	"fmt"
	"time"
)

// Probe backoff multipliers above this are rejected.
const maxProbeBackoff = 10.0

// violations collects every rule a snapshot breaks so one load reports all
// of them.
type violations []error

func (v *violations) addf(format string, args ...interface{}) {
	*v = append(*v, fmt.Errorf(format, args...))
}

func (v *violations) positive(name string, d time.Duration) {
	if d <= 0 {
		v.addf("%s must be positive, got %v", name, d)
	}
}

func (v *violations) atLeastOne(name string, n int) {
	if n < 1 {
		v.addf("%s must be >= 1, got %d", name, n)
	}
}

// backoff checks one probe cadence: initial > 0, 1 <= factor <= 10 and
// max >= initial.
func (v *violations) backoff(state string, initial time.Duration, factor float64, max time.Duration) {
	v.positive("probe "+state+" initial", initial)
	switch {
	case factor < 1:
		v.addf("probe %s backoff must be >= 1.0, got %v", state, factor)
	case factor > maxProbeBackoff:
		v.addf("probe %s backoff %v is too aggressive (max %.1f)", state, factor, maxProbeBackoff)
	}
	if max < initial {
		v.addf("probe %s max %v must be >= initial %v", state, max, initial)
	}
}

func (v *violations) powerLimit(name string, l PowerLimit) {
	if l.MinDbm > l.MaxDbm {
		v.addf("power limit %s: min %d dBm exceeds max %d dBm", name, l.MinDbm, l.MaxDbm)
	}
}

// ValidateTiming enforces the CB-TIMING rules on a snapshot. Every broken
// rule is reported, joined into one error.
func ValidateTiming(config *TimingConfig) error {
	if config == nil {
		return errors.New("config cannot be nil")
	}
	var v violations

	v.positive("heartbeat interval", config.HeartbeatInterval)
	if config.HeartbeatJitter < 0 {
		v.addf("heartbeat jitter must be non-negative, got %v", config.HeartbeatJitter)
	}
	if config.HeartbeatJitter > config.HeartbeatInterval/2 {
		v.addf("heartbeat jitter %v exceeds 50%% of interval %v", config.HeartbeatJitter, config.HeartbeatInterval)
	}
	if config.HeartbeatTimeout < config.HeartbeatInterval {
		v.addf("heartbeat timeout %v must be >= interval %v", config.HeartbeatTimeout, config.HeartbeatInterval)
	}

	v.positive("probe normal interval", config.ProbeNormalInterval)
	v.backoff("recovering", config.ProbeRecoveringInitial, config.ProbeRecoveringBackoff, config.ProbeRecoveringMax)
	v.backoff("offline", config.ProbeOfflineInitial, config.ProbeOfflineBackoff, config.ProbeOfflineMax)
	v.atLeastOne("probe normal failure threshold", config.ProbeNormalFailureThreshold)
	v.atLeastOne("probe recovering failure threshold", config.ProbeRecoveringFailureThreshold)
	v.atLeastOne("probe confirm successes", config.ProbeConfirmSuccesses)

	for _, op := range []string{OpSetPower, OpSetChannel, OpSelectRadio, OpGetState} {
		v.positive("command timeout "+op, config.CommandTimeout(op))
	}

	if config.EventBufferSize <= 0 {
		v.addf("event buffer size must be positive, got %d", config.EventBufferSize)
	}
	v.positive("event buffer retention", config.EventBufferRetention)
	v.atLeastOne("subscriber queue size", config.SubscriberQueueSize)
	v.atLeastOne("subscriber drop limit", config.SubscriberDropLimit)

	v.powerLimit("default", config.DefaultPowerLimit)
	for radioID, limit := range config.PowerLimits {
		v.powerLimit(radioID, limit)
	}
	if config.ChannelPlan != nil {
		for model, bands := range config.ChannelPlan.Models {
			for band, channels := range bands {
				v.band(model, band, channels)
			}
		}
	}

	return errors.Join(v...)
}

// band requires a non-empty channel list with unique 1-based indices and
// positive frequencies.
func (v *violations) band(model, band string, channels []PlanChannel) {
	if len(channels) == 0 {
		v.addf("model %s band %s has no channels", model, band)
		return
	}
	seen := make(map[int]bool, len(channels))
	for _, ch := range channels {
		if ch.ChannelIndex < 1 {
			v.addf("model %s band %s: channel index must be >= 1, got %d", model, band, ch.ChannelIndex)
		}
		if seen[ch.ChannelIndex] {
			v.addf("model %s band %s: duplicate channel index %d", model, band, ch.ChannelIndex)
		}
		seen[ch.ChannelIndex] = true
		if ch.FrequencyMhz <= 0 {
			v.addf("model %s band %s: channel %d frequency must be positive", model, band, ch.ChannelIndex)
		}
	}
}
