package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v2"
)

// Format selects the config file decoder.
type Format string

const (
	FormatJSON Format = "json" // JSON with comments and trailing commas allowed
	FormatYAML Format = "yaml"
)

// EnvPrefix prefixes every timing override variable.
const EnvPrefix = "RCC_TIMING"

// LoadOptions controls Load.
type LoadOptions struct {
	// Path is the optional config file. Empty means baseline + env only.
	Path string
	// Optional tolerates a missing file at Path.
	Optional bool
}

// FormatForPath picks the decoder from the file extension.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load merges LoadCBTimingBaseline() + optional config file + env overrides (RCC_TIMING_*),
// in increasing precedence, and validates the result.
func Load(opts LoadOptions) (*TimingConfig, error) {
	var data []byte
	if opts.Path != "" {
		b, err := os.ReadFile(opts.Path)
		switch {
		case err == nil:
			data = b
		case errors.Is(err, os.ErrNotExist) && opts.Optional:
		default:
			return nil, fmt.Errorf("failed to read %s: %w", opts.Path, err)
		}
	}
	return Build(data, FormatForPath(opts.Path))
}

// Build produces a validated snapshot from raw file bytes. Empty data means
// no file layer. Env overrides are applied on top.
func Build(data []byte, format Format) (*TimingConfig, error) {
	config := LoadCBTimingBaseline()

	if len(bytes.TrimSpace(data)) > 0 {
		fc, err := parseFile(data, format)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		fc.applyTo(config)
	}

	if err := applyEnvOverrides(config, newEnv()); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateTiming(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Duration decodes Go duration strings ("15s", "1h") from JSON and YAML.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"15s\": %w", err)
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// fileConfig is the on-disk shape. Zero values leave the baseline in place.
type fileConfig struct {
	HeartbeatInterval Duration `json:"heartbeatInterval" yaml:"heartbeatInterval"`
	HeartbeatJitter   Duration `json:"heartbeatJitter" yaml:"heartbeatJitter"`
	HeartbeatTimeout  Duration `json:"heartbeatTimeout" yaml:"heartbeatTimeout"`

	ProbeNormalInterval    Duration `json:"probeNormalInterval" yaml:"probeNormalInterval"`
	ProbeRecoveringInitial Duration `json:"probeRecoveringInitial" yaml:"probeRecoveringInitial"`
	ProbeRecoveringBackoff float64  `json:"probeRecoveringBackoff" yaml:"probeRecoveringBackoff"`
	ProbeRecoveringMax     Duration `json:"probeRecoveringMax" yaml:"probeRecoveringMax"`
	ProbeOfflineInitial    Duration `json:"probeOfflineInitial" yaml:"probeOfflineInitial"`
	ProbeOfflineBackoff    float64  `json:"probeOfflineBackoff" yaml:"probeOfflineBackoff"`
	ProbeOfflineMax        Duration `json:"probeOfflineMax" yaml:"probeOfflineMax"`

	ProbeNormalFailureThreshold     int `json:"probeNormalFailureThreshold" yaml:"probeNormalFailureThreshold"`
	ProbeRecoveringFailureThreshold int `json:"probeRecoveringFailureThreshold" yaml:"probeRecoveringFailureThreshold"`
	ProbeConfirmSuccesses           int `json:"probeConfirmSuccesses" yaml:"probeConfirmSuccesses"`

	CommandTimeoutSetPower    Duration `json:"commandTimeoutSetPower" yaml:"commandTimeoutSetPower"`
	CommandTimeoutSetChannel  Duration `json:"commandTimeoutSetChannel" yaml:"commandTimeoutSetChannel"`
	CommandTimeoutSelectRadio Duration `json:"commandTimeoutSelectRadio" yaml:"commandTimeoutSelectRadio"`
	CommandTimeoutGetState    Duration `json:"commandTimeoutGetState" yaml:"commandTimeoutGetState"`

	EventBufferSize      int      `json:"eventBufferSize" yaml:"eventBufferSize"`
	EventBufferRetention Duration `json:"eventBufferRetention" yaml:"eventBufferRetention"`

	SubscriberQueueSize int `json:"subscriberQueueSize" yaml:"subscriberQueueSize"`
	SubscriberDropLimit int `json:"subscriberDropLimit" yaml:"subscriberDropLimit"`

	ChannelPlan       *ChannelPlan          `json:"channelPlan" yaml:"channelPlan"`
	PowerLimits       map[string]PowerLimit `json:"powerLimits" yaml:"powerLimits"`
	DefaultPowerLimit *PowerLimit           `json:"defaultPowerLimit" yaml:"defaultPowerLimit"`
}

func parseFile(data []byte, format Format) (*fileConfig, error) {
	var fc fileConfig
	switch format {
	case FormatYAML:
		if err := yaml.UnmarshalStrict(data, &fc); err != nil {
			return nil, err
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&fc); err != nil {
			return nil, err
		}
	}
	return &fc, nil
}

// applyTo overlays non-zero file values onto config.
func (f *fileConfig) applyTo(config *TimingConfig) {
	setDuration(&config.HeartbeatInterval, f.HeartbeatInterval)
	setDuration(&config.HeartbeatJitter, f.HeartbeatJitter)
	setDuration(&config.HeartbeatTimeout, f.HeartbeatTimeout)

	setDuration(&config.ProbeNormalInterval, f.ProbeNormalInterval)
	setDuration(&config.ProbeRecoveringInitial, f.ProbeRecoveringInitial)
	setFloat(&config.ProbeRecoveringBackoff, f.ProbeRecoveringBackoff)
	setDuration(&config.ProbeRecoveringMax, f.ProbeRecoveringMax)
	setDuration(&config.ProbeOfflineInitial, f.ProbeOfflineInitial)
	setFloat(&config.ProbeOfflineBackoff, f.ProbeOfflineBackoff)
	setDuration(&config.ProbeOfflineMax, f.ProbeOfflineMax)

	setInt(&config.ProbeNormalFailureThreshold, f.ProbeNormalFailureThreshold)
	setInt(&config.ProbeRecoveringFailureThreshold, f.ProbeRecoveringFailureThreshold)
	setInt(&config.ProbeConfirmSuccesses, f.ProbeConfirmSuccesses)

	setDuration(&config.CommandTimeoutSetPower, f.CommandTimeoutSetPower)
	setDuration(&config.CommandTimeoutSetChannel, f.CommandTimeoutSetChannel)
	setDuration(&config.CommandTimeoutSelectRadio, f.CommandTimeoutSelectRadio)
	setDuration(&config.CommandTimeoutGetState, f.CommandTimeoutGetState)

	setInt(&config.EventBufferSize, f.EventBufferSize)
	setDuration(&config.EventBufferRetention, f.EventBufferRetention)

	setInt(&config.SubscriberQueueSize, f.SubscriberQueueSize)
	setInt(&config.SubscriberDropLimit, f.SubscriberDropLimit)

	if f.ChannelPlan != nil {
		config.ChannelPlan = f.ChannelPlan
	}
	if len(f.PowerLimits) > 0 {
		config.PowerLimits = f.PowerLimits
	}
	if f.DefaultPowerLimit != nil {
		config.DefaultPowerLimit = *f.DefaultPowerLimit
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// Environment keys, bound under EnvPrefix: "heartbeat_interval" reads
// RCC_TIMING_HEARTBEAT_INTERVAL.
var (
	envDurations = map[string]func(*TimingConfig) *time.Duration{
		"heartbeat_interval":       func(c *TimingConfig) *time.Duration { return &c.HeartbeatInterval },
		"heartbeat_jitter":         func(c *TimingConfig) *time.Duration { return &c.HeartbeatJitter },
		"heartbeat_timeout":        func(c *TimingConfig) *time.Duration { return &c.HeartbeatTimeout },
		"probe_normal_interval":    func(c *TimingConfig) *time.Duration { return &c.ProbeNormalInterval },
		"probe_recovering_initial": func(c *TimingConfig) *time.Duration { return &c.ProbeRecoveringInitial },
		"probe_recovering_max":     func(c *TimingConfig) *time.Duration { return &c.ProbeRecoveringMax },
		"probe_offline_initial":    func(c *TimingConfig) *time.Duration { return &c.ProbeOfflineInitial },
		"probe_offline_max":        func(c *TimingConfig) *time.Duration { return &c.ProbeOfflineMax },
		"command_set_power":        func(c *TimingConfig) *time.Duration { return &c.CommandTimeoutSetPower },
		"command_set_channel":      func(c *TimingConfig) *time.Duration { return &c.CommandTimeoutSetChannel },
		"command_select_radio":     func(c *TimingConfig) *time.Duration { return &c.CommandTimeoutSelectRadio },
		"command_get_state":        func(c *TimingConfig) *time.Duration { return &c.CommandTimeoutGetState },
		"event_buffer_retention":   func(c *TimingConfig) *time.Duration { return &c.EventBufferRetention },
	}
	envFloats = map[string]func(*TimingConfig) *float64{
		"probe_recovering_backoff": func(c *TimingConfig) *float64 { return &c.ProbeRecoveringBackoff },
		"probe_offline_backoff":    func(c *TimingConfig) *float64 { return &c.ProbeOfflineBackoff },
	}
	envInts = map[string]func(*TimingConfig) *int{
		"probe_normal_failure_threshold":     func(c *TimingConfig) *int { return &c.ProbeNormalFailureThreshold },
		"probe_recovering_failure_threshold": func(c *TimingConfig) *int { return &c.ProbeRecoveringFailureThreshold },
		"probe_confirm_successes":            func(c *TimingConfig) *int { return &c.ProbeConfirmSuccesses },
		"event_buffer_size":                  func(c *TimingConfig) *int { return &c.EventBufferSize },
		"subscriber_queue_size":              func(c *TimingConfig) *int { return &c.SubscriberQueueSize },
		"subscriber_drop_limit":              func(c *TimingConfig) *int { return &c.SubscriberDropLimit },
	}
)

// channelPlanEnv carries a whole channel plan as JSON.
const channelPlanEnv = "RCC_CHANNEL_PLAN"

func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	for key := range envDurations {
		_ = v.BindEnv(key)
	}
	for key := range envFloats {
		_ = v.BindEnv(key)
	}
	for key := range envInts {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("channel_plan", channelPlanEnv)
	return v
}

// applyEnvOverrides applies RCC_TIMING_* environment variables to the config.
// A malformed value is an error rather than silently ignored.
func applyEnvOverrides(config *TimingConfig, v *viper.Viper) error {
	for key, field := range envDurations {
		if !v.IsSet(key) {
			continue
		}
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return fmt.Errorf("%s_%s: %w", EnvPrefix, strings.ToUpper(key), err)
		}
		*field(config) = d
	}

	for key, field := range envFloats {
		if !v.IsSet(key) {
			continue
		}
		f, err := strconv.ParseFloat(v.GetString(key), 64)
		if err != nil {
			return fmt.Errorf("%s_%s: %w", EnvPrefix, strings.ToUpper(key), err)
		}
		*field(config) = f
	}

	for key, field := range envInts {
		if !v.IsSet(key) {
			continue
		}
		n, err := strconv.Atoi(v.GetString(key))
		if err != nil {
			return fmt.Errorf("%s_%s: %w", EnvPrefix, strings.ToUpper(key), err)
		}
		*field(config) = n
	}

	if v.IsSet("channel_plan") {
		var plan ChannelPlan
		if err := json.Unmarshal(jsonc.ToJSON([]byte(v.GetString("channel_plan"))), &plan); err != nil {
			return fmt.Errorf("%s: %w", channelPlanEnv, err)
		}
		config.ChannelPlan = &plan
	}

	return nil
}
