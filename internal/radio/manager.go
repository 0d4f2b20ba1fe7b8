package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/radio-control/radiocore/internal/adapter"
	"github.com/radio-control/radiocore/internal/config"
)

// Radio status values. The health probe drives transitions between them.
const (
	StatusOnline   = "online"
	StatusDegraded = "degraded"
	StatusOffline  = "offline"
)

// DefaultModel is reported for adapters that do not implement adapter.ModelReporter.
const DefaultModel = "Unknown-Radio"

var (
	ErrRadioNotFound   = errors.New("radio not found")
	ErrChannelNotFound = errors.New("channel not found")
	ErrNoActiveRadio   = errors.New("no active radio")
)

// Radio represents a single radio with its capabilities and current state.
type Radio struct {
	ID           string                     `json:"id"`
	Model        string                     `json:"model"`
	Status       string                     `json:"status"`
	Capabilities *adapter.RadioCapabilities `json:"capabilities"`
	State        *adapter.RadioState        `json:"state"`
	LastSeen     time.Time                  `json:"lastSeen,omitempty"`
}

func (r *Radio) clone() *Radio {
	out := *r
	out.Capabilities = r.Capabilities.Clone()
	if r.State != nil {
		s := *r.State
		out.State = &s
	}
	return &out
}

// RadioList represents the response format for GET /radios.
type RadioList struct {
	ActiveRadioID string  `json:"activeRadioId"`
	Items         []Radio `json:"items"`
}

// Manager manages radio inventory, capabilities, and active selection.
// It is the only owner of Radio entries; every accessor returns a copy.
type Manager struct {
	mu            sync.RWMutex
	radios        map[string]*Radio
	activeRadioID string
	adapters      map[string]adapter.IRadioAdapter

	timing config.Source
	logger *slog.Logger
}

// NewManager creates a new radio manager. timing supplies the channel plan
// and power limits; nil uses the CB-TIMING baseline.
func NewManager(timing config.Source) *Manager {
	if timing == nil {
		timing = config.LoadCBTimingBaseline()
	}
	return &Manager{
		radios:   make(map[string]*Radio),
		adapters: make(map[string]adapter.IRadioAdapter),
		timing:   timing,
		logger:   slog.Default(),
	}
}

// SetLogger replaces the manager logger.
func (m *Manager) SetLogger(l *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = l
}

// LoadCapabilities registers radioID, querying the adapter for profiles and
// state for at most timeout. The inventory lock is not held while the adapter
// runs. On timeout the radio is registered offline and UNAVAILABLE is
// returned; other adapter failures register it offline with the adapter's
// normalized error. The first registered radio becomes active.
func (m *Manager) LoadCapabilities(radioID string, radioAdapter adapter.IRadioAdapter, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	caps, state, err := m.query(ctx, radioID, radioAdapter)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.adapters[radioID] = radioAdapter
	radio := &Radio{
		ID:       radioID,
		Model:    modelOf(radioAdapter),
		Status:   StatusOnline,
		LastSeen: time.Now(),
	}
	if err != nil {
		radio.Status = StatusOffline
	} else {
		radio.Capabilities = caps
		radio.State = state
	}
	m.radios[radioID] = radio

	if m.activeRadioID == "" {
		m.activeRadioID = radioID
	}

	if err != nil {
		m.logger.Warn("capability load failed",
			slog.String("radioId", radioID),
			slog.String("code", adapter.Code(err)),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to load capabilities for radio %s: %w", radioID, err)
	}
	return nil
}

// RefreshCapabilities re-queries the adapter and replaces the capability set.
// On failure the previous capabilities stay in place.
func (m *Manager) RefreshCapabilities(radioID string, timeout time.Duration) error {
	radioAdapter, err := m.Adapter(radioID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	caps, state, err := m.query(ctx, radioID, radioAdapter)
	if err != nil {
		return fmt.Errorf("failed to refresh capabilities for radio %s: %w", radioID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	radio, exists := m.radios[radioID]
	if !exists {
		return fmt.Errorf("radio %s: %w", radioID, ErrRadioNotFound)
	}
	radio.Capabilities = caps
	radio.State = state
	radio.LastSeen = time.Now()
	return nil
}

type queryResult struct {
	profiles []adapter.FrequencyProfile
	state    *adapter.RadioState
	err      error
}

// query runs the adapter calls on their own goroutine so an adapter that
// ignores cancellation cannot hold the caller past ctx.
func (m *Manager) query(ctx context.Context, radioID string, radioAdapter adapter.IRadioAdapter) (*adapter.RadioCapabilities, *adapter.RadioState, error) {
	done := make(chan queryResult, 1)
	go func() {
		profiles, err := radioAdapter.SupportedFrequencyProfiles(ctx)
		if err != nil {
			done <- queryResult{err: err}
			return
		}
		state, err := radioAdapter.GetState(ctx)
		done <- queryResult{profiles: profiles, state: state, err: err}
	}()

	var res queryResult
	select {
	case res = <-done:
	case <-ctx.Done():
		return nil, nil, &adapter.VendorError{Code: adapter.ErrUnavailable, Original: ctx.Err()}
	}
	if res.err != nil {
		return nil, nil, adapter.Normalize(res.err)
	}
	if res.state == nil {
		res.state = &adapter.RadioState{}
	}

	minDbm, maxDbm := m.powerBounds(radioID, radioAdapter)
	return &adapter.RadioCapabilities{
		MinPowerDbm: minDbm,
		MaxPowerDbm: maxDbm,
		Channels:    m.deriveChannels(radioAdapter, res.profiles),
	}, res.state, nil
}

// powerBounds prefers a configured per-radio limit, then the adapter's own
// limits, then the configured default.
func (m *Manager) powerBounds(radioID string, radioAdapter adapter.IRadioAdapter) (int, int) {
	cfg := m.timing.Current()
	if l, ok := cfg.PowerLimitFor(radioID); ok {
		return l.MinDbm, l.MaxDbm
	}
	if pl, ok := radioAdapter.(adapter.PowerLimiter); ok {
		return pl.PowerLimits()
	}
	return cfg.DefaultPowerLimit.MinDbm, cfg.DefaultPowerLimit.MaxDbm
}

// deriveChannels builds the channel set from, in order: the adapter band
// plan, the configured plan for the model, the flattened profiles.
func (m *Manager) deriveChannels(radioAdapter adapter.IRadioAdapter, profiles []adapter.FrequencyProfile) []adapter.Channel {
	if bp, ok := radioAdapter.(adapter.BandPlanProvider); ok {
		if channels := bp.GetBandPlan(); len(channels) > 0 {
			return channels
		}
	}

	var freqs []float64
	for _, p := range profiles {
		freqs = append(freqs, p.Frequencies...)
	}

	if planned := m.timing.Current().ChannelPlan.ChannelsFor(modelOf(radioAdapter), freqs); len(planned) > 0 {
		channels := make([]adapter.Channel, len(planned))
		for i, pc := range planned {
			channels[i] = adapter.Channel{Index: pc.ChannelIndex, FrequencyMhz: pc.FrequencyMhz}
		}
		return channels
	}

	channels := make([]adapter.Channel, 0, len(freqs))
	for _, f := range freqs {
		if containsFrequency(channels, f) {
			continue
		}
		channels = append(channels, adapter.Channel{Index: len(channels) + 1, FrequencyMhz: f})
	}
	return channels
}

func containsFrequency(channels []adapter.Channel, mhz float64) bool {
	for _, ch := range channels {
		if adapter.SameFrequency(ch.FrequencyMhz, mhz) {
			return true
		}
	}
	return false
}

func modelOf(radioAdapter adapter.IRadioAdapter) string {
	if mr, ok := radioAdapter.(adapter.ModelReporter); ok && mr.GetModel() != "" {
		return mr.GetModel()
	}
	return DefaultModel
}

// SetActive sets the active radio with existence check.
func (m *Manager) SetActive(radioID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.radios[radioID]; !exists {
		return fmt.Errorf("radio %s: %w", radioID, ErrRadioNotFound)
	}

	m.activeRadioID = radioID
	return nil
}

// GetActive returns the active radio ID.
func (m *Manager) GetActive() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeRadioID
}

// ActiveAdapter returns the adapter for the active radio.
func (m *Manager) ActiveAdapter() (adapter.IRadioAdapter, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.activeRadioID == "" {
		return nil, "", ErrNoActiveRadio
	}
	a, exists := m.adapters[m.activeRadioID]
	if !exists {
		return nil, "", fmt.Errorf("radio %s: %w", m.activeRadioID, ErrRadioNotFound)
	}
	return a, m.activeRadioID, nil
}

// Adapter returns the adapter registered for radioID.
func (m *Manager) Adapter(radioID string) (adapter.IRadioAdapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, exists := m.adapters[radioID]
	if !exists {
		return nil, fmt.Errorf("radio %s: %w", radioID, ErrRadioNotFound)
	}
	return a, nil
}

// Lookup resolves radioID, or the active radio when radioID is empty, to a
// copy of its entry and its adapter.
func (m *Manager) Lookup(radioID string) (*Radio, adapter.IRadioAdapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if radioID == "" {
		if m.activeRadioID == "" {
			return nil, nil, ErrNoActiveRadio
		}
		radioID = m.activeRadioID
	}
	radio, exists := m.radios[radioID]
	if !exists {
		return nil, nil, fmt.Errorf("radio %s: %w", radioID, ErrRadioNotFound)
	}
	return radio.clone(), m.adapters[radioID], nil
}

// List returns the radio list sorted by ID.
func (m *Manager) List() *RadioList {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]Radio, 0, len(m.radios))
	for _, radio := range m.radios {
		items = append(items, *radio.clone())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	return &RadioList{
		ActiveRadioID: m.activeRadioID,
		Items:         items,
	}
}

// IDs returns the registered radio IDs, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.radios))
	for id := range m.radios {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetRadio returns a copy of a specific radio by ID.
func (m *Manager) GetRadio(radioID string) (*Radio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	radio, exists := m.radios[radioID]
	if !exists {
		return nil, fmt.Errorf("radio %s: %w", radioID, ErrRadioNotFound)
	}
	return radio.clone(), nil
}

// GetChannelByIndex returns the channel with the 1-based index.
func (m *Manager) GetChannelByIndex(radioID string, index int) (adapter.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	radio, exists := m.radios[radioID]
	if !exists {
		return adapter.Channel{}, fmt.Errorf("radio %s: %w", radioID, ErrRadioNotFound)
	}
	if radio.Capabilities != nil {
		for _, ch := range radio.Capabilities.Channels {
			if ch.Index == index {
				return ch, nil
			}
		}
	}
	return adapter.Channel{}, fmt.Errorf("radio %s channel %d: %w", radioID, index, ErrChannelNotFound)
}

// ResolveChannel returns the frequency a channel command targets. An
// explicit frequency always wins over an index; an index alone resolves
// through the channel set, and an unknown index is INVALID_RANGE.
func (m *Manager) ResolveChannel(radioID string, index *int, frequencyMhz *float64) (float64, error) {
	if frequencyMhz != nil {
		if *frequencyMhz <= 0 {
			return 0, fmt.Errorf("%w: frequency %.1f MHz", adapter.ErrInvalidRange, *frequencyMhz)
		}
		return *frequencyMhz, nil
	}
	if index == nil {
		return 0, fmt.Errorf("%w: channel index or frequency required", adapter.ErrInvalidRange)
	}

	ch, err := m.GetChannelByIndex(radioID, *index)
	if errors.Is(err, ErrChannelNotFound) {
		return 0, fmt.Errorf("%w: %w", adapter.ErrInvalidRange, err)
	}
	if err != nil {
		return 0, err
	}
	return ch.FrequencyMhz, nil
}

// ChannelIndexFor returns the index whose frequency matches mhz, or nil
// when none does. Read paths report nil as a null channel index.
func (m *Manager) ChannelIndexFor(radioID string, mhz float64) *int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	radio, exists := m.radios[radioID]
	if !exists || radio.Capabilities == nil {
		return nil
	}
	for _, ch := range radio.Capabilities.Channels {
		if adapter.SameFrequency(ch.FrequencyMhz, mhz) {
			idx := ch.Index
			return &idx
		}
	}
	return nil
}

// UpdateState replaces the radio state wholesale.
func (m *Manager) UpdateState(radioID string, state *adapter.RadioState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	radio, exists := m.radios[radioID]
	if !exists {
		return fmt.Errorf("radio %s: %w", radioID, ErrRadioNotFound)
	}

	s := *state
	radio.State = &s
	radio.LastSeen = time.Now()
	return nil
}

// HasCapabilities reports whether radioID has a loaded capability set.
func (m *Manager) HasCapabilities(radioID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.radios[radioID]
	return ok && r.Capabilities != nil
}

// UpdatePower records the commanded power, leaving the frequency as is.
func (m *Manager) UpdatePower(radioID string, dBm float64) error {
	return m.updateField(radioID, func(s *adapter.RadioState) { s.PowerDbm = dBm })
}

// UpdateFrequency records the tuned frequency, leaving the power as is.
func (m *Manager) UpdateFrequency(radioID string, mhz float64) error {
	return m.updateField(radioID, func(s *adapter.RadioState) { s.FrequencyMhz = mhz })
}

func (m *Manager) updateField(radioID string, set func(*adapter.RadioState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	radio, exists := m.radios[radioID]
	if !exists {
		return fmt.Errorf("radio %s: %w", radioID, ErrRadioNotFound)
	}
	var s adapter.RadioState
	if radio.State != nil {
		s = *radio.State
	}
	set(&s)
	radio.State = &s
	radio.LastSeen = time.Now()
	return nil
}

// UpdateStatus updates the status of a radio.
func (m *Manager) UpdateStatus(radioID string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	radio, exists := m.radios[radioID]
	if !exists {
		return fmt.Errorf("radio %s: %w", radioID, ErrRadioNotFound)
	}

	if radio.Status != status {
		m.logger.Info("radio status changed",
			slog.String("radioId", radioID),
			slog.String("from", radio.Status),
			slog.String("to", status))
	}
	radio.Status = status
	radio.LastSeen = time.Now()
	return nil
}

// RemoveRadio removes a radio from the inventory.
func (m *Manager) RemoveRadio(radioID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.radios[radioID]; !exists {
		return fmt.Errorf("radio %s: %w", radioID, ErrRadioNotFound)
	}

	delete(m.radios, radioID)
	delete(m.adapters, radioID)

	if m.activeRadioID == radioID {
		m.activeRadioID = ""
	}
	return nil
}
