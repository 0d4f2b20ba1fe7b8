package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/radio-control/radiocore/internal/adapter"
	"github.com/radio-control/radiocore/internal/config"
)

// ProbeState is the health state of one radio's probe loop.
type ProbeState int

const (
	ProbeNormal ProbeState = iota
	ProbeRecovering
	ProbeOffline
)

// Radio status strings reported for each probe state.
const (
	StatusOnline   = "online"
	StatusDegraded = "degraded"
	StatusOffline  = "offline"
)

func (s ProbeState) String() string {
	switch s {
	case ProbeNormal:
		return "normal"
	case ProbeRecovering:
		return "recovering"
	case ProbeOffline:
		return "offline"
	}
	return "unknown"
}

// Status maps the probe state onto the radio status vocabulary.
func (s ProbeState) Status() string {
	switch s {
	case ProbeRecovering:
		return StatusDegraded
	case ProbeOffline:
		return StatusOffline
	default:
		return StatusOnline
	}
}

// ProbeStateForStatus maps a radio status back onto the probe state a loop
// should start in. Unknown statuses start Normal.
func ProbeStateForStatus(status string) ProbeState {
	switch status {
	case StatusOffline:
		return ProbeOffline
	case StatusDegraded:
		return ProbeRecovering
	default:
		return ProbeNormal
	}
}

// ProbeFunc checks a radio once. A nil error is a success.
type ProbeFunc func(ctx context.Context) error

// AdapterProbe probes through the adapter's GetState.
func AdapterProbe(a adapter.IRadioAdapter) ProbeFunc {
	return func(ctx context.Context) error {
		_, err := a.GetState(ctx)
		return err
	}
}

// probeMachine is the three-state probe policy. It is not safe for
// concurrent use; each probe loop owns one.
type probeMachine struct {
	state     ProbeState
	failures  int
	successes int
	confirm   int

	recovering *backoff.ExponentialBackOff
	offline    *backoff.ExponentialBackOff
}

func newProbeMachine(cfg *config.TimingConfig) *probeMachine {
	m := &probeMachine{
		recovering: &backoff.ExponentialBackOff{},
		offline:    &backoff.ExponentialBackOff{},
	}
	m.configure(cfg)
	return m
}

// configure refreshes the backoff parameters from cfg. Randomization is off:
// the cadence is part of the timing contract.
func (m *probeMachine) configure(cfg *config.TimingConfig) {
	m.recovering.InitialInterval = cfg.ProbeRecoveringInitial
	m.recovering.Multiplier = cfg.ProbeRecoveringBackoff
	m.recovering.MaxInterval = cfg.ProbeRecoveringMax
	m.recovering.RandomizationFactor = 0

	m.offline.InitialInterval = cfg.ProbeOfflineInitial
	m.offline.Multiplier = cfg.ProbeOfflineBackoff
	m.offline.MaxInterval = cfg.ProbeOfflineMax
	m.offline.RandomizationFactor = 0
}

// start puts a fresh machine into initial and returns the delay before the
// first probe. A radio that starts Recovering needs the full confirmation
// streak, as if it had come back from Offline.
func (m *probeMachine) start(initial ProbeState, cfg *config.TimingConfig) time.Duration {
	switch initial {
	case ProbeOffline:
		m.enter(ProbeOffline, 0)
		return m.offline.NextBackOff()
	case ProbeRecovering:
		m.enter(ProbeRecovering, cfg.ProbeConfirmSuccesses)
		return m.recovering.NextBackOff()
	default:
		m.enter(ProbeNormal, 0)
		return cfg.ProbeNormalInterval
	}
}

func (m *probeMachine) enter(state ProbeState, confirm int) {
	m.state = state
	m.failures = 0
	m.successes = 0
	m.confirm = confirm
	m.recovering.Reset()
	m.offline.Reset()
}

// observe records one probe outcome and returns the delay before the next
// probe and whether the state changed.
func (m *probeMachine) observe(ok bool, cfg *config.TimingConfig) (time.Duration, bool) {
	m.configure(cfg)

	switch m.state {
	case ProbeNormal:
		if ok {
			m.failures = 0
			return cfg.ProbeNormalInterval, false
		}
		m.failures++
		if m.failures >= cfg.ProbeNormalFailureThreshold {
			m.enter(ProbeRecovering, 1)
			return m.recovering.NextBackOff(), true
		}
		return cfg.ProbeNormalInterval, false

	case ProbeRecovering:
		if ok {
			m.failures = 0
			m.successes++
			if m.successes >= m.confirm {
				m.enter(ProbeNormal, 0)
				return cfg.ProbeNormalInterval, true
			}
			m.recovering.Reset()
			return m.recovering.NextBackOff(), false
		}
		m.successes = 0
		m.failures++
		if m.failures >= cfg.ProbeRecoveringFailureThreshold {
			m.enter(ProbeOffline, 0)
			return m.offline.NextBackOff(), true
		}
		return m.recovering.NextBackOff(), false

	default:
		if ok {
			m.enter(ProbeRecovering, cfg.ProbeConfirmSuccesses)
			return m.recovering.NextBackOff(), true
		}
		return m.offline.NextBackOff(), false
	}
}

type transition struct {
	radioID  string
	from, to ProbeState
	err      error
}

// StartProbe runs probe for radioID from the Normal state until StopProbe,
// Stop, or a replacing StartProbe. The first probe fires after
// ProbeNormalInterval. Each attempt is bounded by the interval it was
// scheduled with, so a stuck radio cannot slow any other loop.
func (h *Hub) StartProbe(radioID string, probe ProbeFunc) {
	h.StartProbeFrom(radioID, probe, ProbeNormal)
}

// StartProbeFrom is StartProbe for a radio whose known state is initial,
// such as one registered offline. The first probe fires after that state's
// initial interval.
func (h *Hub) StartProbeFrom(radioID string, probe ProbeFunc, initial ProbeState) {
	if h.stopped() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())

	h.probeMu.Lock()
	if prev, ok := h.probes[radioID]; ok {
		prev()
	}
	h.probes[radioID] = cancel
	h.wg.Add(1)
	h.probeMu.Unlock()

	go h.probeLoop(ctx, radioID, probe, initial)
}

// StopProbe ends the probe loop of radioID.
func (h *Hub) StopProbe(radioID string) {
	h.probeMu.Lock()
	defer h.probeMu.Unlock()
	if cancel, ok := h.probes[radioID]; ok {
		cancel()
		delete(h.probes, radioID)
	}
}

func (h *Hub) probeLoop(ctx context.Context, radioID string, probe ProbeFunc, initial ProbeState) {
	defer h.wg.Done()

	cfg := h.timing.Current()
	m := newProbeMachine(cfg)
	delay := m.start(initial, cfg)

	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-h.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		err := runProbe(ctx, probe, delay)
		if ctx.Err() != nil {
			return
		}

		from := m.state
		next, changed := m.observe(err == nil, h.timing.Current())
		delay = next
		if !changed {
			continue
		}
		select {
		case h.transitions <- transition{radioID: radioID, from: from, to: m.state, err: err}:
		case <-ctx.Done():
			return
		case <-h.done:
			return
		}
	}
}

// runProbe bounds probe by limit even when it ignores its context.
func runProbe(ctx context.Context, probe ProbeFunc, limit time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- probe(ctx) }()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return adapter.Normalize(ctx.Err())
	}
}

// dispatchTransitions turns probe transitions into status events and
// forwards them to the sink.
func (h *Hub) dispatchTransitions() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case tr := <-h.transitions:
			h.applyTransition(tr)
		}
	}
}

func (h *Hub) applyTransition(tr transition) {
	data := map[string]interface{}{
		"status":   tr.to.Status(),
		"previous": tr.from.Status(),
		"state":    tr.to.String(),
	}
	if tr.err != nil {
		data["code"] = adapter.Code(tr.err)
	}
	_ = h.PublishRadio(tr.radioID, EventStatus, data)

	attrs := []any{
		slog.String("radio", tr.radioID),
		slog.String("from", tr.from.String()),
		slog.String("to", tr.to.String()),
	}
	if tr.to == ProbeOffline {
		h.logger.Warn("radio probe transition", attrs...)
	} else {
		h.logger.Info("radio probe transition", attrs...)
	}

	if h.sink == nil {
		return
	}
	if err := h.sink.UpdateStatus(tr.radioID, tr.to.Status()); err != nil {
		h.logger.Warn("status sink rejected transition",
			slog.String("radio", tr.radioID),
			slog.String("error", err.Error()))
	}

	refresher, ok := h.sink.(CapabilityRefresher)
	if !ok || tr.to == ProbeOffline {
		return
	}
	if tr.from == ProbeOffline || !refresher.HasCapabilities(tr.radioID) {
		h.wg.Add(1)
		go h.refreshCapabilities(refresher, tr.radioID)
	}
}

// CapabilityRefresher is implemented by status sinks that also hold the
// capability set. Radios coming back from Offline, or reaching a healthy
// state without capabilities, are re-queried.
type CapabilityRefresher interface {
	HasCapabilities(radioID string) bool
	RefreshCapabilities(radioID string, timeout time.Duration) error
}

func (h *Hub) refreshCapabilities(r CapabilityRefresher, radioID string) {
	defer h.wg.Done()
	if err := r.RefreshCapabilities(radioID, h.timing.Current().CommandTimeoutGetState); err != nil {
		h.logger.Warn("capability refresh failed",
			slog.String("radio", radioID),
			slog.String("error", err.Error()))
		return
	}
	h.logger.Info("capabilities refreshed", slog.String("radio", radioID))
}
