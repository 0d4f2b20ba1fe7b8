package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/radio-control/radiocore/internal/adapter"
	"github.com/radio-control/radiocore/internal/audit"
	"github.com/radio-control/radiocore/internal/config"
	"github.com/radio-control/radiocore/internal/radio"
	"github.com/radio-control/radiocore/internal/telemetry"
)

const meterName = "github.com/radio-control/radiocore/internal/command"

// Orchestrator routes validated API intents to radio adapters. Commands
// against one radio are serialized; commands against different radios run
// concurrently.
type Orchestrator struct {
	radios RadioManager
	events EventPublisher
	timing config.Source
	audit  AuditLogger
	logger *slog.Logger

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	duration metric.Float64Histogram
	outcomes metric.Int64Counter

	now func() time.Time
}

// Compile-time assertion that radio.Manager implements RadioManager
var _ RadioManager = (*radio.Manager)(nil)

// Compile-time assertion that the telemetry hub implements EventPublisher
var _ EventPublisher = (*telemetry.Hub)(nil)

// Compile-time assertion that Orchestrator implements OrchestratorPort
var _ OrchestratorPort = (*Orchestrator)(nil)

// NewOrchestrator creates a new command orchestrator. A nil timing source
// uses the CB-TIMING baseline; a nil publisher drops events.
func NewOrchestrator(events EventPublisher, timing config.Source, radios RadioManager) *Orchestrator {
	if timing == nil {
		timing = config.LoadCBTimingBaseline()
	}
	o := &Orchestrator{
		radios: radios,
		events: events,
		timing: timing,
		logger: slog.Default(),
		locks:  make(map[string]chan struct{}),
		now:    time.Now,
	}
	o.SetMeterProvider(otel.GetMeterProvider())
	return o
}

// SetAuditLogger sets the audit logger.
func (o *Orchestrator) SetAuditLogger(logger AuditLogger) {
	o.audit = logger
}

// SetLogger replaces the orchestrator logger.
func (o *Orchestrator) SetLogger(l *slog.Logger) {
	o.logger = l
}

// SetMeterProvider rebinds the command latency histogram and outcome counter.
func (o *Orchestrator) SetMeterProvider(mp metric.MeterProvider) {
	meter := mp.Meter(meterName)
	var err error
	if o.duration, err = meter.Float64Histogram("rcc.command.duration",
		metric.WithDescription("Command latency including queueing on the radio lock"),
		metric.WithUnit("ms")); err != nil {
		o.duration = noop.Float64Histogram{}
	}
	if o.outcomes, err = meter.Int64Counter("rcc.command.outcomes",
		metric.WithDescription("Commands by action and result code")); err != nil {
		o.outcomes = noop.Int64Counter{}
	}
}

// event is what a successful command publishes.
type event struct {
	kind string
	data map[string]interface{}
}

// step runs with the radio lock held and the command deadline applied.
type step func(ctx context.Context, r *radio.Radio, a adapter.IRadioAdapter) (*event, error)

// execute resolves radioID (empty means the active radio), serializes on
// the radio lock and runs fn under the action's timeout class. The radio is
// read again once the lock is held, so the offline check, capability bounds
// and state fn sees include every earlier command. Waiting for the lock is
// bounded by ctx only; the timeout class starts when the command owns the
// radio. Every outcome is audited and measured before it is returned; on
// success the event is published while the lock is held so that state and
// events stay in command order.
func (o *Orchestrator) execute(ctx context.Context, action, radioID string, refuseOffline bool, fn step) (string, error) {
	start := o.now()

	r, _, err := o.resolve(radioID)
	if err != nil {
		o.finish(ctx, action, radioID, start, err)
		return radioID, err
	}
	radioID = r.ID

	release, err := o.acquire(ctx, radioID)
	if err != nil {
		o.finish(ctx, action, radioID, start, err)
		return radioID, err
	}
	defer release()

	r, a, err := o.resolve(radioID)
	if err != nil {
		o.finish(ctx, action, radioID, start, err)
		return radioID, err
	}
	if refuseOffline && r.Status == radio.StatusOffline {
		err = &adapter.VendorError{
			Code:     adapter.ErrUnavailable,
			Original: fmt.Errorf("radio %s is offline", radioID),
		}
		o.finish(ctx, action, radioID, start, err)
		return radioID, err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timing.Current().CommandTimeout(action))
	defer cancel()

	ev, err := fn(callCtx, r, a)
	o.finish(ctx, action, radioID, start, err)
	if err == nil && ev != nil {
		o.publish(radioID, ev)
	}
	return radioID, err
}

func (o *Orchestrator) resolve(radioID string) (*radio.Radio, adapter.IRadioAdapter, error) {
	if o.radios == nil {
		return nil, nil, &adapter.VendorError{Code: adapter.ErrUnavailable, Original: errors.New("no radio manager")}
	}
	r, a, err := o.radios.Lookup(radioID)
	if err != nil {
		return nil, nil, notFound(err)
	}
	if a == nil {
		return nil, nil, &adapter.VendorError{
			Code:     adapter.ErrUnavailable,
			Original: fmt.Errorf("radio %s has no adapter", r.ID),
		}
	}
	return r, a, nil
}

func notFound(err error) error {
	if errors.Is(err, radio.ErrRadioNotFound) || errors.Is(err, radio.ErrNoActiveRadio) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// acquire takes the per-radio command slot, giving up when ctx ends.
func (o *Orchestrator) acquire(ctx context.Context, radioID string) (func(), error) {
	o.locksMu.Lock()
	sem, ok := o.locks[radioID]
	if !ok {
		sem = make(chan struct{}, 1)
		o.locks[radioID] = sem
	}
	o.locksMu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, adapter.Normalize(ctx.Err())
	}
}

// call runs fn bounded by ctx. A response arriving after the deadline is
// discarded; the caller sees UNAVAILABLE.
func call[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return res.v, adapter.Normalize(res.err)
		}
		if ctx.Err() != nil {
			var zero T
			return zero, adapter.Normalize(ctx.Err())
		}
		return res.v, nil
	case <-ctx.Done():
		var zero T
		return zero, adapter.Normalize(ctx.Err())
	}
}

func (o *Orchestrator) finish(ctx context.Context, action, radioID string, start time.Time, err error) {
	latency := o.now().Sub(start)
	code := ResultCode(err)

	if o.audit != nil {
		o.audit.LogAction(ctx, action, radioID, code, latency)
	}

	attrs := metric.WithAttributes(attribute.String("action", action), attribute.String("code", code))
	o.duration.Record(ctx, float64(latency)/float64(time.Millisecond), attrs)
	o.outcomes.Add(ctx, 1, attrs)

	switch {
	case err == nil:
	case code == adapter.CodeInternal:
		o.logger.ErrorContext(ctx, "command failed",
			slog.String("action", action),
			slog.String("radioId", radioID),
			slog.String("code", code),
			slog.Any("error", xerrors.New(err)))
	default:
		o.logger.WarnContext(ctx, "command failed",
			slog.String("action", action),
			slog.String("radioId", radioID),
			slog.String("code", code),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) publish(radioID string, ev *event) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishRadio(radioID, ev.kind, ev.data); err != nil {
		o.logger.Warn("telemetry publish failed",
			slog.String("radioId", radioID),
			slog.String("type", ev.kind),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) updateState(radioID string, state *adapter.RadioState) {
	o.warnUpdate(radioID, o.radios.UpdateState(radioID, state))
}

func (o *Orchestrator) warnUpdate(radioID string, err error) {
	if err != nil {
		o.logger.Warn("radio state update failed", slog.String("radioId", radioID), slog.String("error", err.Error()))
	}
}

// SetPower sets the transmit power in dBm. Values outside the radio's
// capability bounds fail with INVALID_RANGE before the adapter is called.
func (o *Orchestrator) SetPower(ctx context.Context, radioID string, dBm float64) error {
	ctx = audit.WithParams(ctx, map[string]interface{}{"powerDbm": dBm})

	_, err := o.execute(ctx, config.OpSetPower, radioID, true, func(ctx context.Context, r *radio.Radio, a adapter.IRadioAdapter) (*event, error) {
		if caps := r.Capabilities; caps != nil && !caps.PowerInRange(dBm) {
			return nil, &adapter.VendorError{
				Code:     adapter.ErrInvalidRange,
				Original: fmt.Errorf("power %.1f dBm outside [%d, %d]", dBm, caps.MinPowerDbm, caps.MaxPowerDbm),
				Details:  map[string]interface{}{"min": caps.MinPowerDbm, "max": caps.MaxPowerDbm},
			}
		}
		if _, err := call(ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.SetPower(ctx, dBm)
		}); err != nil {
			return nil, err
		}

		o.warnUpdate(r.ID, o.radios.UpdatePower(r.ID, dBm))
		return &event{kind: telemetry.EventPowerChanged, data: map[string]interface{}{
			"powerDbm": dBm,
		}}, nil
	})
	return err
}

// SetChannel tunes the radio by channel index or frequency. An explicit
// frequency takes precedence over the index; the result carries the index
// that maps to the applied frequency, or nil.
func (o *Orchestrator) SetChannel(ctx context.Context, radioID string, req ChannelRequest) (*ChannelResult, error) {
	if req.Index == nil && req.FrequencyMhz == nil {
		err := fmt.Errorf("%w: channelIndex or frequencyMhz required", ErrInvalidParameter)
		o.finish(ctx, config.OpSetChannel, radioID, o.now(), err)
		return nil, err
	}

	params := map[string]interface{}{}
	if req.Index != nil {
		params["channelIndex"] = *req.Index
	}
	if req.FrequencyMhz != nil {
		params["frequencyMhz"] = *req.FrequencyMhz
	}
	ctx = audit.WithParams(ctx, params)

	var result *ChannelResult
	_, err := o.execute(ctx, config.OpSetChannel, radioID, true, func(ctx context.Context, r *radio.Radio, a adapter.IRadioAdapter) (*event, error) {
		mhz, err := o.radios.ResolveChannel(r.ID, req.Index, req.FrequencyMhz)
		if err != nil {
			return nil, notFound(err)
		}
		if _, err := call(ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.SetFrequency(ctx, mhz)
		}); err != nil {
			return nil, err
		}

		o.warnUpdate(r.ID, o.radios.UpdateFrequency(r.ID, mhz))

		result = &ChannelResult{
			RadioID:      r.ID,
			FrequencyMhz: mhz,
			ChannelIndex: o.radios.ChannelIndexFor(r.ID, mhz),
		}
		data := map[string]interface{}{"frequencyMhz": mhz, "channelIndex": nil}
		if result.ChannelIndex != nil {
			data["channelIndex"] = *result.ChannelIndex
		}
		return &event{kind: telemetry.EventChannelChanged, data: data}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetFrequency tunes the radio to an explicit frequency.
func (o *Orchestrator) SetFrequency(ctx context.Context, radioID string, frequencyMhz float64) error {
	_, err := o.SetChannel(ctx, radioID, ChannelRequest{FrequencyMhz: &frequencyMhz})
	return err
}

// SelectRadio makes radioID the active radio once its adapter answers a
// state query inside the selectRadio deadline. Offline radios may be
// selected if they respond.
func (o *Orchestrator) SelectRadio(ctx context.Context, radioID string) error {
	ctx = audit.WithParams(ctx, map[string]interface{}{"radioId": radioID})
	if radioID == "" {
		err := fmt.Errorf("%w: radioId required", ErrInvalidParameter)
		o.finish(ctx, config.OpSelectRadio, radioID, o.now(), err)
		return err
	}

	_, err := o.execute(ctx, config.OpSelectRadio, radioID, false, func(ctx context.Context, r *radio.Radio, a adapter.IRadioAdapter) (*event, error) {
		state, err := call(ctx, a.GetState)
		if err != nil {
			return nil, err
		}
		if err := o.radios.SetActive(r.ID); err != nil {
			return nil, notFound(err)
		}
		if state != nil {
			o.updateState(r.ID, state)
		}
		return &event{kind: telemetry.EventRadioSelected, data: map[string]interface{}{
			"radioId": r.ID,
		}}, nil
	})
	return err
}

// GetState queries the adapter and refreshes the in-memory state.
func (o *Orchestrator) GetState(ctx context.Context, radioID string) (*adapter.RadioState, error) {
	_, state, err := o.getState(ctx, radioID)
	return state, err
}

func (o *Orchestrator) getState(ctx context.Context, radioID string) (string, *adapter.RadioState, error) {
	var out *adapter.RadioState
	id, err := o.execute(ctx, config.OpGetState, radioID, true, func(ctx context.Context, r *radio.Radio, a adapter.IRadioAdapter) (*event, error) {
		state, err := call(ctx, a.GetState)
		if err != nil {
			return nil, err
		}
		if state == nil {
			return nil, &adapter.VendorError{Code: adapter.ErrInternal, Original: errors.New("adapter returned nil state")}
		}
		s := *state
		out = &s
		o.updateState(r.ID, &s)

		data := map[string]interface{}{
			"powerDbm":     s.PowerDbm,
			"frequencyMhz": s.FrequencyMhz,
			"channelIndex": nil,
		}
		if idx := o.radios.ChannelIndexFor(r.ID, s.FrequencyMhz); idx != nil {
			data["channelIndex"] = *idx
		}
		return &event{kind: telemetry.EventState, data: data}, nil
	})
	if err != nil {
		return id, nil, err
	}
	return id, out, nil
}

// GetChannel reads the current frequency and the channel index mapping to
// it. A frequency outside the derived channel set reads back a nil index.
func (o *Orchestrator) GetChannel(ctx context.Context, radioID string) (*ChannelResult, error) {
	id, state, err := o.getState(ctx, radioID)
	if err != nil {
		return nil, err
	}
	return &ChannelResult{
		RadioID:      id,
		FrequencyMhz: state.FrequencyMhz,
		ChannelIndex: o.radios.ChannelIndexFor(id, state.FrequencyMhz),
	}, nil
}
