package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/radio-control/radiocore/internal/config"
)

// Event types.
const (
	EventReady          = "ready"
	EventHeartbeat      = "heartbeat"
	EventState          = "state"
	EventPowerChanged   = "powerChanged"
	EventChannelChanged = "channelChanged"
	EventRadioSelected  = "radioSelected"
	EventStatus         = "status"
	EventGap            = "gap"
)

const meterName = "github.com/radio-control/radiocore/internal/telemetry"

var (
	// ErrHubStopped is returned by Publish after Stop.
	ErrHubStopped = errors.New("telemetry hub stopped")
	// ErrSubscriberDropped ends a stream whose subscriber fell too far behind.
	ErrSubscriberDropped = errors.New("subscriber disconnected after repeated drops")
	// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
	ErrStreamingUnsupported = errors.New("streaming unsupported")
)

// Event is one telemetry record. ID is a per-radio sequence assigned by the
// hub; events without a radio (heartbeats) carry no ID.
type Event struct {
	Radio     string                 `json:"radioId,omitempty"`
	ID        int64                  `json:"id,omitempty"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"ts"`
}

// Subscriber receives events through a bounded queue. The queue is closed
// when the subscriber is detached or disconnected for falling behind.
type Subscriber struct {
	ID    string
	Radio string // empty receives every radio

	mu      sync.Mutex
	queue   chan Event
	closed  bool
	drops   int
	dropped bool
}

// Events returns the receive side of the queue.
func (s *Subscriber) Events() <-chan Event {
	return s.queue
}

// Dropped reports whether the hub disconnected this subscriber.
func (s *Subscriber) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) wants(ev Event) bool {
	return ev.Radio == "" || s.Radio == "" || s.Radio == ev.Radio
}

// offer enqueues ev without blocking. It reports whether the event was
// dropped and whether this drop pushed the subscriber over limit.
func (s *Subscriber) offer(ev Event, limit int) (dropped, evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.queue <- ev:
		s.drops = 0
		return false, false
	default:
	}
	s.drops++
	if s.drops > limit {
		s.dropped = true
		s.closeLocked()
		return true, true
	}
	return true, false
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Subscriber) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

// ReplayResult is the outcome of a resume request.
type ReplayResult struct {
	Events []Event
	// Gap is set when an event after the requested ID is no longer retained,
	// or the requested ID is ahead of the radio's sequence.
	Gap bool
	// Oldest is the first retained ID, zero when nothing is retained.
	Oldest int64
}

// EventBuffer keeps the recent events of one radio.
type EventBuffer struct {
	mu             sync.Mutex
	events         []Event
	nextID         int64
	evictedThrough int64
}

func newEventBuffer() *EventBuffer {
	return &EventBuffer{nextID: 1}
}

// appendLocked stamps ev with the next sequence and stores it.
func (b *EventBuffer) appendLocked(ev Event, capacity int, retention time.Duration, now time.Time) Event {
	ev.ID = b.nextID
	b.nextID++
	b.events = append(b.events, ev)
	b.pruneLocked(capacity, retention, now)
	return ev
}

func (b *EventBuffer) pruneLocked(capacity int, retention time.Duration, now time.Time) {
	drop := 0
	if capacity > 0 && len(b.events) > capacity {
		drop = len(b.events) - capacity
	}
	if retention > 0 {
		cutoff := now.Add(-retention)
		for drop < len(b.events) && b.events[drop].Timestamp.Before(cutoff) {
			drop++
		}
	}
	if drop == 0 {
		return
	}
	b.evictedThrough = b.events[drop-1].ID
	b.events = append(b.events[:0:0], b.events[drop:]...)
}

func (b *EventBuffer) afterLocked(lastID int64) ReplayResult {
	var res ReplayResult
	if len(b.events) > 0 {
		res.Oldest = b.events[0].ID
	}
	if lastID >= b.nextID {
		// Sequence restarted since the client last saw it.
		res.Gap = true
		res.Events = append([]Event(nil), b.events...)
		return res
	}
	res.Gap = lastID < b.evictedThrough
	for _, ev := range b.events {
		if ev.ID > lastID {
			res.Events = append(res.Events, ev)
		}
	}
	return res
}

// Len returns the number of retained events.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// StatusSink receives radio status changes decided by the probe loops.
type StatusSink interface {
	UpdateStatus(radioID, status string) error
}

// Hub fans events out to subscribers, keeps per-radio replay buffers, emits
// heartbeats and runs the per-radio probe loops.
//
// LOCK ORDERING: buffer.mu, then h.mu, then Subscriber.mu. Sequence
// assignment, buffering and enqueue for a radio all happen under that
// radio's buffer lock so subscribers see each radio's events in order.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	buffersMu sync.Mutex
	buffers   map[string]*EventBuffer

	probeMu sync.Mutex
	probes  map[string]context.CancelFunc

	timing   config.Source
	logger   *slog.Logger
	sink     StatusSink
	snapshot func() map[string]interface{}

	drops       metric.Int64Counter
	disconnects metric.Int64Counter

	now    func() time.Time
	jitter func() float64

	transitions chan transition
	done        chan struct{}
	wg          sync.WaitGroup
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewHub creates a hub reading its limits from timing on every use, so a
// hot-reloaded config applies to the next event. A nil source uses the
// CB-TIMING baseline.
func NewHub(timing config.Source) *Hub {
	if timing == nil {
		timing = config.LoadCBTimingBaseline()
	}
	h := &Hub{
		subscribers: make(map[string]*Subscriber),
		buffers:     make(map[string]*EventBuffer),
		probes:      make(map[string]context.CancelFunc),
		timing:      timing,
		logger:      slog.Default(),
		now:         time.Now,
		jitter:      rand.Float64,
		transitions: make(chan transition, 64),
		done:        make(chan struct{}),
	}
	h.SetMeterProvider(otel.GetMeterProvider())
	return h
}

// SetLogger replaces the hub logger.
func (h *Hub) SetLogger(l *slog.Logger) {
	h.logger = l
}

// SetMeterProvider rebinds the drop and disconnect counters.
func (h *Hub) SetMeterProvider(mp metric.MeterProvider) {
	meter := mp.Meter(meterName)
	var err error
	if h.drops, err = meter.Int64Counter("rcc.telemetry.events_dropped",
		metric.WithDescription("Events dropped because a subscriber queue was full")); err != nil {
		h.drops = noop.Int64Counter{}
	}
	if h.disconnects, err = meter.Int64Counter("rcc.telemetry.subscribers_disconnected",
		metric.WithDescription("Subscribers disconnected after exceeding the drop limit")); err != nil {
		h.disconnects = noop.Int64Counter{}
	}
}

// SetStatusSink sets where probe transitions are forwarded.
func (h *Hub) SetStatusSink(sink StatusSink) {
	h.sink = sink
}

// SetSnapshot sets the provider of the ready event payload.
func (h *Hub) SetSnapshot(fn func() map[string]interface{}) {
	h.snapshot = fn
}

// Start launches the heartbeat loop and the transition dispatcher.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		h.wg.Add(2)
		go h.heartbeatLoop()
		go h.dispatchTransitions()
	})
}

// Stop ends probes, heartbeats and every subscriber stream.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.probeMu.Lock()
		for id, cancel := range h.probes {
			cancel()
			delete(h.probes, id)
		}
		h.probeMu.Unlock()

		h.wg.Wait()

		h.mu.Lock()
		for id, sub := range h.subscribers {
			sub.close()
			delete(h.subscribers, id)
		}
		h.mu.Unlock()
	})
}

func (h *Hub) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Hub) buffer(radioID string) *EventBuffer {
	h.buffersMu.Lock()
	defer h.buffersMu.Unlock()
	b, ok := h.buffers[radioID]
	if !ok {
		b = newEventBuffer()
		h.buffers[radioID] = b
	}
	return b
}

// Publish delivers ev to every interested subscriber without blocking.
// Events naming a radio get the radio's next sequence number and are
// buffered for replay; events without one are broadcast only.
func (h *Hub) Publish(ev Event) error {
	if h.stopped() {
		return ErrHubStopped
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now().UTC()
	}
	cfg := h.timing.Current()

	if ev.Radio == "" {
		ev.ID = 0
		h.fanOut(ev, cfg.SubscriberDropLimit)
		return nil
	}

	b := h.buffer(ev.Radio)
	b.mu.Lock()
	ev = b.appendLocked(ev, cfg.EventBufferSize, cfg.EventBufferRetention, h.now())
	h.fanOut(ev, cfg.SubscriberDropLimit)
	b.mu.Unlock()
	return nil
}

// PublishRadio publishes an event of type eventType for radioID.
func (h *Hub) PublishRadio(radioID, eventType string, data map[string]interface{}) error {
	return h.Publish(Event{Radio: radioID, Type: eventType, Data: data})
}

func (h *Hub) fanOut(ev Event, limit int) {
	var evicted []*Subscriber
	dropped := 0

	h.mu.RLock()
	for _, sub := range h.subscribers {
		if !sub.wants(ev) {
			continue
		}
		d, e := sub.offer(ev, limit)
		if d {
			dropped++
		}
		if e {
			evicted = append(evicted, sub)
		}
	}
	h.mu.RUnlock()

	ctx := context.Background()
	if dropped > 0 {
		h.drops.Add(ctx, int64(dropped), metric.WithAttributes(attribute.String("type", ev.Type)))
	}
	if len(evicted) == 0 {
		return
	}
	h.disconnects.Add(ctx, int64(len(evicted)))
	h.mu.Lock()
	for _, sub := range evicted {
		delete(h.subscribers, sub.ID)
	}
	h.mu.Unlock()
	for _, sub := range evicted {
		h.logger.Warn("telemetry subscriber disconnected",
			slog.String("subscriber", sub.ID),
			slog.String("radio", sub.Radio),
			slog.Int("dropLimit", limit))
	}
}

// Replay returns the retained events of radioID after lastID.
func (h *Hub) Replay(radioID string, lastID int64) ReplayResult {
	b := h.buffer(radioID)
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg := h.timing.Current()
	b.pruneLocked(cfg.EventBufferSize, cfg.EventBufferRetention, h.now())
	return b.afterLocked(lastID)
}

// Attach registers a subscriber. When radioID and lastID are both given the
// replay is computed under the radio's buffer lock, so the returned events
// and the live queue neither overlap nor miss anything.
func (h *Hub) Attach(radioID string, lastID *int64) (*Subscriber, ReplayResult) {
	sub := &Subscriber{
		ID:    uuid.NewString(),
		Radio: radioID,
		queue: make(chan Event, h.timing.Current().SubscriberQueueSize),
	}
	if h.stopped() {
		sub.close()
		return sub, ReplayResult{}
	}

	var res ReplayResult
	if radioID != "" && lastID != nil {
		b := h.buffer(radioID)
		b.mu.Lock()
		cfg := h.timing.Current()
		b.pruneLocked(cfg.EventBufferSize, cfg.EventBufferRetention, h.now())
		res = b.afterLocked(*lastID)
		h.register(sub)
		b.mu.Unlock()
		return sub, res
	}
	h.register(sub)
	return sub, res
}

func (h *Hub) register(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub.ID] = sub
}

// Detach removes sub and closes its queue.
func (h *Hub) Detach(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub.ID)
	h.mu.Unlock()
	sub.close()
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Subscribe serves an SSE stream until ctx ends, the hub stops or the
// subscriber is dropped. The stream starts with a ready event; a
// radio-filtered stream (?radio=) resumes from Last-Event-ID and emits a gap
// event when that is no longer possible.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	radioID := r.URL.Query().Get("radio")
	var lastID *int64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id >= 0 {
			lastID = &id
		}
	}

	sub, replay := h.Attach(radioID, lastID)
	defer h.Detach(sub)

	withIDs := radioID != ""
	ready := Event{Type: EventReady, Timestamp: h.now().UTC(), Data: map[string]interface{}{
		"subscriberId": sub.ID,
	}}
	if h.snapshot != nil {
		ready.Data["snapshot"] = h.snapshot()
	}
	if err := writeSSE(w, flusher, ready, false); err != nil {
		return err
	}

	switch {
	case lastID != nil && radioID == "":
		gap := Event{Type: EventGap, Timestamp: h.now().UTC(), Data: map[string]interface{}{
			"lastEventId": *lastID,
			"reason":      "resume requires a radio filter",
		}}
		if err := writeSSE(w, flusher, gap, false); err != nil {
			return err
		}
	case replay.Gap:
		gap := Event{Radio: radioID, Type: EventGap, Timestamp: h.now().UTC(), Data: map[string]interface{}{
			"lastEventId": *lastID,
			"oldestId":    replay.Oldest,
			"reason":      "events evicted",
		}}
		if err := writeSSE(w, flusher, gap, false); err != nil {
			return err
		}
	}
	for _, ev := range replay.Events {
		if err := writeSSE(w, flusher, ev, withIDs); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					return ErrSubscriberDropped
				}
				return nil
			}
			if err := writeSSE(w, flusher, ev, withIDs); err != nil {
				return err
			}
		}
	}
}

type ssePayload struct {
	Radio     string                 `json:"radioId,omitempty"`
	Timestamp time.Time              `json:"ts"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// writeSSE frames ev as a Server-Sent Event. Only radio-filtered streams
// carry id lines, since IDs are per radio.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev Event, withID bool) error {
	data, err := json.Marshal(ssePayload{Radio: ev.Radio, Timestamp: ev.Timestamp, Data: ev.Data})
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if withID && ev.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	flusher.Flush()
	return nil
}

// heartbeatDelay returns interval shifted by a uniform offset in
// [-jitter, +jitter] chosen by r in [0, 1).
func heartbeatDelay(interval, jitter time.Duration, r float64) time.Duration {
	d := interval + time.Duration((2*r-1)*float64(jitter))
	if d <= 0 {
		return interval
	}
	return d
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	for {
		cfg := h.timing.Current()
		timer := time.NewTimer(heartbeatDelay(cfg.HeartbeatInterval, cfg.HeartbeatJitter, h.jitter()))
		select {
		case <-h.done:
			timer.Stop()
			return
		case <-timer.C:
		}
		now := h.now().UTC()
		_ = h.Publish(Event{Type: EventHeartbeat, Timestamp: now, Data: map[string]interface{}{
			"ts": now.Format(time.RFC3339),
		}})
	}
}
