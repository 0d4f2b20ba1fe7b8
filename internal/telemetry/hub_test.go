package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/radio-control/radiocore/internal/config"
)

// threadSafeResponseWriter captures SSE output in a thread-safe way.
type threadSafeResponseWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	headers http.Header
}

func newThreadSafeResponseWriter() *threadSafeResponseWriter {
	return &threadSafeResponseWriter{headers: make(http.Header)}
}

func (w *threadSafeResponseWriter) Header() http.Header { return w.headers }

func (w *threadSafeResponseWriter) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(data)
}

func (w *threadSafeResponseWriter) WriteHeader(statusCode int) {}

func (w *threadSafeResponseWriter) Flush() {}

func (w *threadSafeResponseWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func receive(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscriber queue closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return Event{}
}

func testTiming(mutate func(*config.TimingConfig)) *config.TimingConfig {
	cfg := config.LoadCBTimingBaseline()
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() failed: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s has unexpected type %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestPublishAssignsPerRadioSequence(t *testing.T) {
	hub := NewHub(testTiming(nil))
	defer hub.Stop()

	for i := 0; i < 3; i++ {
		if err := hub.PublishRadio("radio-01", EventState, nil); err != nil {
			t.Fatalf("PublishRadio() failed: %v", err)
		}
	}
	if err := hub.PublishRadio("radio-02", EventState, nil); err != nil {
		t.Fatalf("PublishRadio() failed: %v", err)
	}

	one := hub.Replay("radio-01", 0)
	if len(one.Events) != 3 {
		t.Fatalf("radio-01 retained %d events, want 3", len(one.Events))
	}
	for i, ev := range one.Events {
		if ev.ID != int64(i+1) {
			t.Errorf("radio-01 event %d has ID %d, want %d", i, ev.ID, i+1)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("event %d has no timestamp", ev.ID)
		}
	}
	two := hub.Replay("radio-02", 0)
	if len(two.Events) != 1 || two.Events[0].ID != 1 {
		t.Errorf("radio-02 sequence = %+v, want a single event with ID 1", two.Events)
	}
}

func TestGlobalEventsAreNotBuffered(t *testing.T) {
	hub := NewHub(testTiming(nil))
	defer hub.Stop()

	sub, _ := hub.Attach("radio-01", nil)
	if err := hub.Publish(Event{Type: EventHeartbeat}); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	ev := receive(t, sub)
	if ev.Type != EventHeartbeat || ev.ID != 0 || ev.Radio != "" {
		t.Errorf("heartbeat = %+v, want unnumbered global event", ev)
	}
	hub.buffersMu.Lock()
	n := len(hub.buffers)
	hub.buffersMu.Unlock()
	if n != 0 {
		t.Errorf("global event created %d buffers", n)
	}
}

func TestRadioFilter(t *testing.T) {
	hub := NewHub(testTiming(nil))
	defer hub.Stop()

	filtered, _ := hub.Attach("radio-02", nil)
	all, _ := hub.Attach("", nil)

	_ = hub.PublishRadio("radio-01", EventPowerChanged, map[string]interface{}{"powerDbm": 10})
	_ = hub.PublishRadio("radio-02", EventPowerChanged, map[string]interface{}{"powerDbm": 20})

	if ev := receive(t, filtered); ev.Radio != "radio-02" {
		t.Errorf("filtered subscriber got radio %q", ev.Radio)
	}
	select {
	case ev := <-filtered.Events():
		t.Errorf("filtered subscriber got extra event %+v", ev)
	default:
	}

	if a, b := receive(t, all), receive(t, all); a.Radio != "radio-01" || b.Radio != "radio-02" {
		t.Errorf("unfiltered subscriber got %q then %q", a.Radio, b.Radio)
	}
}

func TestReplay(t *testing.T) {
	hub := NewHub(testTiming(func(c *config.TimingConfig) { c.EventBufferSize = 3 }))
	defer hub.Stop()

	for i := 0; i < 5; i++ {
		_ = hub.PublishRadio("radio-01", EventState, nil)
	}

	tests := []struct {
		name    string
		lastID  int64
		wantIDs []int64
		wantGap bool
	}{
		{"from start after eviction", 0, []int64{3, 4, 5}, true},
		{"last evicted event", 2, []int64{3, 4, 5}, false},
		{"inside window", 4, []int64{5}, false},
		{"up to date", 5, nil, false},
		{"ahead of sequence", 10, []int64{3, 4, 5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := hub.Replay("radio-01", tt.lastID)
			if res.Gap != tt.wantGap {
				t.Errorf("Gap = %v, want %v", res.Gap, tt.wantGap)
			}
			if res.Oldest != 3 {
				t.Errorf("Oldest = %d, want 3", res.Oldest)
			}
			if len(res.Events) != len(tt.wantIDs) {
				t.Fatalf("got %d events, want %d", len(res.Events), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if res.Events[i].ID != id {
					t.Errorf("event %d ID = %d, want %d", i, res.Events[i].ID, id)
				}
			}
		})
	}
}

func TestReplayRetention(t *testing.T) {
	hub := NewHub(testTiming(func(c *config.TimingConfig) { c.EventBufferRetention = time.Hour }))
	defer hub.Stop()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return now }

	_ = hub.PublishRadio("radio-01", EventState, nil)
	now = now.Add(30 * time.Minute)
	_ = hub.PublishRadio("radio-01", EventState, nil)
	now = now.Add(45 * time.Minute)

	res := hub.Replay("radio-01", 0)
	if !res.Gap {
		t.Error("expected gap after first event aged out")
	}
	if len(res.Events) != 1 || res.Events[0].ID != 2 {
		t.Fatalf("retained %+v, want only event 2", res.Events)
	}

	now = now.Add(time.Hour)
	if res := hub.Replay("radio-01", 2); len(res.Events) != 0 || res.Gap {
		t.Errorf("caught-up client after expiry got %+v", res)
	}
}

func TestAttachReplaysAndStreamsWithoutOverlap(t *testing.T) {
	hub := NewHub(testTiming(nil))
	defer hub.Stop()

	for i := 0; i < 3; i++ {
		_ = hub.PublishRadio("radio-01", EventState, nil)
	}
	last := int64(1)
	sub, res := hub.Attach("radio-01", &last)
	if len(res.Events) != 2 || res.Events[0].ID != 2 || res.Gap {
		t.Fatalf("replay = %+v, want events 2 and 3 without gap", res)
	}

	_ = hub.PublishRadio("radio-01", EventState, nil)
	if ev := receive(t, sub); ev.ID != 4 {
		t.Errorf("first live event ID = %d, want 4", ev.ID)
	}
}

func TestSlowSubscriberDroppedWithoutStallingOthers(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	hub := NewHub(testTiming(func(c *config.TimingConfig) {
		c.SubscriberQueueSize = 2
		c.SubscriberDropLimit = 3
	}))
	hub.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	defer hub.Stop()

	slow, _ := hub.Attach("", nil)
	fast, _ := hub.Attach("", nil)

	for i := 1; i <= 10; i++ {
		done := make(chan struct{})
		go func() {
			_ = hub.PublishRadio("radio-01", EventState, nil)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("Publish blocked on event %d", i)
		}
		if ev := receive(t, fast); ev.ID != int64(i) {
			t.Fatalf("fast subscriber got ID %d, want %d", ev.ID, i)
		}
	}

	if !slow.Dropped() {
		t.Fatal("slow subscriber was not disconnected")
	}
	var got []int64
	for ev := range slow.Events() {
		got = append(got, ev.ID)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("slow subscriber drained %v, want [1 2]", got)
	}
	if n := hub.SubscriberCount(); n != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", n)
	}
	if fast.Dropped() {
		t.Error("fast subscriber marked dropped")
	}

	if n := counterTotal(t, reader, "rcc.telemetry.events_dropped"); n != 4 {
		t.Errorf("events_dropped = %d, want 4", n)
	}
	if n := counterTotal(t, reader, "rcc.telemetry.subscribers_disconnected"); n != 1 {
		t.Errorf("subscribers_disconnected = %d, want 1", n)
	}
}

func TestDropCounterResetsOnDelivery(t *testing.T) {
	hub := NewHub(testTiming(func(c *config.TimingConfig) {
		c.SubscriberQueueSize = 1
		c.SubscriberDropLimit = 2
	}))
	defer hub.Stop()

	sub, _ := hub.Attach("", nil)
	for round := 0; round < 5; round++ {
		// One queued, two dropped: at the limit but not over it.
		for i := 0; i < 3; i++ {
			_ = hub.PublishRadio("radio-01", EventState, nil)
		}
		receive(t, sub)
	}
	if sub.Dropped() {
		t.Error("subscriber disconnected although drops never exceeded the limit consecutively")
	}
}

func TestConcurrentPublishKeepsPerRadioOrder(t *testing.T) {
	hub := NewHub(testTiming(func(c *config.TimingConfig) {
		c.SubscriberQueueSize = 1000
		c.EventBufferSize = 1000
	}))
	defer hub.Stop()

	sub, _ := hub.Attach("", nil)
	radios := []string{"radio-01", "radio-02", "radio-03"}

	var wg sync.WaitGroup
	for _, id := range radios {
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					_ = hub.PublishRadio(id, EventState, nil)
				}
			}(id)
		}
	}
	wg.Wait()

	last := make(map[string]int64)
	for i := 0; i < len(radios)*100; i++ {
		ev := receive(t, sub)
		if ev.ID != last[ev.Radio]+1 {
			t.Fatalf("radio %s: ID %d after %d", ev.Radio, ev.ID, last[ev.Radio])
		}
		last[ev.Radio] = ev.ID
	}
}

func TestHeartbeatDelay(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		jitter   time.Duration
		r        float64
		want     time.Duration
	}{
		{"low edge", 15 * time.Second, 2 * time.Second, 0, 13 * time.Second},
		{"centre", 15 * time.Second, 2 * time.Second, 0.5, 15 * time.Second},
		{"high", 15 * time.Second, 2 * time.Second, 0.75, 16 * time.Second},
		{"no jitter", 15 * time.Second, 0, 0.9, 15 * time.Second},
		{"jitter beyond interval", time.Second, 5 * time.Second, 0, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := heartbeatDelay(tt.interval, tt.jitter, tt.r); got != tt.want {
				t.Errorf("heartbeatDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHeartbeatLoop(t *testing.T) {
	hub := NewHub(testTiming(func(c *config.TimingConfig) {
		c.HeartbeatInterval = 20 * time.Millisecond
		c.HeartbeatJitter = 5 * time.Millisecond
	}))
	sub, _ := hub.Attach("radio-01", nil)
	hub.Start()

	for i := 0; i < 2; i++ {
		ev := receive(t, sub)
		if ev.Type != EventHeartbeat {
			t.Fatalf("event type = %q, want heartbeat", ev.Type)
		}
		if _, ok := ev.Data["ts"]; !ok {
			t.Error("heartbeat missing ts")
		}
	}

	hub.Stop()
	for range sub.Events() {
		// Stop closes the queue once drained.
	}
	if err := hub.Publish(Event{Type: EventHeartbeat}); !errors.Is(err, ErrHubStopped) {
		t.Errorf("Publish after Stop = %v, want ErrHubStopped", err)
	}
}

func runSubscribe(t *testing.T, hub *Hub, target, lastEventID string) (*threadSafeResponseWriter, context.CancelFunc, chan error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	w := newThreadSafeResponseWriter()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- hub.Subscribe(ctx, w, req) }()
	return w, cancel, errc
}

func TestSubscribeSSEResume(t *testing.T) {
	hub := NewHub(testTiming(nil))
	defer hub.Stop()
	hub.SetSnapshot(func() map[string]interface{} {
		return map[string]interface{}{"activeRadioId": "radio-01"}
	})

	for i := 0; i < 3; i++ {
		_ = hub.PublishRadio("radio-01", EventPowerChanged, map[string]interface{}{"powerDbm": 10 + i})
	}

	w, cancel, errc := runSubscribe(t, hub, "/api/v1/telemetry?radio=radio-01", "1")
	waitFor(t, "subscriber attached", func() bool { return hub.SubscriberCount() == 1 })

	_ = hub.PublishRadio("radio-01", EventChannelChanged, map[string]interface{}{"frequencyMhz": 2422.0})
	waitFor(t, "live event", func() bool { return strings.Contains(w.String(), "id: 4\n") })

	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}

	out := w.String()
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}
	ready := strings.Index(out, "event: ready\n")
	two := strings.Index(out, "id: 2\n")
	four := strings.Index(out, "id: 4\n")
	if ready < 0 || two < 0 || four < 0 || !(ready < two && two < four) {
		t.Fatalf("unexpected stream order:\n%s", out)
	}
	if strings.Contains(out, "id: 1\n") {
		t.Error("event 1 replayed although the client had seen it")
	}
	if strings.Contains(out, "event: gap") {
		t.Error("gap emitted for a resumable stream")
	}
	if !strings.Contains(out, `"activeRadioId":"radio-01"`) {
		t.Error("ready event missing snapshot")
	}
	if !strings.Contains(out, "event: channelChanged\ndata: {") {
		t.Error("SSE framing not as expected")
	}
	if hub.SubscriberCount() != 0 {
		t.Error("subscriber not detached after cancel")
	}
}

func TestSubscribeSSEGap(t *testing.T) {
	hub := NewHub(testTiming(func(c *config.TimingConfig) { c.EventBufferSize = 2 }))
	defer hub.Stop()

	for i := 0; i < 5; i++ {
		_ = hub.PublishRadio("radio-01", EventState, nil)
	}

	w, cancel, errc := runSubscribe(t, hub, "/api/v1/telemetry?radio=radio-01", "1")
	waitFor(t, "replay", func() bool { return strings.Contains(w.String(), "id: 5\n") })
	cancel()
	<-errc

	out := w.String()
	gap := strings.Index(out, "event: gap\n")
	four := strings.Index(out, "id: 4\n")
	if gap < 0 || four < 0 || gap > four {
		t.Fatalf("expected gap before replayed events:\n%s", out)
	}
	if !strings.Contains(out, `"oldestId":4`) {
		t.Errorf("gap event missing oldestId:\n%s", out)
	}
}

func TestSubscribeUnfilteredResumeIsGap(t *testing.T) {
	hub := NewHub(testTiming(nil))
	defer hub.Stop()
	_ = hub.PublishRadio("radio-01", EventState, nil)

	w, cancel, errc := runSubscribe(t, hub, "/api/v1/telemetry", "1")
	waitFor(t, "gap", func() bool { return strings.Contains(w.String(), "event: gap\n") })

	_ = hub.PublishRadio("radio-01", EventState, nil)
	waitFor(t, "live event", func() bool { return strings.Contains(w.String(), "event: state\n") })
	cancel()
	<-errc

	if strings.Contains(w.String(), "id: ") {
		t.Error("unfiltered stream carried per-radio id lines")
	}
}

func TestSubscribeEndsOnStop(t *testing.T) {
	hub := NewHub(testTiming(nil))
	_, cancel, errc := runSubscribe(t, hub, "/api/v1/telemetry", "")
	defer cancel()
	waitFor(t, "subscriber attached", func() bool { return hub.SubscriberCount() == 1 })

	hub.Stop()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Subscribe() after Stop = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after Stop")
	}
}

func TestDropLimitOfOne(t *testing.T) {
	hub := NewHub(testTiming(func(c *config.TimingConfig) {
		c.SubscriberQueueSize = 1
		c.SubscriberDropLimit = 1
	}))
	defer hub.Stop()

	sub, _ := hub.Attach("", nil)
	for i := 0; i < 3; i++ {
		_ = hub.PublishRadio("radio-01", EventState, nil)
	}
	if !sub.Dropped() {
		t.Fatal("expected subscriber to be dropped")
	}
}

type plainWriter struct{ http.ResponseWriter }

func TestSubscribeRequiresFlusher(t *testing.T) {
	hub := NewHub(testTiming(nil))
	defer hub.Stop()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/telemetry", nil)
	err := hub.Subscribe(context.Background(), plainWriter{httptest.NewRecorder()}, req)
	if !errors.Is(err, ErrStreamingUnsupported) {
		t.Errorf("Subscribe() = %v, want ErrStreamingUnsupported", err)
	}
}
