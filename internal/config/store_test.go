package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

var testKey = KeyFromSecret([]byte("test-secret"))

func TestStoreReloadSwapsSnapshot(t *testing.T) {
	initial := LoadCBTimingBaseline()
	store := NewStore(initial, testKey)

	var seen *TimingConfig
	store.OnChange(func(c *TimingConfig) { seen = c })

	data := []byte(`{"heartbeatInterval": "12s"}`)
	if err := store.Reload(data, []byte(Sign(testKey, data)+"\n")); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	cur := store.Current()
	if cur == initial {
		t.Fatal("Reload must install a new snapshot")
	}
	if cur.HeartbeatInterval != 12*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 12s", cur.HeartbeatInterval)
	}
	if initial.HeartbeatInterval != 15*time.Second {
		t.Error("previous snapshot was mutated")
	}
	if seen != cur {
		t.Error("listener did not receive the new snapshot")
	}
	if store.Version() != 1 {
		t.Errorf("Version() = %d, want 1", store.Version())
	}
}

func TestStoreListenersRunOutsideLock(t *testing.T) {
	store := NewStore(LoadCBTimingBaseline(), testKey)

	var order []string
	store.OnChange(func(*TimingConfig) {
		order = append(order, "first")
		// Registering from a listener must not deadlock or affect this round.
		store.OnChange(func(*TimingConfig) { order = append(order, "late") })
	})
	store.OnChange(func(c *TimingConfig) {
		order = append(order, "second")
		if store.Current() != c {
			t.Error("listener ran before the swap")
		}
	})

	data := []byte(`{"heartbeatInterval": "12s"}`)
	if err := store.Reload(data, []byte(Sign(testKey, data))); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("listener order = %v, want [first second]", order)
	}
}

func TestStoreRejectsTamperedPayload(t *testing.T) {
	initial := LoadCBTimingBaseline()
	store := NewStore(initial, testKey)

	data := []byte(`{"heartbeatInterval": "12s"}`)
	sig := Sign(testKey, data)
	tampered := []byte(`{"heartbeatInterval": "13s"}`)

	tests := []struct {
		name      string
		data, sig []byte
	}{
		{"tampered data", tampered, []byte(sig)},
		{"wrong key", data, []byte(Sign(KeyFromSecret([]byte("other")), data))},
		{"malformed signature", data, []byte("not-hex")},
		{"empty signature", data, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Reload(tt.data, tt.sig)
			if !errors.Is(err, ErrBadSignature) {
				t.Errorf("Reload = %v, want ErrBadSignature", err)
			}
			if store.Current() != initial {
				t.Error("rejected reload replaced the snapshot")
			}
		})
	}
}

func TestStoreRejectsInvalidSignedPayload(t *testing.T) {
	initial := LoadCBTimingBaseline()
	store := NewStore(initial, testKey)

	data := []byte(`{"eventBufferSize": -5}`)
	if err := store.Reload(data, []byte(Sign(testKey, data))); err == nil {
		t.Fatal("invalid config must be rejected even when signed")
	}
	if store.Current() != initial {
		t.Error("invalid reload replaced the snapshot")
	}
}

func TestStoreConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	store := NewStore(LoadCBTimingBaseline(), testKey)

	a := []byte(`{"heartbeatInterval": "10s", "heartbeatTimeout": "30s"}`)
	b := []byte(`{"heartbeatInterval": "20s", "heartbeatTimeout": "60s"}`)
	sa, sb := []byte(Sign(testKey, a)), []byte(Sign(testKey, b))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				c := store.Current()
				if c.HeartbeatTimeout != 3*c.HeartbeatInterval {
					t.Errorf("torn snapshot: interval %v timeout %v", c.HeartbeatInterval, c.HeartbeatTimeout)
					return
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		data, sig := a, sa
		if i%2 == 1 {
			data, sig = b, sb
		}
		if err := store.Reload(data, sig); err != nil {
			t.Fatalf("Reload failed: %v", err)
		}
	}
	cancel()
	wg.Wait()
}

func TestStoreWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rcc.yaml")

	write := func(content string) {
		data := []byte(content)
		if err := os.WriteFile(path+SignatureSuffix, []byte(Sign(testKey, data)), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("eventBufferSize: 10\n")

	store := NewStore(LoadCBTimingBaseline(), testKey)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx, path) }()

	// Give the watcher time to register before changing the file.
	time.Sleep(100 * time.Millisecond)
	write("eventBufferSize: 25\n")

	deadline := time.Now().Add(5 * time.Second)
	for store.Current().EventBufferSize != 25 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher did not reload, EventBufferSize = %d", store.Current().EventBufferSize)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Watch did not stop on cancel")
	}
}
