package config

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"
)

// ErrBadSignature is returned when a reload payload fails MAC verification.
var ErrBadSignature = errors.New("config signature verification failed")

// KeySize is the BLAKE3 keyed-hash key length.
const KeySize = 32

// KeyFromSecret stretches an operator secret of any length into a MAC key.
func KeyFromSecret(secret []byte) [KeySize]byte {
	return blake3.Sum256(secret)
}

// Sign returns the hex keyed BLAKE3 MAC of data, the format expected in a
// .sig file next to the config.
func Sign(key [KeySize]byte, data []byte) string {
	return hex.EncodeToString(mac(key, data))
}

func mac(key [KeySize]byte, data []byte) []byte {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("config: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	return hasher.Sum(nil)
}

// Verify checks signature (hex, surrounding whitespace ignored) against data.
func Verify(key [KeySize]byte, data, signature []byte) error {
	got, err := hex.DecodeString(strings.TrimSpace(string(signature)))
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}
	if !hmac.Equal(got, mac(key, data)) {
		return ErrBadSignature
	}
	return nil
}

// Store holds the live TimingConfig snapshot. Readers load a pointer and
// never observe a partially built config; writers serialize on mu and swap
// the pointer only after the new snapshot is verified and validated.
type Store struct {
	mu        sync.Mutex
	current   atomic.Pointer[TimingConfig]
	key       [KeySize]byte
	format    Format
	listeners []func(*TimingConfig)
	logger    *slog.Logger
	version   atomic.Uint64
}

// NewStore creates a store serving initial until the first verified reload.
func NewStore(initial *TimingConfig, key [KeySize]byte) *Store {
	s := &Store{
		key:    key,
		format: FormatJSON,
		logger: slog.Default(),
	}
	s.current.Store(initial)
	return s
}

// SetFormat sets the decoder used for reload payloads.
func (s *Store) SetFormat(f Format) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = f
}

// SetLogger replaces the store logger.
func (s *Store) SetLogger(l *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = l
}

// Current returns the active snapshot.
func (s *Store) Current() *TimingConfig {
	return s.current.Load()
}

// Version counts successful reloads.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// OnChange registers fn to run after every successful swap, with the new snapshot.
func (s *Store) OnChange(fn func(*TimingConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload verifies signature over data, builds a complete snapshot from it
// (baseline, file, env) and swaps it in. On any failure the previous
// snapshot stays active.
func (s *Store) Reload(data, signature []byte) error {
	if err := Verify(s.key, data, signature); err != nil {
		s.logger.Warn("config reload rejected", slog.String("reason", err.Error()))
		return err
	}

	s.mu.Lock()
	next, err := Build(data, s.format)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("config reload invalid", slog.String("error", err.Error()))
		return err
	}
	s.current.Store(next)
	v := s.version.Add(1)
	listeners := slices.Clone(s.listeners)
	logger := s.logger
	s.mu.Unlock()

	logger.Info("config reloaded", slog.Uint64("version", v))
	for _, fn := range listeners {
		fn(next)
	}
	return nil
}
