// Package command defines ports (interfaces) for orchestrator operations.
package command

import (
	"context"
	"errors"
	"time"

	"github.com/radio-control/radiocore/internal/adapter"
	"github.com/radio-control/radiocore/internal/radio"
)

// OrchestratorPort defines the minimal interface the API needs from the orchestrator.
type OrchestratorPort interface {
	SelectRadio(ctx context.Context, radioID string) error
	GetState(ctx context.Context, radioID string) (*adapter.RadioState, error)
	SetPower(ctx context.Context, radioID string, powerDbm float64) error
	SetChannel(ctx context.Context, radioID string, req ChannelRequest) (*ChannelResult, error)
	SetFrequency(ctx context.Context, radioID string, frequencyMhz float64) error
	GetChannel(ctx context.Context, radioID string) (*ChannelResult, error)
}

// RadioManager is the slice of the radio inventory the orchestrator uses.
type RadioManager interface {
	Lookup(radioID string) (*radio.Radio, adapter.IRadioAdapter, error)
	SetActive(radioID string) error
	UpdateState(radioID string, state *adapter.RadioState) error
	UpdatePower(radioID string, dBm float64) error
	UpdateFrequency(radioID string, mhz float64) error
	ResolveChannel(radioID string, index *int, frequencyMhz *float64) (float64, error)
	ChannelIndexFor(radioID string, mhz float64) *int
}

// EventPublisher receives one event per successful command.
type EventPublisher interface {
	PublishRadio(radioID, eventType string, data map[string]interface{}) error
}

// AuditLogger interface for writing audit records.
type AuditLogger interface {
	LogAction(ctx context.Context, action string, radioID string, result string, latency time.Duration)
}

// ChannelRequest selects a channel by index, by frequency, or both. When
// both are given the frequency wins.
type ChannelRequest struct {
	Index        *int     `json:"channelIndex,omitempty"`
	FrequencyMhz *float64 `json:"frequencyMhz,omitempty"`
}

// ChannelResult reports the frequency in effect and the channel index that
// maps to it, nil when none does.
type ChannelResult struct {
	RadioID      string  `json:"radioId"`
	FrequencyMhz float64 `json:"frequencyMhz"`
	ChannelIndex *int    `json:"channelIndex"`
}

// Result codes beyond the four normalized adapter codes.
const (
	CodeNotFound   = "NOT_FOUND"
	CodeBadRequest = "BAD_REQUEST"
)

// ErrNotFound indicates a requested radio was not found.
var ErrNotFound = errors.New(CodeNotFound)

// ErrInvalidParameter indicates a required parameter is missing or structurally invalid.
var ErrInvalidParameter = errors.New(CodeBadRequest)

// ResultCode returns SUCCESS for nil, NOT_FOUND or BAD_REQUEST for lookup
// and structural failures, else the normalized adapter code.
func ResultCode(err error) string {
	switch {
	case err == nil:
		return "SUCCESS"
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidParameter):
		return CodeBadRequest
	default:
		return adapter.Code(err)
	}
}
