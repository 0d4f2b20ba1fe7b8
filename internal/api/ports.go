package api

import (
	"context"
	"net/http"
	"time"

	"github.com/radio-control/radiocore/internal/command"
	"github.com/radio-control/radiocore/internal/radio"
	"github.com/radio-control/radiocore/internal/telemetry"
)

// TelemetryPort is the slice of the telemetry hub the API serves.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
	SubscriberCount() int
}

// RadioReadPort is the read side of the radio inventory.
type RadioReadPort interface {
	GetRadio(radioID string) (*radio.Radio, error)
	List() *radio.RadioList
	RefreshCapabilities(radioID string, timeout time.Duration) error
}

var (
	_ command.OrchestratorPort = (*command.Orchestrator)(nil)
	_ TelemetryPort            = (*telemetry.Hub)(nil)
	_ RadioReadPort            = (*radio.Manager)(nil)

	_ telemetry.StatusSink          = (*radio.Manager)(nil)
	_ telemetry.CapabilityRefresher = (*radio.Manager)(nil)
)
