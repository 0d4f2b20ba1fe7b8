// Package command implements the command orchestrator.
//
// The orchestrator resolves the target radio through the radio manager,
// serializes commands per radio and bounds each adapter call by its CB-TIMING
// timeout class. Every command writes exactly one audit entry; a successful
// one also updates the radio state and publishes one telemetry event.
package command
