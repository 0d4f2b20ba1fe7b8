// Package telemetry implements the telemetry hub.
//
// The hub fans events out to SSE subscribers through bounded queues, keeps a
// per-radio replay buffer for Last-Event-ID resume and emits jittered
// heartbeats. It also runs one probe loop per radio; probe transitions become
// status events.
package telemetry
