// Package config loads, validates and hot-reloads the CB-TIMING constants,
// channel plans and power limits.
//
// Readers hold a Source and call Current for an immutable snapshot. A Store
// swaps snapshots atomically; Watch applies file updates only when their
// detached .sig signature verifies.
package config
