// Package radio keeps the radio inventory: capabilities, last known state,
// status and the active radio.
package radio
