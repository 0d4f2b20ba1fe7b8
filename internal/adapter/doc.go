// Package adapter defines the contract between the container and a radio
// driver, and the four normalized error codes every driver failure is
// reduced to.
//
// Drivers implement IRadioAdapter. Optional capabilities (band plans, power
// limits, status, fault injection) are separate small interfaces that the
// radio manager discovers by type assertion.
//
// Vendor error text is normalized by table: VendorErrorMappings holds one
// token list per vendor, matched in INVALID_RANGE, BUSY, UNAVAILABLE order.
// Anything unmatched is INTERNAL. The original error and vendor payload stay
// reachable through *VendorError.
package adapter
