package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Normalized container errors.
var (
	ErrInvalidRange = errors.New("INVALID_RANGE")
	ErrBusy         = errors.New("BUSY")
	ErrUnavailable  = errors.New("UNAVAILABLE")
	ErrInternal     = errors.New("INTERNAL")
)

// Normalized code strings, as they appear on the wire and in the audit log.
const (
	CodeInvalidRange = "INVALID_RANGE"
	CodeBusy         = "BUSY"
	CodeUnavailable  = "UNAVAILABLE"
	CodeInternal     = "INTERNAL"
)

// VendorMap is one vendor's error vocabulary. Tokens are matched as
// case-insensitive substrings of the vendor error text.
type VendorMap struct {
	Range       []string
	Busy        []string
	Unavailable []string
}

// GenericVendor is the vocabulary used for adapters that name no vendor and
// for vendor IDs without a table.
const GenericVendor = "generic"

// VendorErrorMappings holds the token tables per vendor ID. A new vendor
// gets an entry here; tokens it does not list fall through to INTERNAL.
var VendorErrorMappings = map[string]VendorMap{
	"silvus": {
		Range: []string{
			"TX_POWER_OUT_OF_RANGE",
			"FREQUENCY_OUT_OF_RANGE",
			"INVALID_POWER_LEVEL",
			"INVALID_FREQUENCY",
			"PARAMETER_OUT_OF_RANGE",
			"VALUE_OUT_OF_BOUNDS",
			"INVALID_PARAMETER",
		},
		Busy: []string{
			"RF_BUSY",
			"TRANSMITTER_BUSY",
			"RADIO_BUSY",
			"OPERATION_IN_PROGRESS",
			"COMMAND_QUEUE_FULL",
			"RATE_LIMITED",
		},
		Unavailable: []string{
			"NODE_UNAVAILABLE",
			"RADIO_OFFLINE",
			"REBOOTING",
			"SOFT_BOOT_IN_PROGRESS",
			"SYSTEM_INITIALIZING",
			"NOT_READY",
			"OFFLINE",
		},
	},
	GenericVendor: {
		Range: []string{
			"OUT_OF_RANGE",
			"INVALID_PARAMETER",
			"INVALID_RANGE",
			"BAD_VALUE",
			"RANGE_ERROR",
		},
		Busy: []string{
			"BUSY",
			"RETRY",
			"RATE_LIMIT",
			"TOO_MANY_REQUESTS",
			"BACKOFF",
		},
		Unavailable: []string{
			"UNAVAILABLE",
			"REBOOT",
			"SOFT_BOOT",
			"OFFLINE",
			"NOT_READY",
		},
	},
}

// VendorError wraps a vendor error, keeping the original and its payload for diagnostics.
type VendorError struct {
	Code     error       // Normalized container code
	Original error       // Vendor error
	Details  interface{} // Vendor payload (opaque)
}

// Error reads "CODE (vendor: original)".
func (e *VendorError) Error() string {
	return fmt.Sprintf("%v (vendor: %v)", e.Code, e.Original)
}

func (e *VendorError) Unwrap() error {
	return e.Code
}

// NormalizeVendorError normalizes with the generic table.
func NormalizeVendorError(vendorErr error, vendorPayload interface{}) error {
	return NormalizeVendorErrorWithVendor(vendorErr, vendorPayload, GenericVendor)
}

// NormalizeVendorErrorWithVendor wraps vendorErr in a *VendorError whose
// Code comes from vendorID's table. The payload is kept as Details.
func NormalizeVendorErrorWithVendor(vendorErr error, vendorPayload interface{}, vendorID string) error {
	if vendorErr == nil {
		return nil
	}

	return &VendorError{
		Code:     LookupVendor(vendorID).Classify(vendorErr.Error()),
		Original: vendorErr,
		Details:  vendorPayload,
	}
}

// Normalize guarantees err crosses the adapter boundary as one of the four
// normalized codes. Already-normalized errors are returned untouched, context
// expiry becomes UNAVAILABLE, anything else goes through the generic table.
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	if IsNormalized(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &VendorError{Code: ErrUnavailable, Original: err}
	}
	return NormalizeVendorError(err, nil)
}

// IsNormalized reports whether err matches one of the four normalized codes.
func IsNormalized(err error) bool {
	return errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrInternal)
}

// Code returns the normalized code string for err, or "" for nil.
// Errors that are not normalized report INTERNAL.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRange):
		return CodeInvalidRange
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// Retryable reports whether a caller may retry err as-is. BUSY is retry
// eligible immediately with backoff; UNAVAILABLE after the radio recovers.
func Retryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrUnavailable)
}

// Reason returns a short user-facing explanation of the normalized code.
func Reason(err error) string {
	switch Code(err) {
	case CodeInvalidRange:
		return "Parameter value is outside the allowed range"
	case CodeBusy:
		return "Radio is busy with another operation"
	case CodeUnavailable:
		return "Radio is temporarily unavailable"
	case "":
		return ""
	default:
		return "Internal error"
	}
}

// Suggestion tells the caller what to do next for the normalized code.
func Suggestion(err error) string {
	switch Code(err) {
	case CodeInvalidRange:
		return "Correct the parameter using the radio capabilities"
	case CodeBusy:
		return "Retry with backoff"
	case CodeUnavailable:
		return "Retry after the radio comes back online"
	case "":
		return ""
	default:
		return "Check the service logs; do not retry blindly"
	}
}

// LookupVendor returns the table for vendorID, or the generic one.
func LookupVendor(vendorID string) VendorMap {
	if m, ok := VendorErrorMappings[vendorID]; ok {
		return m
	}
	return VendorErrorMappings[GenericVendor]
}

// Classify returns the normalized code for a vendor message. Range tokens
// win over busy tokens, which win over unavailable ones.
func (m VendorMap) Classify(msg string) error {
	upper := strings.ToUpper(msg)
	for _, class := range []struct {
		tokens []string
		code   error
	}{
		{m.Range, ErrInvalidRange},
		{m.Busy, ErrBusy},
		{m.Unavailable, ErrUnavailable},
	} {
		for _, token := range class.tokens {
			if strings.Contains(upper, strings.ToUpper(token)) {
				return class.code
			}
		}
	}
	return ErrInternal
}
