package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestNormalizeVendorErrorWithVendor(t *testing.T) {
	payload := map[string]interface{}{"power": 50.0}

	tests := []struct {
		name     string
		vendorID string
		msg      string
		payload  interface{}
		want     error
		text     string
	}{
		{"generic range", GenericVendor, "OUT_OF_RANGE", nil, ErrInvalidRange, "INVALID_RANGE (vendor: OUT_OF_RANGE)"},
		{"generic busy", GenericVendor, "BUSY", nil, ErrBusy, "BUSY (vendor: BUSY)"},
		{"generic unavailable", GenericVendor, "UNAVAILABLE", nil, ErrUnavailable, "UNAVAILABLE (vendor: UNAVAILABLE)"},
		{"generic unknown", GenericVendor, "UNKNOWN_ERROR", nil, ErrInternal, "INTERNAL (vendor: UNKNOWN_ERROR)"},
		{"silvus range keeps payload", "silvus", "TX_POWER_OUT_OF_RANGE", payload, ErrInvalidRange, "INVALID_RANGE (vendor: TX_POWER_OUT_OF_RANGE)"},
		{"silvus busy", "silvus", "RF_BUSY", nil, ErrBusy, "BUSY (vendor: RF_BUSY)"},
		{"silvus unavailable", "silvus", "RADIO_OFFLINE", nil, ErrUnavailable, "UNAVAILABLE (vendor: RADIO_OFFLINE)"},
		{"silvus unknown", "silvus", "SILVUS_UNKNOWN_ERROR", nil, ErrInternal, "INTERNAL (vendor: SILVUS_UNKNOWN_ERROR)"},
		{"unknown vendor uses generic", "acme", "out_of_range", nil, ErrInvalidRange, "INVALID_RANGE (vendor: out_of_range)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NormalizeVendorErrorWithVendor(errors.New(tt.msg), tt.payload, tt.vendorID)

			var ve *VendorError
			if !errors.As(err, &ve) {
				t.Fatalf("got %T, want *VendorError", err)
			}
			if ve.Code != tt.want {
				t.Errorf("code = %v, want %v", ve.Code, tt.want)
			}
			if err.Error() != tt.text {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.text)
			}
			if fmt.Sprint(ve.Details) != fmt.Sprint(tt.payload) {
				t.Errorf("details = %v, want %v", ve.Details, tt.payload)
			}
			if ve.Original.Error() != tt.msg {
				t.Errorf("original = %v", ve.Original)
			}
		})
	}

	if NormalizeVendorError(nil, payload) != nil {
		t.Error("nil vendor error must normalize to nil")
	}
}

func TestClassifyOrder(t *testing.T) {
	m := LookupVendor("silvus")
	if got := m.Classify("RF_BUSY while applying TX_POWER_OUT_OF_RANGE"); got != ErrInvalidRange {
		t.Errorf("range token must win, got %v", got)
	}
	if got := m.Classify("rf_busy; node rebooting"); got != ErrBusy {
		t.Errorf("busy token must beat unavailable, got %v", got)
	}
	if got := m.Classify(""); got != ErrInternal {
		t.Errorf("empty message = %v, want INTERNAL", got)
	}
}

func TestLookupVendorFallsBack(t *testing.T) {
	got := LookupVendor("no-such-vendor")
	want := VendorErrorMappings[GenericVendor]
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("LookupVendor(unknown) = %v", got)
	}
	if (&AdapterBase{}).VendorID() != GenericVendor {
		t.Error("adapters without a vendor must report the generic vocabulary")
	}
}

func TestVendorErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("set power: %w", &VendorError{Code: ErrBusy, Original: errors.New("RF_BUSY")})
	if !errors.Is(err, ErrBusy) {
		t.Errorf("errors.Is(%v, ErrBusy) = false", err)
	}
	if errors.Is(err, ErrInternal) {
		t.Error("wrapped BUSY must not match INTERNAL")
	}
}

func TestVendorVocabulariesAreDisjoint(t *testing.T) {
	for vendor, m := range VendorErrorMappings {
		groups := map[error][]string{
			ErrInvalidRange: m.Range,
			ErrBusy:         m.Busy,
			ErrUnavailable:  m.Unavailable,
		}
		for want, tokens := range groups {
			for _, token := range tokens {
				got := NormalizeVendorErrorWithVendor(errors.New(token), nil, vendor)
				if !errors.Is(got, want) {
					t.Errorf("%s token %q normalized to %v, want %v", vendor, token, got, want)
				}
			}
		}
	}
}

func TestNormalize(t *testing.T) {
	already := &VendorError{Code: ErrBusy, Original: errors.New("RF_BUSY")}
	expired, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil stays nil", nil, nil},
		{"sentinel passes through", ErrInvalidRange, ErrInvalidRange},
		{"wrapped sentinel passes through", fmt.Errorf("set power: %w", ErrUnavailable), ErrUnavailable},
		{"vendor error passes through", already, ErrBusy},
		{"deadline exceeded is unavailable", context.DeadlineExceeded, ErrUnavailable},
		{"cancelled is unavailable", expired.Err(), ErrUnavailable},
		{"raw text goes through generic table", errors.New("device NOT_READY"), ErrUnavailable},
		{"unknown text is internal", errors.New("segfault"), ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("Normalize(nil) = %v", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("Normalize(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	if Normalize(already) != error(already) {
		t.Error("Normalize must not rewrap an already-normalized error")
	}
}

func TestCodeRetryableReason(t *testing.T) {
	tests := []struct {
		err       error
		code      string
		retryable bool
	}{
		{nil, "", false},
		{ErrInvalidRange, CodeInvalidRange, false},
		{ErrBusy, CodeBusy, true},
		{ErrUnavailable, CodeUnavailable, true},
		{ErrInternal, CodeInternal, false},
		{errors.New("not normalized"), CodeInternal, false},
	}

	for _, tt := range tests {
		if got := Code(tt.err); got != tt.code {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.code)
		}
		if got := Retryable(tt.err); got != tt.retryable {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
		if tt.err != nil && (Reason(tt.err) == "" || Suggestion(tt.err) == "") {
			t.Errorf("missing reason or suggestion for %v", tt.err)
		}
	}
}
