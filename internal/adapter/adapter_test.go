package adapter

import (
	"testing"
)

func TestRadioCapabilitiesClone(t *testing.T) {
	caps := &RadioCapabilities{
		MinPowerDbm: 0,
		MaxPowerDbm: 39,
		Channels:    []Channel{{Index: 1, FrequencyMhz: 2412.0}},
	}

	clone := caps.Clone()
	clone.Channels[0].FrequencyMhz = 5000.0
	clone.MaxPowerDbm = 10

	if caps.Channels[0].FrequencyMhz != 2412.0 {
		t.Error("Clone shares the channel slice")
	}
	if caps.MaxPowerDbm != 39 {
		t.Error("Clone shares power bounds")
	}

	var nilCaps *RadioCapabilities
	if nilCaps.Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestPowerInRange(t *testing.T) {
	caps := &RadioCapabilities{MinPowerDbm: 0, MaxPowerDbm: 39}

	for _, tc := range []struct {
		dBm  float64
		want bool
	}{
		{0, true},
		{39, true},
		{20.5, true},
		{-0.1, false},
		{39.1, false},
	} {
		if got := caps.PowerInRange(tc.dBm); got != tc.want {
			t.Errorf("PowerInRange(%v) = %v, want %v", tc.dBm, got, tc.want)
		}
	}
}

func TestFrequencyProfileContains(t *testing.T) {
	p := FrequencyProfile{Frequencies: []float64{2412.0, 2417.0}, Bandwidth: 20, AntennaMask: 1}

	if !p.Contains(2417.0) {
		t.Error("expected 2417.0 in profile")
	}
	if !p.Contains(2417.04) {
		t.Error("values within half a resolution step should match")
	}
	if p.Contains(2417.1) {
		t.Error("2417.1 is a different frequency")
	}
	if p.Contains(99999.0) {
		t.Error("99999.0 must not be in profile")
	}
}

func TestAdapterBase(t *testing.T) {
	base := &AdapterBase{RadioID: "radio-01", Model: "Test-Model", Status: StatusOnline}

	if base.GetModel() != "Test-Model" {
		t.Errorf("GetModel() = %s", base.GetModel())
	}
	if base.GetStatus() != StatusOnline {
		t.Errorf("GetStatus() = %s, want online", base.GetStatus())
	}

	if base.VendorID() != "generic" {
		t.Errorf("empty vendor should report generic, got %s", base.VendorID())
	}
	base.Vendor = "silvus"
	if base.VendorID() != "silvus" {
		t.Errorf("VendorID() = %s, want silvus", base.VendorID())
	}
}
