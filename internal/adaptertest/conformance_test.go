package adaptertest

import (
	"context"
	"testing"

	"github.com/radio-control/radiocore/internal/adapter"
	"github.com/radio-control/radiocore/internal/adapter/fake"
)

func fakeCapabilities(vendor string) Capabilities {
	return Capabilities{
		MinPowerDbm:      fake.DefaultMinPowerDbm,
		MaxPowerDbm:      fake.DefaultMaxPowerDbm,
		ValidFrequencies: fake.DefaultFrequencies,
		ExpectedErrors:   ExpectationsForVendor(vendor),
	}
}

func TestFakeAdapterPassesConformance(t *testing.T) {
	for _, vendor := range []string{"generic", "silvus"} {
		t.Run(vendor, func(t *testing.T) {
			RunConformance(t, func() adapter.IRadioAdapter {
				f := fake.NewFakeAdapter("fake-01")
				f.Vendor = vendor
				return f
			}, fakeCapabilities(vendor))
		})
	}
}

// brokenAdapter leaks raw vendor errors and ignores power bounds.
type brokenAdapter struct {
	*fake.FakeAdapter
	token string
}

func (b *brokenAdapter) SetPower(ctx context.Context, dBm float64) error {
	return nil
}

func (b *brokenAdapter) SetErrorSimulation(token string) { b.token = token }
func (b *brokenAdapter) DisableErrorSimulation()         { b.token = "" }

func (b *brokenAdapter) GetState(ctx context.Context) (*adapter.RadioState, error) {
	if b.token != "" {
		return nil, context.DeadlineExceeded
	}
	return b.FakeAdapter.GetState(ctx)
}

func TestCheckReportsViolations(t *testing.T) {
	report := Check(func() adapter.IRadioAdapter {
		return &brokenAdapter{FakeAdapter: fake.NewFakeAdapter("broken-01")}
	}, fakeCapabilities("generic"))

	if report.OverallPassed {
		t.Fatal("broken adapter must not pass conformance")
	}

	failed := map[string]bool{}
	for _, r := range report.Failed() {
		failed[r.TestName] = true
	}
	for _, name := range []string{"SetPower_Invalid_-1", "SetPower_Invalid_40", "FailureMapping_BUSY"} {
		if !failed[name] {
			t.Errorf("expected %s to fail, failures: %v", name, failed)
		}
	}
	if report.PassedTests+report.FailedTests != report.TotalTests {
		t.Errorf("report counts inconsistent: %+v", report)
	}
}

func TestCheckOfflineAdapterSkipsProfileRequirement(t *testing.T) {
	f := fake.NewFakeAdapter("offline-01")
	f.SetOnline(false)

	report := Check(func() adapter.IRadioAdapter { return f }, fakeCapabilities("generic"))
	for _, r := range report.Results {
		if r.TestName == "Profiles_NonEmptyWhenOnline" && !r.Passed {
			t.Errorf("offline adapter should not be held to profile requirement: %s", r.Error)
		}
	}
}

func TestExpectationsForVendor(t *testing.T) {
	silvus := ExpectationsForVendor("silvus")
	if len(silvus.BusyKeywords) == 0 || silvus.BusyKeywords[0] != "RF_BUSY" {
		t.Errorf("silvus busy keywords = %v", silvus.BusyKeywords)
	}

	unknown := ExpectationsForVendor("acme")
	generic := ExpectationsForVendor("generic")
	if len(unknown.InvalidRangeKeywords) != len(generic.InvalidRangeKeywords) {
		t.Error("unknown vendor should use generic table")
	}

	silvus.BusyKeywords[0] = "MUTATED"
	if adapter.VendorErrorMappings["silvus"].Busy[0] != "RF_BUSY" {
		t.Error("ExpectationsForVendor must copy the vendor table")
	}
}
