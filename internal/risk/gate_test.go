package risk

import (
	"testing"
	"time"
)

func TestGateResultFailedChecks(t *testing.T) {
	result := &GateResult{Allowed: true}
	result.add(Check{Name: "open_positions", Passed: true})
	result.add(Check{Name: "daily_loss", Passed: false, Detail: "realized -350.00 today, floor -300.00"})
	result.add(Check{Name: "account_balance", Passed: true})

	if result.Allowed {
		t.Error("a failed check should block the result")
	}

	failed := result.FailedChecks()
	if len(failed) != 1 || failed[0].Name != "daily_loss" {
		t.Errorf("failed checks = %v, want only daily_loss", failed)
	}
}

func TestGateResultAllPassed(t *testing.T) {
	result := &GateResult{Allowed: true}
	result.add(Check{Name: "open_positions", Passed: true})
	result.add(Check{Name: "consecutive_losses", Passed: true})

	if !result.Allowed {
		t.Error("all-passing checks should leave the gate open")
	}
	if failed := result.FailedChecks(); len(failed) != 0 {
		t.Errorf("failed checks = %v, want none", failed)
	}
}

func TestUTCMidnight(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	local := time.Date(2025, 6, 1, 3, 30, 0, 0, loc) // 2025-05-31 22:30 UTC

	got := utcMidnight(local)
	want := time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("utcMidnight = %v, want %v", got, want)
	}
}
