package resilience

import (
	"testing"
	"time"
)

func testManager() (*BreakerManager, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewBreakerManager(BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
	})
	m.SetClock(func() time.Time { return now })
	return m, &now
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	m, _ := testManager()

	for i := 0; i < 2; i++ {
		m.RecordFailure("calculator")
	}
	if got := m.State("calculator"); got != StateClosed {
		t.Fatalf("state after 2 failures = %v", got)
	}
	if !m.Allow("calculator") {
		t.Error("closed breaker must admit")
	}

	m.RecordFailure("calculator")
	if got := m.State("calculator"); got != StateOpen {
		t.Fatalf("state after 3 failures = %v", got)
	}
	if m.Allow("calculator") {
		t.Error("open breaker must refuse")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	m, _ := testManager()

	m.RecordFailure("calculator")
	m.RecordFailure("calculator")
	m.RecordSuccess("calculator")
	m.RecordFailure("calculator")
	m.RecordFailure("calculator")

	if got := m.State("calculator"); got != StateClosed {
		t.Errorf("state = %v, success must reset the consecutive count", got)
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	m, now := testManager()

	for i := 0; i < 3; i++ {
		m.RecordFailure("calculator")
	}
	*now = now.Add(59 * time.Second)
	if m.Allow("calculator") {
		t.Error("breaker admitted before cool-down elapsed")
	}

	*now = now.Add(2 * time.Second)
	if got := m.State("calculator"); got != StateHalfOpen {
		t.Fatalf("state = %v", got)
	}
	if !m.Allow("calculator") {
		t.Error("half-open breaker must admit probes")
	}
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	m, now := testManager()

	for i := 0; i < 3; i++ {
		m.RecordFailure("calculator")
	}
	*now = now.Add(2 * time.Minute)

	m.RecordSuccess("calculator")
	if got := m.State("calculator"); got != StateHalfOpen {
		t.Fatalf("state after 1 probe success = %v", got)
	}
	m.RecordSuccess("calculator")
	if got := m.State("calculator"); got != StateClosed {
		t.Errorf("state after 2 probe successes = %v", got)
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	m, now := testManager()

	for i := 0; i < 3; i++ {
		m.RecordFailure("calculator")
	}
	*now = now.Add(2 * time.Minute)
	m.RecordSuccess("calculator")
	m.RecordFailure("calculator")

	if got := m.State("calculator"); got != StateOpen {
		t.Fatalf("state after failed probe = %v", got)
	}

	// The failed probe restarts the full cool-down.
	*now = now.Add(59 * time.Second)
	if m.Allow("calculator") {
		t.Error("breaker admitted before the restarted cool-down elapsed")
	}
	*now = now.Add(2 * time.Second)
	if !m.Allow("calculator") {
		t.Error("breaker refused after the restarted cool-down")
	}
}

func TestBreakersAreIndependent(t *testing.T) {
	m, _ := testManager()

	for i := 0; i < 3; i++ {
		m.RecordFailure("weather")
	}
	if m.Allow("weather") {
		t.Error("weather breaker should be open")
	}
	if !m.Allow("calculator") {
		t.Error("calculator breaker must be unaffected")
	}
}

func TestAvailableFiltersOpenBreakers(t *testing.T) {
	m, _ := testManager()

	for i := 0; i < 3; i++ {
		m.RecordFailure("weather")
	}
	got := m.Available([]string{"calculator", "weather", "search"})
	if len(got) != 2 || got[0] != "calculator" || got[1] != "search" {
		t.Errorf("Available = %v", got)
	}
}

func TestStatsSnapshot(t *testing.T) {
	m, _ := testManager()

	m.RecordFailure("calculator")
	m.RecordFailure("calculator")
	m.Allow("search")

	stats := m.Stats()
	if stats["calculator"].State != "closed" || stats["calculator"].FailureCount != 2 {
		t.Errorf("calculator stats = %+v", stats["calculator"])
	}
	if _, ok := stats["search"]; !ok {
		t.Error("tracked breaker missing from stats")
	}
}

func TestResetClearsState(t *testing.T) {
	m, _ := testManager()

	for i := 0; i < 3; i++ {
		m.RecordFailure("calculator")
	}
	m.Reset()
	if !m.Allow("calculator") {
		t.Error("reset breaker must admit")
	}
}
