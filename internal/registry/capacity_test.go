package registry

import (
	"sync"
	"testing"
	"time"
)

func testSub(limits Limits) *SubProvider {
	return &SubProvider{
		ID:         "sub-1",
		ProviderID: "prov-1",
		Enabled:    true,
		Limits:     limits,
	}
}

// rewindWindows shifts every window entry into the past, simulating the
// passage of time without sleeping.
func rewindWindows(s *SubProvider, d time.Duration) {
	s.mu.Lock()
	for i := range s.requestWindow {
		s.requestWindow[i] = s.requestWindow[i].Add(-d)
	}
	for i := range s.tokenWindow {
		s.tokenWindow[i].at = s.tokenWindow[i].at.Add(-d)
	}
	s.mu.Unlock()
}

func TestReserveRelease_Balance(t *testing.T) {
	s := testSub(Limits{MaxConcurrent: 10})

	for i := 0; i < 5; i++ {
		if !s.Reserve(100) {
			t.Fatalf("reserve %d refused", i)
		}
	}
	if got := s.Concurrent(); got != 5 {
		t.Fatalf("concurrent = %d, want 5", got)
	}

	for i := 0; i < 5; i++ {
		s.Release()
	}
	if got := s.Concurrent(); got != 0 {
		t.Fatalf("concurrent after release = %d, want 0", got)
	}

	// Extra releases clamp at zero.
	s.Release()
	if got := s.Concurrent(); got != 0 {
		t.Fatalf("concurrent after extra release = %d, want 0", got)
	}
}

func TestReserve_ConcurrencyCap(t *testing.T) {
	s := testSub(Limits{MaxConcurrent: 1})

	if !s.Reserve(10) {
		t.Fatal("first reserve refused")
	}
	if s.Reserve(10) {
		t.Fatal("second reserve admitted past the concurrency cap")
	}
	s.Release()
	if !s.Reserve(10) {
		t.Fatal("reserve refused after release")
	}
}

func TestReserve_RequestsPerMinute(t *testing.T) {
	s := testSub(Limits{RequestsPerMinute: 3})

	for i := 0; i < 3; i++ {
		if !s.Reserve(1) {
			t.Fatalf("reserve %d refused", i)
		}
		s.Release()
	}
	if s.CanHandle(1) {
		t.Fatal("CanHandle true at the RPM cap")
	}
	if s.Reserve(1) {
		t.Fatal("reserve admitted past the RPM cap")
	}

	// Entries expire out of the rolling window.
	rewindWindows(s, rollingWindow+time.Second)
	if !s.Reserve(1) {
		t.Fatal("reserve refused after the window expired")
	}
}

func TestReserve_TokensNotRefunded(t *testing.T) {
	s := testSub(Limits{TokensPerMinute: 1000})

	if !s.Reserve(900) {
		t.Fatal("reserve refused")
	}
	s.Release()

	// Tokens stay booked after release; the window must expire them.
	if s.Reserve(200) {
		t.Fatal("reserve admitted past the TPM cap after release")
	}
	if _, tpm := s.ObserveWindows(); tpm != 900 {
		t.Fatalf("tpm = %d, want 900", tpm)
	}

	rewindWindows(s, rollingWindow+time.Second)
	if !s.Reserve(200) {
		t.Fatal("reserve refused after token window expired")
	}
	if _, tpm := s.ObserveWindows(); tpm != 200 {
		t.Fatalf("tpm after expiry = %d, want 200", tpm)
	}
}

func TestReserve_HourlyCap(t *testing.T) {
	s := testSub(Limits{RequestsPerHour: 2})

	if !s.Reserve(1) || !s.Reserve(1) {
		t.Fatal("reserves under the hourly cap refused")
	}
	if s.Reserve(1) {
		t.Fatal("reserve admitted past the hourly cap")
	}

	s.mu.Lock()
	s.hourStart = s.hourStart.Add(-time.Hour - time.Minute)
	s.mu.Unlock()

	if !s.Reserve(1) {
		t.Fatal("reserve refused after the hour rolled over")
	}
}

func TestObserveWindows(t *testing.T) {
	s := testSub(Limits{})

	s.Reserve(100)
	s.Reserve(250)
	rpm, tpm := s.ObserveWindows()
	if rpm != 2 || tpm != 350 {
		t.Fatalf("ObserveWindows = (%d, %d), want (2, 350)", rpm, tpm)
	}
}

func TestUtilization_WorstDimension(t *testing.T) {
	s := testSub(Limits{RequestsPerMinute: 10, TokensPerMinute: 1000, MaxConcurrent: 4})

	s.Reserve(400) // 1/10 req, 400/1000 tokens, 1/4 concurrent

	// Token dimension dominates once estTokens is added.
	if got := s.Utilization(500); got < 0.89 || got > 0.91 {
		t.Fatalf("utilization = %v, want 0.9", got)
	}

	// Concurrency dominates with no extra tokens.
	s.Reserve(0)
	s.Reserve(0)
	if got := s.Utilization(0); got < 0.74 || got > 0.76 {
		t.Fatalf("utilization = %v, want 0.75", got)
	}
}

func TestReserve_Concurrent(t *testing.T) {
	s := testSub(Limits{MaxConcurrent: 50})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Reserve(1) {
				s.Release()
			}
		}()
	}
	wg.Wait()

	if got := s.Concurrent(); got != 0 {
		t.Fatalf("concurrent after concurrent churn = %d, want 0", got)
	}
}
