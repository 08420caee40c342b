package registry

import "time"

// rollingWindow is the capacity accounting horizon for the per-minute caps.
const rollingWindow = 60 * time.Second

// tokenEntry is one reservation in the rolling token window.
type tokenEntry struct {
	at     time.Time
	tokens int
}

// CanHandle reports whether the slot has room for one more request carrying
// estTokens. It prunes the rolling windows first.
func (s *SubProvider) CanHandle(estTokens int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.pruneLocked(now)
	return s.canHandleLocked(now, estTokens)
}

// Reserve atomically checks capacity and, if available, books the request
// into the windows and increments the concurrency gauge. The reservation is
// optimistic: tokens are not refunded on release, the window expires them.
func (s *SubProvider) Reserve(estTokens int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.pruneLocked(now)
	if !s.canHandleLocked(now, estTokens) {
		return false
	}

	s.requestWindow = append(s.requestWindow, now)
	s.tokenWindow = append(s.tokenWindow, tokenEntry{at: now, tokens: estTokens})
	s.tokenSum += estTokens
	s.hourCount++
	s.concurrent.Add(1)
	return true
}

// Release decrements the concurrency gauge, clamped at zero.
func (s *SubProvider) Release() {
	if s.concurrent.Add(-1) < 0 {
		s.concurrent.Store(0)
	}
}

// Concurrent returns the in-flight request gauge.
func (s *SubProvider) Concurrent() int64 { return s.concurrent.Load() }

// ObserveWindows returns the pruned rolling request and token counts.
func (s *SubProvider) ObserveWindows() (rpm, tpm int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now())
	return len(s.requestWindow), s.tokenSum
}

// Utilization returns the worst utilization across the per-minute request
// cap, the token cap (counting estTokens), and the concurrency cap.
// Uncapped dimensions contribute zero. May exceed 1 when estTokens would
// overflow the token budget.
func (s *SubProvider) Utilization(estTokens int) float64 {
	s.mu.Lock()
	s.pruneLocked(time.Now())
	reqs := len(s.requestWindow)
	tokens := s.tokenSum
	s.mu.Unlock()

	util := 0.0
	if s.Limits.RequestsPerMinute > 0 {
		if u := float64(reqs) / float64(s.Limits.RequestsPerMinute); u > util {
			util = u
		}
	}
	if s.Limits.TokensPerMinute > 0 {
		if u := float64(tokens+estTokens) / float64(s.Limits.TokensPerMinute); u > util {
			util = u
		}
	}
	if s.Limits.MaxConcurrent > 0 {
		if u := float64(s.concurrent.Load()) / float64(s.Limits.MaxConcurrent); u > util {
			util = u
		}
	}
	return util
}

func (s *SubProvider) canHandleLocked(now time.Time, estTokens int) bool {
	if s.Limits.RequestsPerMinute > 0 && len(s.requestWindow) >= s.Limits.RequestsPerMinute {
		return false
	}
	if s.Limits.TokensPerMinute > 0 && s.tokenSum+estTokens > s.Limits.TokensPerMinute {
		return false
	}
	if s.Limits.RequestsPerHour > 0 {
		if s.hourStart.IsZero() || now.Sub(s.hourStart) >= time.Hour {
			s.hourStart = now
			s.hourCount = 0
		}
		if s.hourCount >= s.Limits.RequestsPerHour {
			return false
		}
	}
	if s.Limits.MaxConcurrent > 0 && s.concurrent.Load() >= int64(s.Limits.MaxConcurrent) {
		return false
	}
	return true
}

// pruneLocked trims both windows to the rolling horizon. Windows are
// insertion-ordered, so the trim is a monotonic cut from the head.
func (s *SubProvider) pruneLocked(now time.Time) {
	cutoff := now.Add(-rollingWindow)

	i := 0
	for i < len(s.requestWindow) && s.requestWindow[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(s.requestWindow, s.requestWindow[i:])
		s.requestWindow = s.requestWindow[:n]
		s.lastReset = now
	}

	j := 0
	for j < len(s.tokenWindow) && s.tokenWindow[j].at.Before(cutoff) {
		s.tokenSum -= s.tokenWindow[j].tokens
		j++
	}
	if j > 0 {
		n := copy(s.tokenWindow, s.tokenWindow[j:])
		s.tokenWindow = s.tokenWindow[:n]
		s.lastReset = now
	}
}
