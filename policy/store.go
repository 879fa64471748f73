package policy

import (
	"sync"
	"time"
)

// ActionStore is the in-memory per-user action history: a bounded
// ring per user with an age cap. It is a process-wide singleton owned
// by the orchestration controller; tests may Reset it.
type ActionStore struct {
	mu         sync.RWMutex
	actions    map[string][]UserAction
	maxPerUser int
	maxAge     time.Duration
}

// NewActionStore creates a store with the given per-user ring length
// and age cap. Non-positive values get defaults (1000 entries, 30 days).
func NewActionStore(maxPerUser int, maxAge time.Duration) *ActionStore {
	if maxPerUser <= 0 {
		maxPerUser = 1000
	}
	if maxAge <= 0 {
		maxAge = 720 * time.Hour
	}
	return &ActionStore{
		actions:    make(map[string][]UserAction),
		maxPerUser: maxPerUser,
		maxAge:     maxAge,
	}
}

// Record appends an action, evicting the oldest entry when the
// per-user ring is full.
func (s *ActionStore) Record(action UserAction) {
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := s.actions[action.UserID]
	ring = append(ring, action)
	if len(ring) > s.maxPerUser {
		ring = ring[len(ring)-s.maxPerUser:]
	}
	s.actions[action.UserID] = ring
}

// GetOptions filters a Get query. Zero values mean "no filter".
type GetOptions struct {
	Categories  []ActionCategory
	SinceHours  float64
	Limit       int
	SuccessOnly bool
}

// Get returns a user's actions, newest first, after filtering.
func (s *ActionStore) Get(userID string, opts GetOptions) []UserAction {
	s.mu.RLock()
	ring := s.actions[userID]
	snapshot := make([]UserAction, len(ring))
	copy(snapshot, ring)
	s.mu.RUnlock()

	var cutoff time.Time
	if opts.SinceHours > 0 {
		cutoff = time.Now().Add(-time.Duration(opts.SinceHours * float64(time.Hour)))
	}

	categorySet := make(map[ActionCategory]bool, len(opts.Categories))
	for _, c := range opts.Categories {
		categorySet[c] = true
	}

	out := make([]UserAction, 0, len(snapshot))
	for i := len(snapshot) - 1; i >= 0; i-- { // newest first
		action := snapshot[i]
		if opts.SuccessOnly && !action.Success {
			continue
		}
		if len(categorySet) > 0 && !categorySet[action.Category] {
			continue
		}
		if !cutoff.IsZero() && action.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, action)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out
}

// HasRecent reports whether the user has a successful action in the
// category within the window.
func (s *ActionStore) HasRecent(userID string, category ActionCategory, withinHours float64) bool {
	return len(s.Get(userID, GetOptions{
		Categories:  []ActionCategory{category},
		SinceHours:  withinHours,
		Limit:       1,
		SuccessOnly: true,
	})) > 0
}

// Count returns the total number of stored actions for a user.
func (s *ActionStore) Count(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actions[userID])
}

// CleanupOld drops actions older than the age cap across all users.
func (s *ActionStore) CleanupOld() int {
	cutoff := time.Now().Add(-s.maxAge)
	removed := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for user, ring := range s.actions {
		kept := ring[:0]
		for _, action := range ring {
			if action.Timestamp.After(cutoff) {
				kept = append(kept, action)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(s.actions, user)
		} else {
			s.actions[user] = kept
		}
	}
	return removed
}

// Reset clears all history (tests only).
func (s *ActionStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = make(map[string][]UserAction)
}
