package session

import (
	"sync"
	"time"
)

// legSet remembers channel ids created by snoopmgr itself. Entries outlive
// their call by a grace period so that re-entrant events arriving after
// teardown are still recognised.
type legSet struct {
	mu       sync.RWMutex
	expiry   map[string]time.Time // leg id -> expiry; zero means "owned by a live call"
	owner    map[string]string    // leg id -> primary channel id
	stopCh   chan struct{}
	stopOnce sync.Once
	grace    time.Duration
}

func newLegSet(grace, cleanupInterval time.Duration) *legSet {
	s := &legSet{
		expiry: make(map[string]time.Time),
		owner:  make(map[string]string),
		stopCh: make(chan struct{}),
		grace:  grace,
	}
	go s.cleanupLoop(cleanupInterval)
	return s
}

// add marks ids as live legs of channelID.
func (s *legSet) add(channelID string, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		s.expiry[id] = time.Time{}
		s.owner[id] = channelID
	}
}

// release starts the grace period for every leg owned by channelID.
func (s *legSet) release(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(s.grace)
	for id, owner := range s.owner {
		if owner == channelID {
			s.expiry[id] = deadline
		}
	}
}

// owned returns the primary channel id for a leg id.
func (s *legSet) owned(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.expiry[id]
	if !ok || (!exp.IsZero() && time.Now().After(exp)) {
		return "", false
	}
	return s.owner[id], true
}

func (s *legSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.expiry)
}

func (s *legSet) close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *legSet) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *legSet) cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, exp := range s.expiry {
		if !exp.IsZero() && now.After(exp) {
			delete(s.expiry, id)
			delete(s.owner, id)
		}
	}
}
