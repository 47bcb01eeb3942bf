package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sebas/calltap/internal/snoopmgr/portalloc"
)

// ErrExists is returned by Insert when a session for the channel is already tracked.
var ErrExists = errors.New("session already exists")

// Directions, indexed the same way in every [2] array of a CallSession.
const (
	DirIn  = 0 // caller -> platform
	DirOut = 1 // platform -> caller
)

// DirName returns "in" or "out" for a direction index.
func DirName(dir int) string {
	if dir == DirOut {
		return "out"
	}
	return "in"
}

// CallSession tracks everything snoopmgr created for one primary channel.
type CallSession struct {
	ChannelID     string
	CorrelationID string
	UniqueID      string
	Ports         portalloc.Ports
	CreatedAt     time.Time

	mu          sync.RWMutex
	state       CallState
	registered  bool
	tapLegIDs   [2]string
	relayLegIDs [2]string
	bridgeIDs   [2]string
}

// NewCallSession creates a session in StateSettingUp.
func NewCallSession(channelID, correlationID, uniqueID string, ports portalloc.Ports) *CallSession {
	return &CallSession{
		ChannelID:     channelID,
		CorrelationID: correlationID,
		UniqueID:      uniqueID,
		Ports:         ports,
		CreatedAt:     time.Now(),
		state:         StateSettingUp,
	}
}

// State returns the current lifecycle state.
func (s *CallSession) State() CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transition moves the session to next, rejecting invalid transitions.
func (s *CallSession) Transition(next CallState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransitionTo(next) {
		return fmt.Errorf("invalid call state transition %s -> %s", s.state, next)
	}
	s.state = next
	return nil
}

func (s *CallSession) SetTapLeg(dir int, id string) {
	s.mu.Lock()
	s.tapLegIDs[dir] = id
	s.mu.Unlock()
}

func (s *CallSession) SetRelayLeg(dir int, id string) {
	s.mu.Lock()
	s.relayLegIDs[dir] = id
	s.mu.Unlock()
}

func (s *CallSession) SetBridge(dir int, id string) {
	s.mu.Lock()
	s.bridgeIDs[dir] = id
	s.mu.Unlock()
}

func (s *CallSession) SetRegistered(v bool) {
	s.mu.Lock()
	s.registered = v
	s.mu.Unlock()
}

func (s *CallSession) Registered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registered
}

// Resources returns the ids recorded so far. Empty strings mean "never attempted".
func (s *CallSession) Resources() (tapLegs, relayLegs, bridges [2]string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tapLegIDs, s.relayLegIDs, s.bridgeIDs
}

// Snapshot is a copy of a session safe to hand to other goroutines.
type Snapshot struct {
	ChannelID     string
	CorrelationID string
	UniqueID      string
	Ports         portalloc.Ports
	State         CallState
	Registered    bool
	TapLegIDs     [2]string
	RelayLegIDs   [2]string
	BridgeIDs     [2]string
	CreatedAt     time.Time
}

func (s *CallSession) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ChannelID:     s.ChannelID,
		CorrelationID: s.CorrelationID,
		UniqueID:      s.UniqueID,
		Ports:         s.Ports,
		State:         s.state,
		Registered:    s.registered,
		TapLegIDs:     s.tapLegIDs,
		RelayLegIDs:   s.relayLegIDs,
		BridgeIDs:     s.bridgeIDs,
		CreatedAt:     s.CreatedAt,
	}
}

// RegistryConfig holds tunables for the own-leg index.
type RegistryConfig struct {
	// LegGrace is how long leg ids stay recognised after their call is removed.
	LegGrace time.Duration
	// CleanupInterval is how often expired leg ids are purged.
	CleanupInterval time.Duration
}

// DefaultRegistryConfig returns sensible defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		LegGrace:        30 * time.Second,
		CleanupInterval: 10 * time.Second,
	}
}

// Registry maps primary channel ids to sessions. It also indexes every leg id
// snoopmgr creates, so events about those legs can be told apart from primaries.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
	legs     *legSet
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.LegGrace <= 0 {
		cfg.LegGrace = DefaultRegistryConfig().LegGrace
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRegistryConfig().CleanupInterval
	}
	return &Registry{
		sessions: make(map[string]*CallSession),
		legs:     newLegSet(cfg.LegGrace, cfg.CleanupInterval),
	}
}

// Insert adds a session keyed by its ChannelID.
func (r *Registry) Insert(s *CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ChannelID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, s.ChannelID)
	}
	r.sessions[s.ChannelID] = s
	return nil
}

func (r *Registry) Get(channelID string) (*CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[channelID]
	return s, ok
}

// BeginTeardown claims the session for teardown. Exactly one caller gets
// (session, true) for a given session; later callers and unknown ids get false.
func (r *Registry) BeginTeardown(channelID string) (*CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[channelID]
	if !ok {
		return nil, false
	}
	if err := s.Transition(StateTearingDown); err != nil {
		return nil, false
	}
	return s, true
}

// Remove drops the session, marks it Ended and starts the grace period of its leg ids.
func (r *Registry) Remove(channelID string) {
	r.mu.Lock()
	s, ok := r.sessions[channelID]
	delete(r.sessions, channelID)
	r.mu.Unlock()

	if ok {
		_ = s.Transition(StateEnded)
	}
	r.legs.release(channelID)
}

// TrackLegs records ids created on behalf of channelID.
func (r *Registry) TrackLegs(channelID string, ids ...string) {
	r.legs.add(channelID, ids...)
}

// OwnerOf returns the primary channel id that a leg was created for.
func (r *Registry) OwnerOf(legID string) (string, bool) {
	return r.legs.owned(legID)
}

// IsOwnLeg reports whether id was created by snoopmgr.
func (r *Registry) IsOwnLeg(id string) bool {
	_, ok := r.legs.owned(id)
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns snapshots of all sessions, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close stops the background purge of expired leg ids.
func (r *Registry) Close() {
	r.legs.close()
}
