package sync

import (
	"log/slog"
	stdsync "sync"

	"github.com/google/uuid"
)

// State is the engine's connection lifecycle state.
type State int

const (
	StateOffline State = iota
	StateSigningIn
	StateSyncing
	StateOnline
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateSigningIn:
		return "signing-in"
	case StateSyncing:
		return "syncing"
	case StateOnline:
		return "online"
	default:
		return "offline"
	}
}

// sessionState tracks the lifecycle state plus the orthogonal pause
// flag. Pausing issues a one-shot resume token; only the most recently
// issued token resumes, so a stale unpause from an abandoned caller
// cannot restart a deliberately paused engine.
type sessionState struct {
	mu stdsync.Mutex

	state       State
	paused      bool
	resumeToken string

	bus    *Bus
	logger *slog.Logger
}

func newSessionState(bus *Bus, logger *slog.Logger) *sessionState {
	return &sessionState{bus: bus, logger: logger}
}

// Current returns the lifecycle state.
func (s *sessionState) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Paused reports whether sync activity is suspended.
func (s *sessionState) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.paused
}

// transition moves to the given state, emitting a StateChanged event.
// Same-state transitions are silent no-ops.
func (s *sessionState) transition(to State) {
	s.mu.Lock()

	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}

	s.state = to
	s.mu.Unlock()

	s.logger.Info("session state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)

	s.bus.Publish(Event{State: &StateChanged{From: from, To: to}})
}

// Pause suspends sync activity and returns the resume token.
func (s *sessionState) Pause() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = true
	s.resumeToken = uuid.NewString()

	s.logger.Info("sync paused", slog.String("resume_token", s.resumeToken))

	return s.resumeToken
}

// Resume lifts the pause if token matches the latest issued one.
// Returns whether the engine actually resumed.
func (s *sessionState) Resume(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.paused || token != s.resumeToken {
		s.logger.Warn("resume rejected: stale or unknown token")
		return false
	}

	s.paused = false
	s.resumeToken = ""

	s.logger.Info("sync resumed")

	return true
}
