package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession() (*sessionState, <-chan Event) {
	bus := NewBus(testLogger())
	s := newSessionState(bus, testLogger())

	return s, bus.Subscribe()
}

func TestSession_TransitionsEmitEvents(t *testing.T) {
	s, events := newTestSession()

	assert.Equal(t, StateOffline, s.Current())

	s.transition(StateSigningIn)
	s.transition(StateSyncing)
	s.transition(StateSyncing) // same-state is silent
	s.transition(StateOnline)

	var seen []State

	for {
		select {
		case ev := <-events:
			if ev.State != nil {
				seen = append(seen, ev.State.To)
			}

			continue
		default:
		}

		break
	}

	assert.Equal(t, []State{StateSigningIn, StateSyncing, StateOnline}, seen)
}

func TestSession_OnlyLatestPauseTokenResumes(t *testing.T) {
	s, _ := newTestSession()

	first := s.Pause()
	second := s.Pause()
	require.NotEqual(t, first, second)

	assert.False(t, s.Resume(first), "superseded token must not resume")
	assert.True(t, s.Paused())

	assert.True(t, s.Resume(second))
	assert.False(t, s.Paused())
}

func TestSession_ResumeWithoutPauseRejected(t *testing.T) {
	s, _ := newTestSession()

	assert.False(t, s.Resume("anything"))
}

func TestSession_UsedTokenCannotResumeTwice(t *testing.T) {
	s, _ := newTestSession()

	token := s.Pause()
	require.True(t, s.Resume(token))

	s.Pause()
	assert.False(t, s.Resume(token), "spent token is dead after the next pause")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "offline", StateOffline.String())
	assert.Equal(t, "signing-in", StateSigningIn.String())
	assert.Equal(t, "syncing", StateSyncing.String())
	assert.Equal(t, "online", StateOnline.String())
}
