// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_voice

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/lingua/pkg/commons"
)

// ============================================================================
// Test helpers
// ============================================================================

type transition struct {
	participant string
	from, to    State
}

type recordingListener struct {
	mu          sync.Mutex
	transitions []transition
}

func (r *recordingListener) on(participantID string, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition{participantID, from, to})
}

func (r *recordingListener) all() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transition, len(r.transitions))
	copy(out, r.transitions)
	return out
}

func newTestTracker(t *testing.T) (*Tracker, *recordingListener) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	tracker := NewTracker(logger)
	listener := &recordingListener{}
	tracker.SetListener(listener.on)
	return tracker, listener
}

// ============================================================================
// Hysteresis
// ============================================================================

func TestOnVoiceDetected_SpikeDoesNotFlipState(t *testing.T) {
	tracker, listener := newTestTracker(t)

	// One frame of voice, well under the hysteresis window.
	tracker.OnVoiceDetected("p1", 0, 200)

	assert.Equal(t, StateSilence, tracker.State("p1"))
	assert.Empty(t, listener.all())
}

func TestOnVoiceDetected_ContinuousVoiceTransitions(t *testing.T) {
	tracker, listener := newTestTracker(t)

	tracker.OnVoiceDetected("p1", 0, 200)
	tracker.OnVoiceDetected("p1", 100, 200)
	assert.Equal(t, StateSilence, tracker.State("p1"))

	tracker.OnVoiceDetected("p1", 200, 200)
	assert.Equal(t, StateSpeaking, tracker.State("p1"))

	got := listener.all()
	require.Len(t, got, 1)
	assert.Equal(t, transition{"p1", StateSilence, StateSpeaking}, got[0])
}

func TestOnSilenceDetected_BreaksHysteresisRun(t *testing.T) {
	tracker, _ := newTestTracker(t)

	tracker.OnVoiceDetected("p1", 0, 200)
	// Silence interrupts the run, so continuity restarts from scratch.
	tracker.OnSilenceDetected("p1", 100, 500)
	tracker.OnVoiceDetected("p1", 150, 200)
	tracker.OnVoiceDetected("p1", 300, 200)

	assert.Equal(t, StateSilence, tracker.State("p1"),
		"150ms of continuous voice must not satisfy a 200ms hysteresis")

	tracker.OnVoiceDetected("p1", 350, 200)
	assert.Equal(t, StateSpeaking, tracker.State("p1"))
}

// ============================================================================
// Silence threshold
// ============================================================================

func TestOnSilenceDetected_RequiresFullWindow(t *testing.T) {
	tracker, listener := newTestTracker(t)

	tracker.OnVoiceDetected("p1", 0, 0)
	require.Equal(t, StateSpeaking, tracker.State("p1"))

	tracker.OnSilenceDetected("p1", 300, 500)
	assert.Equal(t, StateSpeaking, tracker.State("p1"))

	tracker.OnSilenceDetected("p1", 500, 500)
	assert.Equal(t, StateSilence, tracker.State("p1"))

	got := listener.all()
	require.Len(t, got, 2)
	assert.Equal(t, transition{"p1", StateSpeaking, StateSilence}, got[1])
}

func TestVoiceDuringSpeaking_ResetsSilenceWindow(t *testing.T) {
	tracker, _ := newTestTracker(t)

	tracker.OnVoiceDetected("p1", 0, 0)
	tracker.OnVoiceDetected("p1", 400, 0)

	// 500ms after the first voice frame but only 100ms after the latest.
	tracker.OnSilenceDetected("p1", 500, 500)
	assert.Equal(t, StateSpeaking, tracker.State("p1"))
}

// ============================================================================
// Isolation and lifecycle
// ============================================================================

func TestTracker_ParticipantsAreIndependent(t *testing.T) {
	tracker, _ := newTestTracker(t)

	tracker.OnVoiceDetected("a", 0, 0)
	assert.Equal(t, StateSpeaking, tracker.State("a"))
	assert.Equal(t, StateSilence, tracker.State("b"))
}

func TestRemove_ResetsParticipant(t *testing.T) {
	tracker, _ := newTestTracker(t)

	tracker.OnVoiceDetected("a", 0, 0)
	tracker.Remove("a")
	assert.Equal(t, StateSilence, tracker.State("a"))
}

func TestState_UnknownParticipantIsSilence(t *testing.T) {
	tracker, _ := newTestTracker(t)
	assert.Equal(t, StateSilence, tracker.State("ghost"))
}
