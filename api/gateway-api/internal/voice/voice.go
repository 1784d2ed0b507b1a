// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_voice

import (
	"sync"

	"github.com/rapidaai/lingua/pkg/commons"
)

// ============================================================================
// Input voice state
// ============================================================================

type State string

const (
	StateSilence  State = "SILENCE"
	StateSpeaking State = "SPEAKING"
)

// Listener is notified on every state transition. Called outside the
// tracker's lock so implementations may call back into the tracker.
type Listener func(participantID string, from, to State)

type participantVoice struct {
	state State

	// voiceStartMs is when the current uninterrupted run of voice began;
	// zero means no run is in progress.
	voiceStartMs int64
	lastVoiceMs  int64
}

// Tracker holds one silence/speaking machine per participant, driven by the
// batcher's RMS readings. A SILENCE to SPEAKING transition requires voice
// continuously for the hysteresis window so single-frame spikes do not flip
// the state; the reverse transition requires a full silence window.
type Tracker struct {
	logger   commons.Logger
	listener Listener

	mu     sync.Mutex
	states map[string]*participantVoice
}

func NewTracker(logger commons.Logger) *Tracker {
	return &Tracker{
		logger: logger,
		states: make(map[string]*participantVoice),
	}
}

// SetListener registers the transition listener (the outbound gate).
func (t *Tracker) SetListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = l
}

// State returns the participant's current state, SILENCE for unknowns.
func (t *Tracker) State(participantID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pv, ok := t.states[participantID]; ok {
		return pv.state
	}
	return StateSilence
}

// OnVoiceDetected records voiced audio at nowMs. The SILENCE to SPEAKING
// transition fires once voice has been observed continuously for at least
// hysteresisMs.
func (t *Tracker) OnVoiceDetected(participantID string, nowMs, hysteresisMs int64) {
	t.mu.Lock()
	pv := t.getLocked(participantID)
	pv.lastVoiceMs = nowMs

	var notify Listener
	var from, to State

	if pv.state == StateSilence {
		if pv.voiceStartMs == 0 {
			pv.voiceStartMs = nowMs
		}
		if nowMs-pv.voiceStartMs >= hysteresisMs {
			from, to = pv.state, StateSpeaking
			pv.state = StateSpeaking
			notify = t.listener
		}
	}
	t.mu.Unlock()

	if notify != nil {
		t.logger.Debugw("voice state transition",
			"participant", participantID, "from", from, "to", to)
		notify(participantID, from, to)
	}
}

// OnSilenceDetected records a silent reading at nowMs. The SPEAKING to
// SILENCE transition fires once no voice has been seen for
// silenceThresholdMs. A silent reading also breaks any in-progress
// hysteresis run.
func (t *Tracker) OnSilenceDetected(participantID string, nowMs, silenceThresholdMs int64) {
	t.mu.Lock()
	pv := t.getLocked(participantID)

	var notify Listener
	var from, to State

	if pv.state == StateSpeaking {
		if nowMs-pv.lastVoiceMs >= silenceThresholdMs {
			from, to = pv.state, StateSilence
			pv.state = StateSilence
			pv.voiceStartMs = 0
			notify = t.listener
		}
	} else {
		pv.voiceStartMs = 0
	}
	t.mu.Unlock()

	if notify != nil {
		t.logger.Debugw("voice state transition",
			"participant", participantID, "from", from, "to", to)
		notify(participantID, from, to)
	}
}

// Remove forgets a participant, used when they leave the call.
func (t *Tracker) Remove(participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, participantID)
}

func (t *Tracker) getLocked(participantID string) *participantVoice {
	pv, ok := t.states[participantID]
	if !ok {
		pv = &participantVoice{state: StateSilence}
		t.states[participantID] = pv
	}
	return pv
}
