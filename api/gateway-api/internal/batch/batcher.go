// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_batch

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"

	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
	"github.com/rapidaai/lingua/pkg/commons"
)

// ============================================================================
// Audio commit batcher
// ============================================================================

// Config carries the three sealing thresholds and the negotiated audio
// format used to convert bytes to milliseconds.
type Config struct {
	MaxBatchBytes int
	MaxBatchMs    int
	IdleTimeoutMs int

	SampleRate int
	Channels   int
}

// Publisher receives sealed commits; in production it publishes to the
// provider-outbound bus.
type Publisher func(commit *internal_type.Commit)

type participantState struct {
	buf       bytes.Buffer
	lastChunk time.Time

	// idleGen invalidates stale idle timers: each chunk bumps the
	// generation, so a timer armed before the chunk cannot fire a commit.
	idleGen   uint64
	idleTimer *time.Timer
}

// Batcher accumulates per-participant PCM and seals a commit when the byte
// limit, the duration limit, or the idle timeout is reached. Each commit
// gets a fresh UUID, its measured RMS energy, and a silence flag. The
// batcher is serialized with respect to itself per participant via one
// mutex; publishing happens outside hot paths only through the Publisher.
type Batcher struct {
	logger    commons.Logger
	cfg       Config
	sessionID string
	publish   Publisher

	mu     sync.Mutex
	states map[string]*participantState
	closed bool

	// clock is injectable for testing; defaults to time.Now.
	clock func() time.Time
}

// New creates a batcher for one session.
func New(logger commons.Logger, sessionID string, cfg Config, publish Publisher) *Batcher {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = internal_type.DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = internal_type.DefaultChannels
	}
	return &Batcher{
		logger:    logger,
		cfg:       cfg,
		sessionID: sessionID,
		publish:   publish,
		states:    make(map[string]*participantState),
		clock:     time.Now,
	}
}

// SetFormat updates the byte→duration conversion after metadata negotiation.
func (b *Batcher) SetFormat(sampleRate, channels int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sampleRate > 0 {
		b.cfg.SampleRate = sampleRate
	}
	if channels > 0 {
		b.cfg.Channels = channels
	}
}

// sealLimitBytes is the byte count at which a buffer must be sealed: the
// byte threshold, or the duration threshold expressed in bytes, whichever
// comes first.
func (b *Batcher) sealLimitBytes() int {
	limit := b.cfg.MaxBatchBytes
	durationBytes := b.cfg.MaxBatchMs * internal_type.BytesPerMs(b.cfg.SampleRate, b.cfg.Channels)
	if durationBytes > 0 && durationBytes < limit {
		limit = durationBytes
	}
	return limit
}

// OnAudio appends one PCM chunk for a participant, sealing as many full
// commits as the thresholds demand. Any remainder starts a new buffer and
// re-arms the idle timer.
func (b *Batcher) OnAudio(participantID string, pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	var sealed []*internal_type.Commit

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	state, ok := b.states[participantID]
	if !ok {
		state = &participantState{}
		b.states[participantID] = state
	}

	state.buf.Write(pcm)
	state.lastChunk = b.clock()
	b.cancelIdleLocked(state)

	limit := b.sealLimitBytes()
	for state.buf.Len() >= limit {
		sealed = append(sealed, b.sealLocked(participantID, state, limit))
	}

	if state.buf.Len() > 0 {
		b.armIdleLocked(participantID, state)
	}
	b.mu.Unlock()

	for _, commit := range sealed {
		b.publish(commit)
	}
}

// Flush discards any buffered audio for a participant without publishing.
// Used by the control plane on barge-in.
func (b *Batcher) Flush(participantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.states[participantID]; ok {
		b.cancelIdleLocked(state)
		state.buf.Reset()
	}
}

// FlushAll discards every participant's buffered audio without publishing.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, state := range b.states {
		b.cancelIdleLocked(state)
		state.buf.Reset()
	}
}

// Close cancels all timers; further audio is ignored.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, state := range b.states {
		b.cancelIdleLocked(state)
	}
}

// Pending returns the buffered byte count for a participant (diagnostics).
func (b *Batcher) Pending(participantID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.states[participantID]; ok {
		return state.buf.Len()
	}
	return 0
}

// sealLocked takes at most `take` bytes off the front of the buffer and
// turns them into an immutable commit. Caller holds the mutex.
func (b *Batcher) sealLocked(participantID string, state *participantState, take int) *internal_type.Commit {
	if take <= 0 || take > state.buf.Len() {
		take = state.buf.Len()
	}
	audio := make([]byte, take)
	state.buf.Read(audio)

	rms := internal_type.RMSEnergy(audio)
	commit := &internal_type.Commit{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		SessionID:     b.sessionID,
		Audio:         audio,
		CreatedAt:     b.clock(),
		RMS:           rms,
		IsSilence:     rms < internal_type.SilenceRMSThreshold,
	}

	b.logger.Debugw("sealed audio commit",
		"commit", commit.ID,
		"participant", participantID,
		"bytes", len(audio),
		"duration_ms", commit.DurationMs(b.cfg.SampleRate, b.cfg.Channels),
		"silence", commit.IsSilence)
	return commit
}

func (b *Batcher) cancelIdleLocked(state *participantState) {
	state.idleGen++
	if state.idleTimer != nil {
		state.idleTimer.Stop()
		state.idleTimer = nil
	}
}

func (b *Batcher) armIdleLocked(participantID string, state *participantState) {
	if b.cfg.IdleTimeoutMs <= 0 {
		return
	}
	gen := state.idleGen
	state.idleTimer = time.AfterFunc(time.Duration(b.cfg.IdleTimeoutMs)*time.Millisecond, func() {
		b.onIdle(participantID, gen)
	})
}

// onIdle seals whatever is buffered when the idle timer fires, unless a new
// chunk invalidated this timer generation in the meantime.
func (b *Batcher) onIdle(participantID string, gen uint64) {
	b.mu.Lock()
	state, ok := b.states[participantID]
	if !ok || b.closed || state.idleGen != gen || state.buf.Len() == 0 {
		b.mu.Unlock()
		return
	}
	commit := b.sealLocked(participantID, state, state.buf.Len())
	state.idleTimer = nil
	b.mu.Unlock()

	b.publish(commit)
}
