// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_gate

import (
	"sync"

	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
	internal_voice "github.com/rapidaai/lingua/api/gateway-api/internal/voice"
	"github.com/rapidaai/lingua/pkg/commons"
)

// ============================================================================
// Outbound audio gate
// ============================================================================

// DefaultBufferCapBytes bounds the pause_and_buffer FIFO per session.
const DefaultBufferCapBytes = 512 * 1024

// Sender delivers a payload to the downstream socket.
type Sender func(msg internal_type.Message) error

type bufferedFrame struct {
	msg   internal_type.Message
	bytes int
}

// Gate sits between the normalized provider stream and the downstream
// socket. While any local participant is SPEAKING it applies the configured
// mode to audio payloads; non-audio payloads always pass.
type Gate struct {
	logger commons.Logger
	mode   internal_type.GateMode
	send   Sender

	mu       sync.Mutex
	speaking map[string]struct{}

	fifo     []bufferedFrame
	fifoSize int
	fifoCap  int
	dropped  uint64
}

func New(logger commons.Logger, mode internal_type.GateMode, send Sender) *Gate {
	return &Gate{
		logger:   logger,
		mode:     mode,
		send:     send,
		speaking: make(map[string]struct{}),
		fifoCap:  DefaultBufferCapBytes,
	}
}

// SetBufferCap overrides the pause_and_buffer byte cap.
func (g *Gate) SetBufferCap(capBytes int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if capBytes > 0 {
		g.fifoCap = capBytes
	}
}

// OnVoiceTransition is the listener registered with the voice tracker.
// Entering SILENCE drains any buffered audio in FIFO order before real-time
// delivery resumes.
func (g *Gate) OnVoiceTransition(participantID string, _, to internal_voice.State) {
	g.mu.Lock()
	if to == internal_voice.StateSpeaking {
		g.speaking[participantID] = struct{}{}
		g.mu.Unlock()
		return
	}

	delete(g.speaking, participantID)
	if len(g.speaking) > 0 || len(g.fifo) == 0 {
		g.mu.Unlock()
		return
	}
	drained := g.fifo
	g.fifo = nil
	g.fifoSize = 0
	g.mu.Unlock()

	for _, frame := range drained {
		if err := g.send(frame.msg); err != nil {
			g.logger.Warnw("gate drain send failed", "error", err)
			return
		}
	}
}

// Forward routes one outbound payload through the gate.
func (g *Gate) Forward(msg internal_type.Message) error {
	if !internal_type.IsAudio(msg) {
		return g.send(msg)
	}

	g.mu.Lock()
	paused := len(g.speaking) > 0
	if !paused || g.mode == internal_type.GatePlayThrough {
		g.mu.Unlock()
		return g.send(msg)
	}

	switch g.mode {
	case internal_type.GatePauseAndDrop:
		g.dropped++
		g.mu.Unlock()
		return nil
	case internal_type.GatePauseAndBuffer:
		g.bufferLocked(msg)
		g.mu.Unlock()
		return nil
	default:
		g.mu.Unlock()
		return g.send(msg)
	}
}

// Dropped reports how many audio payloads were discarded, by pause_and_drop
// or by FIFO overflow.
func (g *Gate) Dropped() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dropped
}

// Buffered reports the FIFO byte total (diagnostics).
func (g *Gate) Buffered() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fifoSize
}

func (g *Gate) bufferLocked(msg internal_type.Message) {
	size := audioBytes(msg)
	for g.fifoSize+size > g.fifoCap && len(g.fifo) > 0 {
		oldest := g.fifo[0]
		g.fifo = g.fifo[1:]
		g.fifoSize -= oldest.bytes
		g.dropped++
		g.logger.Warnw("gate buffer overflow, dropping oldest frame",
			"frame_bytes", oldest.bytes,
			"buffered_bytes", g.fifoSize,
			"cap_bytes", g.fifoCap)
	}
	g.fifo = append(g.fifo, bufferedFrame{msg: msg, bytes: size})
	g.fifoSize += size
}

func audioBytes(msg internal_type.Message) int {
	if audio, ok := msg.(*internal_type.AudioData); ok {
		return len(audio.Data)
	}
	return 0
}
