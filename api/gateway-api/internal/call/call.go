// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_call

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	internal_gate "github.com/rapidaai/lingua/api/gateway-api/internal/gate"
	internal_pipeline "github.com/rapidaai/lingua/api/gateway-api/internal/pipeline"
	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
	internal_voice "github.com/rapidaai/lingua/api/gateway-api/internal/voice"
	"github.com/rapidaai/lingua/pkg/commons"
	"github.com/rapidaai/lingua/pkg/utils"
)

// ============================================================================
// Calls and participants
// ============================================================================

const (
	codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeLength   = 6

	// recentRingSize bounds the diagnostic recent-calls view.
	recentRingSize = 10
)

// SendFunc delivers a payload to one participant's downstream socket.
type SendFunc func(msg internal_type.Message) error

type Participant struct {
	ID       string
	Send     SendFunc
	JoinedAt time.Time

	// gate holds this participant's playback while they are speaking.
	gate *internal_gate.Gate
}

// deliver routes one payload through the participant's outbound gate.
func (p *Participant) deliver(msg internal_type.Message) error {
	if p.gate != nil {
		return p.gate.Forward(msg)
	}
	return p.Send(msg)
}

// Call is one translation call: a short code, a provider choice, and the set
// of connected participants sharing a lazily-initialized upstream.
type Call struct {
	Code        string
	ServiceURL  string
	Provider    string
	BargeInMode internal_type.GateMode
	CreatedAt   time.Time

	mu           sync.Mutex
	participants map[string]*Participant
	lastActivity time.Time
	subSeq       int64

	// initMu serializes upstream initialization so concurrent joins cannot
	// race two connect attempts.
	initMu       sync.Mutex
	pipeline     *internal_pipeline.Pipeline
	metadataSent bool
}

// NextSubscriptionID returns the call's next monotonic subscription id.
func (c *Call) NextSubscriptionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subSeq++
	return fmt.Sprintf("%s-sub-%d", c.Code, c.subSeq)
}

// Pipeline returns the shared pipeline, nil before initialization.
func (c *Call) Pipeline() *internal_pipeline.Pipeline {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	return c.pipeline
}

// Participants returns a snapshot of participant ids.
func (c *Call) Participants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.participants))
	for id := range c.participants {
		out = append(out, id)
	}
	return out
}

// ParticipantCount returns the current membership size.
func (c *Call) ParticipantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.participants)
}

// BroadcastAudio fans a frame out to every participant except the sender, so
// nobody hears their own voice echoed back. A directed frame
// (PlayToParticipant) goes to that participant only. A failed send marks the
// participant gone; they are removed after the fan-out.
func (c *Call) BroadcastAudio(senderID string, msg internal_type.Message) {
	target := ""
	if audio, ok := msg.(*internal_type.AudioData); ok {
		if senderID == "" {
			senderID = audio.ParticipantRawID
		}
		target = audio.PlayToParticipant
	}

	c.broadcast(msg, func(p *Participant) bool {
		if target != "" {
			return p.ID == target
		}
		return p.ID != senderID
	})
}

// BroadcastControl fans a payload out to every participant, sender included.
func (c *Call) BroadcastControl(msg internal_type.Message) {
	c.broadcast(msg, func(*Participant) bool { return true })
}

// Deliver routes one payload to a single participant through their gate.
func (c *Call) Deliver(participantID string, msg internal_type.Message) error {
	c.mu.Lock()
	p, ok := c.participants[participantID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("participant %q not in call %s", participantID, c.Code)
	}
	return p.deliver(msg)
}

// OnVoiceTransition is the pipeline's voice listener. The transition reaches
// only the speaking participant's own gate, so their playback is held while
// everyone else keeps hearing translated audio.
func (c *Call) OnVoiceTransition(participantID string, from, to internal_voice.State) {
	c.mu.Lock()
	p, ok := c.participants[participantID]
	c.mu.Unlock()
	if ok && p.gate != nil {
		p.gate.OnVoiceTransition(participantID, from, to)
	}
}

func (c *Call) broadcast(msg internal_type.Message, include func(*Participant) bool) {
	c.mu.Lock()
	targets := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		if include(p) {
			targets = append(targets, p)
		}
	}
	c.mu.Unlock()

	var gone []string
	for _, p := range targets {
		if err := p.deliver(msg); err != nil {
			gone = append(gone, p.ID)
		}
	}
	if len(gone) == 0 {
		return
	}
	c.mu.Lock()
	for _, id := range gone {
		delete(c.participants, id)
	}
	c.mu.Unlock()
}

// ============================================================================
// Call manager
// ============================================================================

// PipelineFactory builds the shared pipeline for one call. Injected so the
// registry stays free of transport configuration.
type PipelineFactory func(call *Call) (*internal_pipeline.Pipeline, error)

// CallSummary is the diagnostic recent-calls view.
type CallSummary struct {
	CallCode         string `json:"callCode"`
	Service          string `json:"service"`
	Provider         string `json:"provider"`
	BargeInMode      string `json:"bargeInMode"`
	CreatedAtIso     string `json:"createdAtIso"`
	ParticipantCount int    `json:"participantCount"`
	IsActive         bool   `json:"isActive"`
}

// Manager is the process-wide thread-safe call registry. It keeps a ring of
// the ten most-recently-created calls for diagnostics and reaps calls idle
// beyond the TTL.
type Manager struct {
	logger  commons.Logger
	factory PipelineFactory

	ttl             time.Duration
	cleanupInterval time.Duration

	mu     sync.Mutex
	calls  map[string]*Call
	recent []string

	// runCtx bounds the lifetime of shared call pipelines. Set by Start;
	// a pipeline must outlive any single joiner's request.
	runCtx context.Context
}

func NewManager(logger commons.Logger, factory PipelineFactory, ttl, cleanupInterval time.Duration) *Manager {
	return &Manager{
		logger:          logger,
		factory:         factory,
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		calls:           make(map[string]*Call),
	}
}

// Start records the manager's run context, which bounds every shared call
// pipeline, and runs the idle-call reaper until that context is canceled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	if m.cleanupInterval <= 0 {
		return
	}
	utils.Go(ctx, func() {
		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reap()
			}
		}
	})
}

// runContext returns the context pipelines run under, Background when the
// manager was never started.
func (m *Manager) runContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx != nil {
		return m.runCtx
	}
	return context.Background()
}

// CreateCall registers a new call under a fresh unique code.
func (m *Manager) CreateCall(service, provider string, bargeInMode internal_type.GateMode) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	code, err := m.uniqueCodeLocked()
	if err != nil {
		return nil, err
	}
	call := &Call{
		Code:         code,
		ServiceURL:   service,
		Provider:     provider,
		BargeInMode:  bargeInMode,
		CreatedAt:    time.Now(),
		participants: make(map[string]*Participant),
		lastActivity: time.Now(),
	}
	m.calls[code] = call

	m.recent = append(m.recent, code)
	if len(m.recent) > recentRingSize {
		m.recent = m.recent[len(m.recent)-recentRingSize:]
	}

	m.logger.Infow("call created", "call", code, "provider", provider, "barge_in", string(bargeInMode))
	return call, nil
}

// GetCall looks a call up by code, nil when unknown.
func (m *Manager) GetCall(code string) *Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[code]
}

// ListRecentCalls returns summaries of the most recently created calls,
// newest first.
func (m *Manager) ListRecentCalls() []CallSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]CallSummary, 0, len(m.recent))
	for i := len(m.recent) - 1; i >= 0; i-- {
		call, ok := m.calls[m.recent[i]]
		if !ok {
			continue
		}
		count := call.ParticipantCount()
		out = append(out, CallSummary{
			CallCode:         call.Code,
			Service:          call.ServiceURL,
			Provider:         call.Provider,
			BargeInMode:      string(call.BargeInMode),
			CreatedAtIso:     call.CreatedAt.UTC().Format(time.RFC3339),
			ParticipantCount: count,
			IsActive:         count > 0,
		})
	}
	return out
}

// AddParticipant joins a participant to a call, lazily initializing the
// upstream, then announces membership: the current list to the newcomer and
// a joined event to everyone.
func (m *Manager) AddParticipant(code, participantID string, send SendFunc) (*Call, error) {
	call := m.GetCall(code)
	if call == nil {
		return nil, fmt.Errorf("unknown call %q", code)
	}

	call.mu.Lock()
	call.participants[participantID] = &Participant{
		ID:       participantID,
		Send:     send,
		JoinedAt: time.Now(),
		gate:     internal_gate.New(m.logger, call.BargeInMode, internal_gate.Sender(send)),
	}
	call.lastActivity = time.Now()
	call.mu.Unlock()

	if _, err := m.EnsureUpstream(call); err != nil {
		m.RemoveParticipant(call, participantID)
		return nil, err
	}

	_ = send(&internal_type.ParticipantEvent{
		Type:         internal_type.TypeParticipantList,
		Participants: call.Participants(),
	})
	call.BroadcastControl(&internal_type.ParticipantEvent{
		Type:          internal_type.TypeParticipantJoined,
		ParticipantID: participantID,
	})

	m.logger.Infow("participant joined", "call", code, "participant", participantID)
	return call, nil
}

// RemoveParticipant drops a participant. The last one out closes the
// upstream and clears the handshake flag so a later join re-negotiates.
func (m *Manager) RemoveParticipant(call *Call, participantID string) {
	call.mu.Lock()
	if _, ok := call.participants[participantID]; !ok {
		call.mu.Unlock()
		return
	}
	delete(call.participants, participantID)
	remaining := len(call.participants)
	call.lastActivity = time.Now()
	call.mu.Unlock()

	if remaining > 0 {
		call.BroadcastControl(&internal_type.ParticipantEvent{
			Type:          internal_type.TypeParticipantLeft,
			ParticipantID: participantID,
		})
	} else {
		call.initMu.Lock()
		if call.pipeline != nil {
			call.pipeline.Shutdown()
			call.pipeline = nil
		}
		call.metadataSent = false
		call.initMu.Unlock()
	}

	m.logger.Infow("participant left", "call", call.Code, "participant", participantID, "remaining", remaining)
}

// EnsureUpstream initializes the call's shared pipeline exactly once,
// sending the settings and metadata handshake on first connect. The
// pipeline runs under the manager's context, never a joiner's request: the
// first participant leaving must not stop reconnection for the rest.
func (m *Manager) EnsureUpstream(call *Call) (*internal_pipeline.Pipeline, error) {
	call.initMu.Lock()
	defer call.initMu.Unlock()

	if call.pipeline != nil {
		return call.pipeline, nil
	}

	pl, err := m.factory(call)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", call.Code, err)
	}
	if pl == nil {
		return nil, nil
	}
	if err := pl.Start(m.runContext()); err != nil {
		pl.Shutdown()
		return nil, fmt.Errorf("call %s: %w", call.Code, err)
	}

	if !call.metadataSent {
		handshake := []internal_type.Message{
			&internal_type.SettingsMessage{Settings: internal_type.SessionSettings{
				Provider:         call.Provider,
				OutboundGateMode: string(call.BargeInMode),
			}},
			&internal_type.AudioMetadata{
				SubscriptionID: call.NextSubscriptionID(),
				Encoding:       "PCM16",
				SampleRate:     internal_type.DefaultSampleRate,
				Channels:       internal_type.DefaultChannels,
			},
		}
		for _, msg := range handshake {
			if err := pl.SendHandshake(msg); err != nil {
				pl.Shutdown()
				return nil, fmt.Errorf("call %s handshake: %w", call.Code, err)
			}
		}
		call.metadataSent = true
	}

	call.pipeline = pl
	return pl, nil
}

func (m *Manager) reap() {
	now := time.Now()

	m.mu.Lock()
	var stale []*Call
	for code, call := range m.calls {
		call.mu.Lock()
		idle := len(call.participants) == 0 && now.Sub(call.lastActivity) > m.ttl
		call.mu.Unlock()
		if idle {
			stale = append(stale, call)
			delete(m.calls, code)
		}
	}
	m.mu.Unlock()

	for _, call := range stale {
		call.initMu.Lock()
		if call.pipeline != nil {
			call.pipeline.Shutdown()
			call.pipeline = nil
		}
		call.initMu.Unlock()
		m.logger.Infow("reaped idle call", "call", call.Code)
	}
}

// uniqueCodeLocked draws 6-character base-36 uppercase codes until one is
// free. Caller holds the registry mutex.
func (m *Manager) uniqueCodeLocked() (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if _, taken := m.calls[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("call code space exhausted")
}

func randomCode() (string, error) {
	// 252 is the largest multiple of 36 below 256; bytes at or above it
	// are redrawn so every alphabet character is equally likely.
	const unbiasedLimit = byte(252)

	out := make([]byte, 0, codeLength)
	raw := make([]byte, 2*codeLength)
	for len(out) < codeLength {
		if _, err := rand.Read(raw); err != nil {
			return "", fmt.Errorf("generate call code: %w", err)
		}
		for _, b := range raw {
			if b >= unbiasedLimit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == codeLength {
				break
			}
		}
	}
	return string(out), nil
}
