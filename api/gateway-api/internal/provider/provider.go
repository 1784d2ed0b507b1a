// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import (
	"context"
	"fmt"
	"sync"

	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
	internal_upstream "github.com/rapidaai/lingua/api/gateway-api/internal/upstream"
	"github.com/rapidaai/lingua/pkg/commons"
	"github.com/rapidaai/lingua/pkg/utils"
)

// ============================================================================
// Provider adapters
// ============================================================================

// Emit delivers a canonical event to the provider-inbound bus.
type Emit func(ev *internal_type.ProviderEvent)

// Adapter translates between sealed commits and one provider dialect. All
// adapters emit canonical ProviderEvents regardless of the upstream wire.
type Adapter interface {
	Name() string
	// Start begins consuming the upstream's inbound stream.
	Start(ctx context.Context)
	// OnCommit forwards one sealed commit to the provider.
	OnCommit(commit *internal_type.Commit) error
	// Cancel aborts the in-flight response for a participant (barge-in).
	Cancel(participantID string) error
	Close()
}

// Constructor builds an adapter bound to one upstream connection and one
// session.
type Constructor func(logger commons.Logger, conn *internal_upstream.Connection, sessionID string, emit Emit) Adapter

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{
		"relay": newRelay,
	}
)

// Register installs a named adapter constructor. Later registrations win so
// deployments can override the built-ins.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// New resolves a provider identifier to an adapter. Empty selects relay.
func New(name string, logger commons.Logger, conn *internal_upstream.Connection, sessionID string, emit Emit) (Adapter, error) {
	if name == "" {
		name = "relay"
	}
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return ctor(logger, conn, sessionID, emit), nil
}

// ============================================================================
// Relay adapter
// ============================================================================

// relay forwards commits verbatim as AudioData frames and maps the
// provider's echoed wire messages onto canonical events. It is the default
// adapter for providers that already speak the gateway dialect.
type relay struct {
	logger    commons.Logger
	conn      *internal_upstream.Connection
	sessionID string
	emit      Emit

	mu     sync.Mutex
	closed bool
}

func newRelay(logger commons.Logger, conn *internal_upstream.Connection, sessionID string, emit Emit) Adapter {
	return &relay{logger: logger, conn: conn, sessionID: sessionID, emit: emit}
}

func (r *relay) Name() string { return "relay" }

func (r *relay) Start(ctx context.Context) {
	utils.Go(ctx, func() { r.consume() })
}

func (r *relay) OnCommit(commit *internal_type.Commit) error {
	return r.conn.Send(&internal_type.AudioData{
		Data:             commit.Audio,
		ParticipantRawID: commit.ParticipantID,
		Timestamp:        commit.CreatedAt.UnixMilli(),
		Silent:           commit.IsSilence,
	})
}

func (r *relay) Cancel(participantID string) error {
	return r.conn.Send(&internal_type.Control{
		Type:   internal_type.TypeControlCancel,
		Fields: map[string]interface{}{"participant_id": participantID},
	})
}

func (r *relay) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.conn.Close()
}

func (r *relay) consume() {
	for msg := range r.conn.Messages() {
		if ev := r.translate(msg); ev != nil {
			r.emit(ev)
		}
	}

	// Stream ended without a close on our side: surface it as an error so
	// every open stream terminates downstream.
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if !closed {
		r.emit(&internal_type.ProviderEvent{
			Type:      internal_type.ProviderError,
			SessionID: r.sessionID,
			Provider:  r.Name(),
			Error:     "upstream connection lost",
		})
	}
}

func (r *relay) translate(msg internal_type.Message) *internal_type.ProviderEvent {
	base := internal_type.ProviderEvent{
		SessionID: r.sessionID,
		Provider:  r.Name(),
	}

	switch m := msg.(type) {
	case *internal_type.AudioData:
		base.Type = internal_type.ProviderAudioDelta
		base.ParticipantID = m.ParticipantRawID
		base.StreamID = m.ParticipantRawID
		base.Audio = m.Data
		base.Sequence = m.Sequence
		return &base
	case *internal_type.AudioMetadata:
		// Format renegotiation mid-call is not part of the relay dialect.
		r.logger.Debugw("ignoring mid-call AudioMetadata from relay upstream",
			"sample_rate", m.SampleRate)
		return nil
	case *internal_type.Transcript:
		base.Type = internal_type.ProviderTranscriptDone
		base.ParticipantID = m.ParticipantID
		base.Text = m.Text
		base.SourceLanguage = m.SourceLanguage
		base.TargetLanguage = m.TargetLanguage
		return &base
	case *internal_type.TextDelta:
		base.Type = internal_type.ProviderTranscriptDelta
		base.ParticipantID = m.ParticipantID
		base.Text = m.Delta
		base.SourceLanguage = m.SourceLanguage
		base.TargetLanguage = m.TargetLanguage
		return &base
	case *internal_type.ErrorMessage:
		base.Type = internal_type.ProviderError
		base.Error = m.Message
		return &base
	case *internal_type.Control:
		return r.translateControl(&base, m)
	}
	r.logger.Warnw("relay cannot translate message", "kind", msg.Kind())
	return nil
}

func (r *relay) translateControl(base *internal_type.ProviderEvent, m *internal_type.Control) *internal_type.ProviderEvent {
	switch m.Type {
	case internal_type.TypeControlStopAudio:
		base.Type = internal_type.ProviderControlStop
		if pid, ok := m.Fields["participant_id"].(string); ok {
			base.ParticipantID = pid
		}
		if sid, ok := m.Fields["stream_id"].(string); ok {
			base.StreamID = sid
		}
		return base
	case internal_type.TypeSystemInfoResponse:
		r.logger.Infow("upstream system info", "fields", m.Fields)
		return nil
	case internal_type.TypeControlResponseText:
		base.Type = internal_type.ProviderTranscriptDone
		if text, ok := m.Fields["text"].(string); ok {
			base.Text = text
		}
		if pid, ok := m.Fields["participant_id"].(string); ok {
			base.ParticipantID = pid
		}
		return base
	default:
		r.logger.Debugw("ignoring upstream control", "type", m.Type)
		return nil
	}
}
