// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	internal_call "github.com/rapidaai/lingua/api/gateway-api/internal/call"
	internal_codec "github.com/rapidaai/lingua/api/gateway-api/internal/codec"
	internal_pipeline "github.com/rapidaai/lingua/api/gateway-api/internal/pipeline"
	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
	"github.com/rapidaai/lingua/pkg/commons"
	"github.com/rapidaai/lingua/pkg/utils"
)

// ============================================================================
// Session
// ============================================================================

// PipelineBuilder creates an isolated pipeline for one participant under
// per_participant routing, configured from the call's attributes. The send
// function delivers to this session's socket only.
type PipelineBuilder func(call *internal_call.Call, sessionID, participantID string, send internal_pipeline.SendFunc) (*internal_pipeline.Pipeline, error)

// Session is one accepted downstream connection: a participant inside a
// call, a routing strategy picked from the first frame, and zero or more
// owned pipelines. Lifecycle is 1:1 with the WebSocket.
type Session struct {
	ID            string
	ParticipantID string

	logger  commons.Logger
	conn    *websocket.Conn
	call    *internal_call.Call
	manager *internal_call.Manager
	builder PipelineBuilder

	startAt time.Time

	writeMu sync.Mutex

	// mu guards the routing strategy, the lazily created per-participant
	// pipelines, and the set of watched pipelines.
	mu        sync.Mutex
	strategy  internal_type.RoutingStrategy
	pipelines map[string]*internal_pipeline.Pipeline
	watched   map[*internal_pipeline.Pipeline]struct{}

	closeOnce sync.Once
}

func New(logger commons.Logger, conn *websocket.Conn, call *internal_call.Call,
	manager *internal_call.Manager, participantID string, builder PipelineBuilder) *Session {
	return &Session{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		logger:        logger,
		conn:          conn,
		call:          call,
		manager:       manager,
		builder:       builder,
		startAt:       time.Now(),
		strategy:      internal_type.RoutingShared,
		pipelines:     make(map[string]*internal_pipeline.Pipeline),
		watched:       make(map[*internal_pipeline.Pipeline]struct{}),
	}
}

// Send serializes one payload onto the downstream socket. Safe for
// concurrent callers.
func (s *Session) Send(msg internal_type.Message) error {
	raw, err := internal_codec.Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// Run drives the receive loop until the socket closes or the context is
// canceled. The first decodable frame selects the routing strategy.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debugw("downstream read ended", "session", s.ID, "error", err)
			return
		}

		msg, err := internal_codec.Decode(raw)
		if err != nil {
			// Protocol violations drop the frame, never the connection.
			s.logger.Warnw("dropping undecodable downstream frame",
				"session", s.ID, "error", err)
			continue
		}

		if first {
			first = false
			s.pickStrategy(msg)
		}
		s.dispatch(ctx, msg)
	}
}

// Close unwinds the session: receive/send stop, owned pipelines shut down,
// membership is released, then the socket closes.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		owned := make([]*internal_pipeline.Pipeline, 0, len(s.pipelines))
		for _, pl := range s.pipelines {
			owned = append(owned, pl)
		}
		s.pipelines = make(map[string]*internal_pipeline.Pipeline)
		s.mu.Unlock()

		for _, pl := range owned {
			pl.Shutdown()
		}
		s.manager.RemoveParticipant(s.call, s.ParticipantID)
		_ = s.conn.Close()
		s.logger.Infow("session closed", "session", s.ID, "participant", s.ParticipantID)
	})
}

// Strategy returns the routing strategy in effect.
func (s *Session) Strategy() internal_type.RoutingStrategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

func (s *Session) pickStrategy(msg internal_type.Message) {
	if settings, ok := msg.(*internal_type.SettingsMessage); ok {
		strategy, err := internal_type.ParseRoutingStrategy(settings.Settings.RoutingStrategy)
		if err != nil {
			s.logger.Warnw("invalid routing strategy, using shared",
				"session", s.ID, "value", settings.Settings.RoutingStrategy)
			return
		}
		s.mu.Lock()
		s.strategy = strategy
		s.mu.Unlock()
	}
	s.logger.Infow("routing strategy selected", "session", s.ID, "strategy", string(s.Strategy()))
}

func (s *Session) dispatch(ctx context.Context, msg internal_type.Message) {
	if audio, ok := msg.(*internal_type.AudioData); ok {
		if audio.ParticipantRawID == "" {
			audio.ParticipantRawID = s.ParticipantID
		}
		audio.Timestamp = internal_codec.NormalizeTimestamp(audio.Timestamp, s.startAt)
		// Peers hear each other live; the sender is excluded.
		s.call.BroadcastAudio(audio.ParticipantRawID, audio)
	}

	pl, err := s.pipelineFor(ctx, msg)
	if err != nil {
		s.logger.Warnw("pipeline unavailable, dropping frame",
			"session", s.ID, "error", err)
		return
	}
	if pl != nil {
		s.watchPipeline(ctx, pl)
		pl.PublishInbound(msg)
	}
}

// watchPipeline closes the downstream socket with 1011 when a pipeline this
// session feeds turns session-fatal. One watcher per pipeline.
func (s *Session) watchPipeline(ctx context.Context, pl *internal_pipeline.Pipeline) {
	s.mu.Lock()
	if _, ok := s.watched[pl]; ok {
		s.mu.Unlock()
		return
	}
	s.watched[pl] = struct{}{}
	s.mu.Unlock()

	utils.Go(ctx, func() {
		select {
		case <-ctx.Done():
			return
		case <-pl.Failed():
		}
		s.logger.Errorw("pipeline failure, closing session",
			"session", s.ID, "participant", s.ParticipantID, "error", pl.Err())
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "pipeline failure"),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

// pipelineFor resolves the pipeline a frame belongs to. Shared routing uses
// the call's pipeline; per_participant routing materializes an isolated
// pipeline on the participant's first audio (double-checked create).
func (s *Session) pipelineFor(ctx context.Context, msg internal_type.Message) (*internal_pipeline.Pipeline, error) {
	if s.Strategy() == internal_type.RoutingShared {
		return s.call.Pipeline(), nil
	}

	pid := s.ParticipantID
	if audio, ok := msg.(*internal_type.AudioData); ok && audio.ParticipantRawID != "" {
		pid = audio.ParticipantRawID
	}

	if s.builder == nil {
		return nil, fmt.Errorf("per-participant routing unavailable: no pipeline builder")
	}

	s.mu.Lock()
	if pl, ok := s.pipelines[pid]; ok {
		s.mu.Unlock()
		return pl, nil
	}
	pl, err := s.builder(s.call, s.ID, pid, s.Send)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.pipelines[pid] = pl
	s.mu.Unlock()

	if err := pl.Start(ctx); err != nil {
		s.mu.Lock()
		delete(s.pipelines, pid)
		s.mu.Unlock()
		pl.Shutdown()
		return nil, err
	}
	return pl, nil
}
