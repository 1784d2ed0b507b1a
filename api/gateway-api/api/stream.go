// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package gateway_api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	internal_batch "github.com/rapidaai/lingua/api/gateway-api/internal/batch"
	internal_call "github.com/rapidaai/lingua/api/gateway-api/internal/call"
	internal_pipeline "github.com/rapidaai/lingua/api/gateway-api/internal/pipeline"
	internal_record "github.com/rapidaai/lingua/api/gateway-api/internal/record"
	internal_session "github.com/rapidaai/lingua/api/gateway-api/internal/session"
	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
	"github.com/rapidaai/lingua/config"
	"github.com/rapidaai/lingua/pkg/commons"
)

// ============================================================================
// Downstream WebSocket endpoint
// ============================================================================

// Close codes sent before rejecting a socket.
const (
	CloseMissingCallCode     = 4400
	CloseMissingParticipant  = 4401
	CloseUnknownCall         = 4404
	CloseUpstreamUnavailable = 1011
)

type StreamApi interface {
	Attach(c *gin.Context)
}

type streamApi struct {
	cfg      *config.AppConfig
	logger   commons.Logger
	manager  *internal_call.Manager
	builder  internal_session.PipelineBuilder
	upgrader websocket.Upgrader
}

func NewStreamApi(cfg *config.AppConfig, logger commons.Logger,
	manager *internal_call.Manager, builder internal_session.PipelineBuilder) StreamApi {
	return &streamApi{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
		builder: builder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Attach upgrades the connection and runs the session until disconnect.
func (a *streamApi) Attach(c *gin.Context) {
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	code := c.Query("call")
	participantID := c.Query("participant")

	switch {
	case code == "":
		rejectSocket(conn, CloseMissingCallCode, "missing call code")
		return
	case participantID == "":
		rejectSocket(conn, CloseMissingParticipant, "missing participant id")
		return
	}

	call := a.manager.GetCall(code)
	if call == nil {
		rejectSocket(conn, CloseUnknownCall, "unknown call")
		return
	}

	session := internal_session.New(a.logger, conn, call, a.manager, participantID, a.builder)

	if err := session.Send(&internal_type.ConnectionEvent{
		Type:      internal_type.TypeConnectionEstablished,
		SessionID: session.ID,
	}); err != nil {
		_ = conn.Close()
		return
	}

	if _, err := a.manager.AddParticipant(code, participantID, session.Send); err != nil {
		a.logger.Errorw("upstream initialization failed",
			"call", code, "participant", participantID, "error", err)
		_ = session.Send(&internal_type.ErrorMessage{Message: "translation service unavailable"})
		rejectSocket(conn, CloseUpstreamUnavailable, "upstream failure")
		return
	}

	if err := session.Send(&internal_type.ConnectionEvent{
		Type:      internal_type.TypeConnectionReady,
		SessionID: session.ID,
	}); err != nil {
		session.Close()
		return
	}

	session.Run(c.Request.Context())
}

func rejectSocket(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	_ = conn.Close()
}

// NewPipelineFactory builds the shared per-call pipeline: its downstream
// send fans translated audio out to everyone but the participant it answers,
// and control traffic to everyone. Voice transitions feed each speaking
// participant's own outbound gate.
func NewPipelineFactory(cfg *config.AppConfig, logger commons.Logger) internal_call.PipelineFactory {
	return func(call *internal_call.Call) (*internal_pipeline.Pipeline, error) {
		plCfg := BuildPipelineConfig(cfg, call, call.Code)
		plCfg.VoiceListener = call.OnVoiceTransition
		if cfg.RecordCalls {
			plCfg.Recorder = internal_record.New(logger, cfg.RecordDir, call.Code)
		}
		return internal_pipeline.New(logger, plCfg, func(msg internal_type.Message) error {
			if internal_type.IsAudio(msg) {
				call.BroadcastAudio("", msg)
			} else {
				call.BroadcastControl(msg)
			}
			return nil
		})
	}
}

// NewPipelineBuilder creates isolated per-participant pipelines for sessions
// running the per_participant routing strategy. Output is delivered through
// the participant's gate when they are a call member; streams keyed by an
// unregistered sub-participant id go straight to the session socket.
func NewPipelineBuilder(cfg *config.AppConfig, logger commons.Logger) internal_session.PipelineBuilder {
	return func(call *internal_call.Call, sessionID, participantID string, send internal_pipeline.SendFunc) (*internal_pipeline.Pipeline, error) {
		plCfg := BuildPipelineConfig(cfg, call, sessionID+"/"+participantID)
		plCfg.VoiceListener = call.OnVoiceTransition
		return internal_pipeline.New(logger, plCfg, func(msg internal_type.Message) error {
			if err := call.Deliver(participantID, msg); err != nil {
				return send(msg)
			}
			return nil
		})
	}
}

// BuildPipelineConfig maps process configuration and the call's attributes
// onto one pipeline.
func BuildPipelineConfig(cfg *config.AppConfig, call *internal_call.Call, sessionID string) internal_pipeline.Config {
	serviceURL := call.ServiceURL
	if serviceURL == "" {
		serviceURL = cfg.ServiceURL
	}
	provider := call.Provider
	if provider == "" {
		provider = cfg.Provider
	}
	policy, err := internal_type.ParseOverflowPolicy(cfg.OverflowPolicy)
	if err != nil {
		policy = internal_type.DropOldest
	}

	return internal_pipeline.Config{
		SessionID:       sessionID,
		UpstreamURL:     serviceURL,
		Provider:        provider,
		IngressQueueMax: cfg.IngressQueueMax,
		EgressQueueMax:  cfg.EgressQueueMax,
		OverflowPolicy:  policy,
		Batch: internal_batch.Config{
			MaxBatchBytes: cfg.MaxBatchBytes,
			MaxBatchMs:    cfg.MaxBatchMs,
			IdleTimeoutMs: cfg.IdleTimeoutMs,
		},
		ConnectTimeout: time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
		TailSilenceMs:  cfg.TailSilenceMs,
	}
}
