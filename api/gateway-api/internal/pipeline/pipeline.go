// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	internal_batch "github.com/rapidaai/lingua/api/gateway-api/internal/batch"
	internal_bus "github.com/rapidaai/lingua/api/gateway-api/internal/bus"
	internal_normalize "github.com/rapidaai/lingua/api/gateway-api/internal/normalize"
	internal_provider "github.com/rapidaai/lingua/api/gateway-api/internal/provider"
	internal_record "github.com/rapidaai/lingua/api/gateway-api/internal/record"
	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
	internal_upstream "github.com/rapidaai/lingua/api/gateway-api/internal/upstream"
	internal_voice "github.com/rapidaai/lingua/api/gateway-api/internal/voice"
	"github.com/rapidaai/lingua/pkg/commons"
	"github.com/rapidaai/lingua/pkg/utils"
)

// ============================================================================
// Session pipeline
// ============================================================================

const (
	defaultVoiceHysteresisMs = 200
	defaultVoiceSilenceMs    = 500
)

// SendFunc delivers a payload to the downstream socket. Supplied by the
// session router; the pipeline never touches the socket directly.
type SendFunc func(msg internal_type.Message) error

type Config struct {
	SessionID   string
	UpstreamURL string
	Provider    string

	IngressQueueMax int
	EgressQueueMax  int
	OverflowPolicy  internal_type.OverflowPolicy

	Batch internal_batch.Config

	ConnectTimeout time.Duration

	// VoiceListener receives the voice tracker's transitions; the call
	// routes them to each participant's outbound gate.
	VoiceListener internal_voice.Listener

	VoiceHysteresisMs int64
	VoiceSilenceMs    int64
	TailSilenceMs     int

	// Reconnect backoff bounds for the upstream supervisor.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// Recorder is optional; nil disables call capture.
	Recorder *internal_record.Recorder
}

// Pipeline owns the four event buses of one session (or of one participant
// under per_participant routing) plus the batcher, the voice tracker, the
// upstream connection, its provider adapter, and the output normalizer.
// Teardown never drains in-flight work.
type Pipeline struct {
	logger commons.Logger
	cfg    Config
	send   SendFunc

	ingress          *internal_bus.Bus[internal_type.Message]
	providerOutbound *internal_bus.Bus[*internal_type.Commit]
	providerInbound  *internal_bus.Bus[*internal_type.ProviderEvent]
	outbound         *internal_bus.Bus[internal_type.Message]

	batcher    *internal_batch.Batcher
	voice      *internal_voice.Tracker
	normalizer *internal_normalize.Normalizer

	// connMu guards the live connection and adapter, both replaced by the
	// reconnect supervisor.
	connMu  sync.Mutex
	conn    *internal_upstream.Connection
	adapter internal_provider.Adapter

	// handshakeMu guards the recorded handshake, replayed on reconnect.
	handshakeMu sync.Mutex
	handshake   []internal_type.Message

	fmtMu        sync.Mutex
	sampleRate   int
	channels     int
	metadataSeen bool

	failOnce sync.Once
	failErr  error
	failed   chan struct{}

	cancel   context.CancelFunc
	shutdown sync.Once
}

func New(logger commons.Logger, cfg Config, send SendFunc) (*Pipeline, error) {
	if cfg.VoiceHysteresisMs <= 0 {
		cfg.VoiceHysteresisMs = defaultVoiceHysteresisMs
	}
	if cfg.VoiceSilenceMs <= 0 {
		cfg.VoiceSilenceMs = defaultVoiceSilenceMs
	}

	p := &Pipeline{
		logger:     logger,
		cfg:        cfg,
		send:       send,
		sampleRate: internal_type.DefaultSampleRate,
		channels:   internal_type.DefaultChannels,
		failed:     make(chan struct{}),
	}

	p.ingress = internal_bus.New[internal_type.Message]("ingress", logger, cfg.IngressQueueMax, cfg.OverflowPolicy)
	p.providerOutbound = internal_bus.New[*internal_type.Commit]("provider_outbound", logger, cfg.EgressQueueMax, cfg.OverflowPolicy)
	p.providerInbound = internal_bus.New[*internal_type.ProviderEvent]("provider_inbound", logger, cfg.EgressQueueMax, cfg.OverflowPolicy)
	p.outbound = internal_bus.New[internal_type.Message]("outbound", logger, cfg.EgressQueueMax, cfg.OverflowPolicy)

	p.voice = internal_voice.NewTracker(logger)
	if cfg.VoiceListener != nil {
		p.voice.SetListener(cfg.VoiceListener)
	}

	p.batcher = internal_batch.New(logger, cfg.SessionID, cfg.Batch, func(commit *internal_type.Commit) {
		p.providerOutbound.Publish(commit)
	})
	p.normalizer = internal_normalize.New(logger, func(msg internal_type.Message) {
		p.outbound.Publish(msg)
	})

	p.conn = internal_upstream.New(logger, p.upstreamConfig())

	adapter, err := internal_provider.New(cfg.Provider, logger, p.conn, cfg.SessionID, p.emitProviderEvent)
	if err != nil {
		return nil, err
	}
	p.adapter = adapter

	if err := p.register(); err != nil {
		return nil, err
	}
	return p, nil
}

// Start connects the upstream, begins consuming its events, and launches the
// reconnect supervisor. On failure the caller surfaces a downstream error and
// closes with 1011.
func (p *Pipeline) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	conn := p.upstreamConn()
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("pipeline %s: %w", p.cfg.SessionID, err)
	}
	if err := conn.WaitReady(ctx); err != nil {
		return fmt.Errorf("pipeline %s: %w", p.cfg.SessionID, err)
	}
	p.currentAdapter().Start(ctx)

	utils.Go(ctx, func() { p.supervise(ctx) })
	return nil
}

// PublishInbound offers one decoded downstream frame to the ingress bus.
// Ordering decisions are made here, where frames still arrive in receive
// order: metadata marks the session negotiated before it is enqueued, and
// audio ahead of any metadata is session-fatal. Bus workers run handlers
// concurrently, so they cannot judge arrival order themselves.
func (p *Pipeline) PublishInbound(msg internal_type.Message) {
	switch m := msg.(type) {
	case *internal_type.AudioMetadata:
		if supportedEncoding(m.Encoding) {
			p.fmtMu.Lock()
			p.metadataSeen = true
			p.fmtMu.Unlock()
		}
	case *internal_type.AudioData:
		if !p.Negotiated() {
			p.fail(fmt.Errorf("audio received before metadata negotiation"))
			return
		}
	}
	p.ingress.Publish(msg)
}

// supportedEncoding accepts 16-bit linear PCM, the only format carried
// without transcoding. An empty encoding means the default.
func supportedEncoding(encoding string) bool {
	return encoding == "" || strings.EqualFold(encoding, "PCM16")
}

// SendUpstream bypasses the buses for payloads addressed directly to the
// provider.
func (p *Pipeline) SendUpstream(msg internal_type.Message) error {
	return p.upstreamConn().Send(msg)
}

// SendHandshake sends a handshake payload (settings, metadata) and records
// it, so the supervisor can replay the negotiation after a reconnect.
func (p *Pipeline) SendHandshake(msg internal_type.Message) error {
	p.handshakeMu.Lock()
	p.handshake = append(p.handshake, msg)
	p.handshakeMu.Unlock()
	return p.upstreamConn().Send(msg)
}

// UpstreamDone is closed when the current upstream socket dies. The
// supervisor watches it internally; exposed for diagnostics.
func (p *Pipeline) UpstreamDone() <-chan struct{} {
	return p.upstreamConn().Done()
}

// Failed is closed when the pipeline hits a session-fatal error. The session
// router watches it and closes the downstream socket with 1011.
func (p *Pipeline) Failed() <-chan struct{} {
	return p.failed
}

// Err returns the session-fatal error, nil while the pipeline is healthy.
func (p *Pipeline) Err() error {
	select {
	case <-p.failed:
		return p.failErr
	default:
		return nil
	}
}

// Negotiated reports whether audio metadata has been received.
func (p *Pipeline) Negotiated() bool {
	p.fmtMu.Lock()
	defer p.fmtMu.Unlock()
	return p.metadataSeen
}

// Shutdown tears the pipeline down: batcher timers, bus workers, upstream.
// Queued items are abandoned, not drained.
func (p *Pipeline) Shutdown() {
	p.shutdown.Do(func() {
		p.emitTailSilence()
		p.batcher.Close()
		if p.cancel != nil {
			p.cancel()
		}
		p.ingress.Shutdown()
		p.providerOutbound.Shutdown()
		p.providerInbound.Shutdown()
		p.outbound.Shutdown()
		p.currentAdapter().Close()
		if p.cfg.Recorder != nil {
			p.cfg.Recorder.Close()
		}
		p.logger.Infow("pipeline shut down", "session", p.cfg.SessionID)
	})
}

// fail marks the pipeline session-fatal: one downstream error payload, then
// the Failed channel closes so the session router can close with 1011.
func (p *Pipeline) fail(err error) {
	p.failOnce.Do(func() {
		p.failErr = err
		p.logger.Errorw("pipeline failed", "session", p.cfg.SessionID, "error", err)
		_ = p.send(&internal_type.ErrorMessage{Message: err.Error()})
		close(p.failed)
	})
}

func (p *Pipeline) upstreamConn() *internal_upstream.Connection {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.conn
}

func (p *Pipeline) currentAdapter() internal_provider.Adapter {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.adapter
}

func (p *Pipeline) emitProviderEvent(ev *internal_type.ProviderEvent) {
	p.providerInbound.Publish(ev)
}

func (p *Pipeline) upstreamConfig() internal_upstream.Config {
	return internal_upstream.Config{
		URL:            p.cfg.UpstreamURL,
		ConnectTimeout: p.cfg.ConnectTimeout,
		EgressQueueMax: p.cfg.EgressQueueMax,
		OverflowPolicy: p.cfg.OverflowPolicy,
		BackoffMin:     p.cfg.BackoffMin,
		BackoffMax:     p.cfg.BackoffMax,
	}
}

// supervise watches the live upstream and re-dials with exponential backoff
// when it drops. The attempt counter resets after each successful reconnect.
func (p *Pipeline) supervise(ctx context.Context) {
	attempt := 0
	for {
		conn := p.upstreamConn()
		select {
		case <-ctx.Done():
			return
		case <-p.failed:
			return
		case <-conn.Done():
		}

		wait := conn.NextBackoff(attempt)
		attempt++
		p.logger.Warnw("upstream lost, reconnecting",
			"session", p.cfg.SessionID, "attempt", attempt, "backoff", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := p.reconnect(ctx); err != nil {
			p.logger.Errorw("upstream reconnect failed",
				"session", p.cfg.SessionID, "attempt", attempt, "error", err)
			continue
		}
		attempt = 0
	}
}

// reconnect dials a fresh connection, swaps it in with a new adapter, and
// replays the recorded handshake so the provider re-negotiates the session.
func (p *Pipeline) reconnect(ctx context.Context) error {
	conn := internal_upstream.New(p.logger, p.upstreamConfig())
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	if err := conn.WaitReady(ctx); err != nil {
		conn.Close()
		return err
	}

	adapter, err := internal_provider.New(p.cfg.Provider, p.logger, conn, p.cfg.SessionID, p.emitProviderEvent)
	if err != nil {
		conn.Close()
		return err
	}

	p.connMu.Lock()
	old := p.adapter
	p.conn = conn
	p.adapter = adapter
	p.connMu.Unlock()
	if old != nil {
		old.Close()
	}

	adapter.Start(ctx)

	p.handshakeMu.Lock()
	replay := make([]internal_type.Message, len(p.handshake))
	copy(replay, p.handshake)
	p.handshakeMu.Unlock()
	for _, msg := range replay {
		if err := conn.Send(msg); err != nil {
			return fmt.Errorf("handshake replay: %w", err)
		}
	}

	p.logger.Infow("upstream reconnected", "session", p.cfg.SessionID)
	return nil
}

func (p *Pipeline) register() error {
	handlers := []struct {
		err error
	}{
		{p.ingress.Register(&metadataHandler{p}, 1)},
		{p.ingress.Register(&settingsHandler{p}, 1)},
		{p.ingress.Register(&audioHandler{p}, 1)},
		{p.ingress.Register(&controlHandler{p}, 1)},
		{p.providerOutbound.Register(&commitHandler{p}, 1)},
		{p.providerInbound.Register(&eventHandler{p}, 1)},
		{p.outbound.Register(&senderHandler{p}, 1)},
	}
	for _, h := range handlers {
		if h.err != nil {
			return h.err
		}
	}
	return nil
}

func (p *Pipeline) sendDownstream(msg internal_type.Message) error {
	if p.cfg.Recorder != nil {
		if audio, ok := msg.(*internal_type.AudioData); ok {
			p.cfg.Recorder.WriteOutbound(audio.Data)
		}
	}
	return p.send(msg)
}

// Format returns the currently negotiated audio format.
func (p *Pipeline) Format() (sampleRate, channels int) {
	p.fmtMu.Lock()
	defer p.fmtMu.Unlock()
	return p.sampleRate, p.channels
}

// emitTailSilence pads the downstream with a final stretch of silence so
// playback buffers flush cleanly.
func (p *Pipeline) emitTailSilence() {
	if p.cfg.TailSilenceMs <= 0 {
		return
	}
	sampleRate, channels := p.Format()
	n := p.cfg.TailSilenceMs * internal_type.BytesPerMs(sampleRate, channels)
	if n <= 0 {
		return
	}
	_ = p.send(&internal_type.AudioData{Data: make([]byte, n), Silent: true})
}

// ============================================================================
// Ingress handlers
// ============================================================================

type metadataHandler struct{ p *Pipeline }

func (*metadataHandler) Name() string { return "metadata" }

func (*metadataHandler) CanHandle(msg internal_type.Message) bool {
	_, ok := msg.(*internal_type.AudioMetadata)
	return ok
}

func (h *metadataHandler) Handle(_ context.Context, msg internal_type.Message) error {
	meta := msg.(*internal_type.AudioMetadata)

	if !supportedEncoding(meta.Encoding) {
		err := fmt.Errorf("unsupported audio encoding %q, expected PCM16", meta.Encoding)
		h.p.fail(err)
		return err
	}

	h.p.fmtMu.Lock()
	if meta.SampleRate > 0 {
		h.p.sampleRate = meta.SampleRate
	}
	if meta.Channels > 0 {
		h.p.channels = meta.Channels
	}
	h.p.metadataSeen = true
	h.p.fmtMu.Unlock()
	h.p.batcher.SetFormat(meta.SampleRate, meta.Channels)
	h.p.normalizer.SetFrameBytes(meta.FrameBytes())
	if h.p.cfg.Recorder != nil {
		h.p.cfg.Recorder.SetFormat(meta.SampleRate, meta.Channels)
	}
	h.p.logger.Infow("audio format negotiated",
		"session", h.p.cfg.SessionID,
		"encoding", meta.Encoding,
		"sample_rate", meta.SampleRate,
		"channels", meta.Channels,
		"frame_bytes", meta.FrameBytes())
	return nil
}

type settingsHandler struct{ p *Pipeline }

func (*settingsHandler) Name() string { return "settings" }

func (*settingsHandler) CanHandle(msg internal_type.Message) bool {
	_, ok := msg.(*internal_type.SettingsMessage)
	return ok
}

func (h *settingsHandler) Handle(_ context.Context, msg internal_type.Message) error {
	settings := msg.(*internal_type.SettingsMessage).Settings
	h.p.logger.Infow("session settings applied",
		"session", h.p.cfg.SessionID,
		"provider", settings.Provider,
		"gate_mode", settings.OutboundGateMode,
		"languages", settings.SourceLanguage+">"+settings.TargetLanguage)
	return nil
}

type audioHandler struct{ p *Pipeline }

func (*audioHandler) Name() string { return "audio" }

func (*audioHandler) CanHandle(msg internal_type.Message) bool {
	_, ok := msg.(*internal_type.AudioData)
	return ok
}

func (h *audioHandler) Handle(_ context.Context, msg internal_type.Message) error {
	audio := msg.(*internal_type.AudioData)
	pid := audio.ParticipantRawID
	now := time.Now().UnixMilli()

	if audio.Silent || internal_type.RMSEnergy(audio.Data) < internal_type.SilenceRMSThreshold {
		h.p.voice.OnSilenceDetected(pid, now, h.p.cfg.VoiceSilenceMs)
	} else {
		h.p.voice.OnVoiceDetected(pid, now, h.p.cfg.VoiceHysteresisMs)
	}

	if h.p.cfg.Recorder != nil {
		h.p.cfg.Recorder.WriteInbound(audio.Data)
	}
	h.p.batcher.OnAudio(pid, audio.Data)
	return nil
}

type controlHandler struct{ p *Pipeline }

func (*controlHandler) Name() string { return "control" }

func (*controlHandler) CanHandle(msg internal_type.Message) bool {
	return strings.HasPrefix(msg.Kind(), "control.") &&
		msg.Kind() != internal_type.TypeControlSettings
}

func (h *controlHandler) Handle(_ context.Context, msg internal_type.Message) error {
	ctrl, ok := msg.(*internal_type.Control)
	if !ok {
		return nil
	}
	switch ctrl.Type {
	case internal_type.TypeControlCancel, internal_type.TypeControlStopAudio:
		// Barge-in: drop pending input, abort the in-flight response.
		pid, _ := ctrl.Fields["participant_id"].(string)
		if pid == "" {
			h.p.batcher.FlushAll()
		} else {
			h.p.batcher.Flush(pid)
		}
		if err := h.p.currentAdapter().Cancel(pid); err != nil {
			h.p.logger.Warnw("cancel forward failed", "error", err)
		}
		h.p.normalizer.Cancel(&internal_type.ProviderEvent{
			SessionID:     h.p.cfg.SessionID,
			ParticipantID: pid,
			StreamID:      pid,
		})
	default:
		return h.p.upstreamConn().Send(ctrl)
	}
	return nil
}

// ============================================================================
// Provider-side handlers
// ============================================================================

type commitHandler struct{ p *Pipeline }

func (*commitHandler) Name() string { return "commit" }

func (*commitHandler) CanHandle(*internal_type.Commit) bool { return true }

func (h *commitHandler) Handle(_ context.Context, commit *internal_type.Commit) error {
	return h.p.currentAdapter().OnCommit(commit)
}

type eventHandler struct{ p *Pipeline }

func (*eventHandler) Name() string { return "normalize" }

func (*eventHandler) CanHandle(*internal_type.ProviderEvent) bool { return true }

func (h *eventHandler) Handle(_ context.Context, ev *internal_type.ProviderEvent) error {
	h.p.normalizer.OnEvent(ev)
	return nil
}

type senderHandler struct{ p *Pipeline }

func (*senderHandler) Name() string { return "sender" }

func (*senderHandler) CanHandle(internal_type.Message) bool { return true }

func (h *senderHandler) Handle(_ context.Context, msg internal_type.Message) error {
	return h.p.sendDownstream(msg)
}
