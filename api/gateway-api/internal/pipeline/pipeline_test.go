// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_pipeline

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_batch "github.com/rapidaai/lingua/api/gateway-api/internal/batch"
	internal_gate "github.com/rapidaai/lingua/api/gateway-api/internal/gate"
	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
	"github.com/rapidaai/lingua/pkg/commons"
)

// ============================================================================
// Test helpers
// ============================================================================

// The upstream is never dialed in these tests: commits park in the egress
// queue, which is enough to observe the ingress → batcher → commit path and
// the provider-inbound → normalizer → gate → send path.

type downstreamStub struct {
	mu   sync.Mutex
	sent []internal_type.Message
	ch   chan internal_type.Message
}

func newDownstreamStub() *downstreamStub {
	return &downstreamStub{ch: make(chan internal_type.Message, 256)}
}

func (s *downstreamStub) send(msg internal_type.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	s.ch <- msg
	return nil
}

func (s *downstreamStub) wait(t *testing.T) internal_type.Message {
	t.Helper()
	select {
	case msg := <-s.ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for downstream payload")
		return nil
	}
}

// newTestPipeline wires a per-participant gate between the pipeline and the
// stub socket the way the call does in production: the pipeline's voice
// transitions drive the gate, the gate forwards to the socket.
func newTestPipeline(t *testing.T, mode internal_type.GateMode) (*Pipeline, *downstreamStub) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	stub := newDownstreamStub()
	gate := internal_gate.New(logger, mode, stub.send)
	p, err := New(logger, Config{
		SessionID:       "sess",
		UpstreamURL:     "ws://127.0.0.1:1/unused",
		Provider:        "relay",
		IngressQueueMax: 64,
		EgressQueueMax:  64,
		OverflowPolicy:  internal_type.DropOldest,
		Batch: internal_batch.Config{
			MaxBatchBytes: 640,
			MaxBatchMs:    10_000,
			IdleTimeoutMs: 10_000,
		},
		VoiceListener: gate.OnVoiceTransition,
	}, gate.Forward)
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	return p, stub
}

func voicedPCM(n int) []byte {
	out := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		binary.LittleEndian.PutUint16(out[i:], 4000)
	}
	return out
}

// negotiate completes the metadata handshake; audio before it is a session
// failure. Negotiation is decided in publish order, so it takes effect
// before this returns.
func negotiate(t *testing.T, p *Pipeline) {
	t.Helper()
	p.PublishInbound(&internal_type.AudioMetadata{
		Encoding:   "PCM16",
		SampleRate: 16000,
		Channels:   1,
	})
	require.True(t, p.Negotiated())
}

// ============================================================================
// Ingress → batcher → provider outbound
// ============================================================================

func TestPipeline_AudioFlowsIntoCommits(t *testing.T) {
	p, _ := newTestPipeline(t, internal_type.GatePlayThrough)
	negotiate(t, p)

	p.PublishInbound(&internal_type.AudioData{
		ParticipantRawID: "p1",
		Data:             voicedPCM(640),
	})

	// 640 bytes hits the byte limit exactly: the commit seals, the relay
	// adapter encodes it, and the frame waits in the upstream egress queue.
	require.Eventually(t, func() bool {
		return p.conn.EgressDepth() == 1
	}, time.Second, 5*time.Millisecond, "the chunk must reach the batcher, seal, and head upstream")
	assert.Equal(t, 0, p.batcher.Pending("p1"))
}

func TestPipeline_MetadataAdjustsBatcherAndNormalizer(t *testing.T) {
	p, _ := newTestPipeline(t, internal_type.GatePlayThrough)

	p.PublishInbound(&internal_type.AudioMetadata{
		Encoding:   "PCM16",
		SampleRate: 8000,
		Channels:   1,
	})

	require.Eventually(t, func() bool {
		sampleRate, channels := p.Format()
		return sampleRate == 8000 && channels == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPipeline_CancelFlushesBatcher(t *testing.T) {
	p, stub := newTestPipeline(t, internal_type.GatePlayThrough)
	negotiate(t, p)

	// A partial chunk below the seal limit stays buffered.
	p.PublishInbound(&internal_type.AudioData{ParticipantRawID: "p1", Data: voicedPCM(100)})
	require.Eventually(t, func() bool {
		return p.batcher.Pending("p1") == 100
	}, time.Second, 5*time.Millisecond)

	p.PublishInbound(&internal_type.Control{
		Type:   internal_type.TypeControlCancel,
		Fields: map[string]interface{}{"participant_id": "p1"},
	})

	require.Eventually(t, func() bool {
		return p.batcher.Pending("p1") == 0
	}, time.Second, 5*time.Millisecond)

	// The canceled stream terminates downstream.
	msg := stub.wait(t)
	ctrl, ok := msg.(*internal_type.Control)
	require.True(t, ok)
	assert.Equal(t, internal_type.ReasonCanceled, ctrl.Fields["reason"])
}

// ============================================================================
// Invariant breaches fail the session
// ============================================================================

func TestPipeline_RejectsNonPCMEncoding(t *testing.T) {
	p, stub := newTestPipeline(t, internal_type.GatePlayThrough)

	p.PublishInbound(&internal_type.AudioMetadata{
		Encoding:   "MULAW",
		SampleRate: 8000,
		Channels:   1,
	})

	select {
	case <-p.Failed():
	case <-time.After(time.Second):
		t.Fatal("unsupported encoding must fail the session")
	}
	require.Error(t, p.Err())

	// Exactly one user-visible error payload.
	msg := stub.wait(t)
	_, ok := msg.(*internal_type.ErrorMessage)
	require.True(t, ok, "expected an error payload, got %T", msg)
	assert.False(t, p.Negotiated())
}

func TestPipeline_AudioBeforeMetadataFailsSession(t *testing.T) {
	p, stub := newTestPipeline(t, internal_type.GatePlayThrough)

	p.PublishInbound(&internal_type.AudioData{
		ParticipantRawID: "p1",
		Data:             voicedPCM(320),
	})

	select {
	case <-p.Failed():
	case <-time.After(time.Second):
		t.Fatal("audio before negotiation must fail the session")
	}
	_, ok := stub.wait(t).(*internal_type.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, 0, p.batcher.Pending("p1"), "nothing may be batched")
}

func TestPipeline_AudioImmediatelyAfterMetadataAccepted(t *testing.T) {
	p, _ := newTestPipeline(t, internal_type.GatePlayThrough)

	// No pause between the two frames. Metadata and audio run on separate
	// bus workers, so acceptance must be decided by publish order, not by
	// which handler gets scheduled first.
	p.PublishInbound(&internal_type.AudioMetadata{
		Encoding:   "PCM16",
		SampleRate: 16000,
		Channels:   1,
	})
	p.PublishInbound(&internal_type.AudioData{
		ParticipantRawID: "p1",
		Data:             voicedPCM(640),
	})

	require.Eventually(t, func() bool {
		return p.conn.EgressDepth() == 1
	}, time.Second, 5*time.Millisecond, "back-to-back metadata and audio must commit cleanly")
	assert.NoError(t, p.Err())
}

// ============================================================================
// Provider inbound → normalizer → gate → downstream
// ============================================================================

func TestPipeline_ProviderEventsReachDownstream(t *testing.T) {
	p, stub := newTestPipeline(t, internal_type.GatePlayThrough)
	p.normalizer.SetFrameBytes(320)

	p.providerInbound.Publish(&internal_type.ProviderEvent{
		Type:          internal_type.ProviderAudioDelta,
		SessionID:     "sess",
		ParticipantID: "p1",
		StreamID:      "s1",
		Audio:         make([]byte, 320),
	})

	msg := stub.wait(t)
	frame, ok := msg.(*internal_type.AudioData)
	require.True(t, ok)
	assert.Equal(t, 320, len(frame.Data))
	assert.Equal(t, int64(1), frame.Sequence)
}

func TestPipeline_GateDropsAudioWhileSpeaking(t *testing.T) {
	p, stub := newTestPipeline(t, internal_type.GatePauseAndDrop)
	p.normalizer.SetFrameBytes(320)

	// Voiced input with zero hysteresis is impossible through config, so
	// drive the tracker directly: the participant starts speaking.
	p.voice.OnVoiceDetected("p1", time.Now().UnixMilli(), 0)

	p.providerInbound.Publish(&internal_type.ProviderEvent{
		Type:          internal_type.ProviderAudioDelta,
		SessionID:     "sess",
		ParticipantID: "p1",
		StreamID:      "s1",
		Audio:         make([]byte, 320),
	})
	p.providerInbound.Publish(&internal_type.ProviderEvent{
		Type:          internal_type.ProviderTranscriptDelta,
		SessionID:     "sess",
		ParticipantID: "p1",
		Text:          "hola",
	})

	msg := stub.wait(t)
	delta, ok := msg.(*internal_type.TextDelta)
	require.True(t, ok, "only the transcript passes the gate, got %T", msg)
	assert.Equal(t, "hola", delta.Delta)
}

// ============================================================================
// Shutdown
// ============================================================================

func TestPipeline_ShutdownEmitsTailSilence(t *testing.T) {
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	stub := newDownstreamStub()
	p, err := New(logger, Config{
		SessionID:       "sess",
		UpstreamURL:     "ws://127.0.0.1:1/unused",
		Provider:        "relay",
		IngressQueueMax: 8,
		EgressQueueMax:  8,
		OverflowPolicy:  internal_type.DropOldest,
		Batch:           internal_batch.Config{MaxBatchBytes: 640, MaxBatchMs: 1000, IdleTimeoutMs: 1000},
		TailSilenceMs:   10,
	}, stub.send)
	require.NoError(t, err)

	p.Shutdown()

	msg := stub.wait(t)
	frame, ok := msg.(*internal_type.AudioData)
	require.True(t, ok)
	assert.True(t, frame.Silent)
	// 10ms at 16kHz mono 16-bit.
	assert.Equal(t, 320, len(frame.Data))
}

func TestPipeline_ShutdownIdempotent(t *testing.T) {
	p, _ := newTestPipeline(t, internal_type.GatePlayThrough)
	p.Shutdown()
	p.Shutdown()
}
