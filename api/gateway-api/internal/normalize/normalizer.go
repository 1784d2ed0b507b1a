// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_normalize

import (
	"bytes"
	"strings"
	"sync"

	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
	"github.com/rapidaai/lingua/pkg/commons"
)

// ============================================================================
// Provider output normalizer
// ============================================================================

// TypeAudioDone is the downstream stream-termination payload type.
const TypeAudioDone = "audio.done"

// Publish delivers a normalized payload to the outbound bus.
type Publish func(msg internal_type.Message)

type streamState struct {
	buf bytes.Buffer
	seq int64

	// Identity of the stream, captured from its first delta so a
	// session-wide failure can still terminate it addressably.
	participantID string
	streamID      string
}

// Normalizer consumes raw provider events and emits ACS-shaped payloads:
// audio deltas are re-chunked to the negotiated frame size with per-stream
// monotonic sequence numbers, transcript deltas are accumulated per
// participant and language pair, and every stream terminates in exactly one
// of audio.done, control.stop_audio, or an error-reason done.
type Normalizer struct {
	logger  commons.Logger
	publish Publish

	mu          sync.Mutex
	frameBytes  int
	streams     map[string]*streamState
	transcripts map[string]*strings.Builder
}

func New(logger commons.Logger, publish Publish) *Normalizer {
	return &Normalizer{
		logger:      logger,
		publish:     publish,
		frameBytes:  internal_type.DefaultSampleRate * internal_type.DefaultChannels * internal_type.BytesPerSample * 20 / 1000,
		streams:     make(map[string]*streamState),
		transcripts: make(map[string]*strings.Builder),
	}
}

// SetFrameBytes applies the negotiated frame size from session metadata.
func (n *Normalizer) SetFrameBytes(frameBytes int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if frameBytes > 0 {
		n.frameBytes = frameBytes
	}
}

// OnEvent processes one provider event. Safe for concurrent callers; the
// normalizer serializes itself.
func (n *Normalizer) OnEvent(ev *internal_type.ProviderEvent) {
	switch ev.Type {
	case internal_type.ProviderAudioDelta:
		n.onAudioDelta(ev)
	case internal_type.ProviderAudioDone:
		n.onAudioDone(ev, firstNonEmpty(ev.Reason, internal_type.ReasonCompleted), "")
	case internal_type.ProviderTranscriptDelta:
		n.onTranscriptDelta(ev)
	case internal_type.ProviderTranscriptDone:
		n.onTranscriptDone(ev)
	case internal_type.ProviderControlStop:
		n.onControlStop(ev)
	case internal_type.ProviderError:
		if ev.ParticipantID == "" && ev.StreamID == "" && ev.CommitID == "" {
			// Session-level failure (upstream lost): every active stream
			// must still see its terminal done.
			n.onSessionError(ev.Error)
			return
		}
		n.onAudioDone(ev, internal_type.ReasonError, ev.Error)
	default:
		n.logger.Warnw("unrecognized provider event", "type", ev.Type, "stream", ev.StreamKey())
	}
}

// Cancel aborts a stream on barge-in: the audio buffer and sequence counter
// are cleared and a canceled-reason done is emitted. No further frames for
// this stream reach the downstream until the provider starts a new one.
func (n *Normalizer) Cancel(ev *internal_type.ProviderEvent) {
	n.onAudioDone(ev, internal_type.ReasonCanceled, "")
}

// Pending returns the buffered byte count for a stream (diagnostics).
func (n *Normalizer) Pending(streamKey string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if st, ok := n.streams[streamKey]; ok {
		return st.buf.Len()
	}
	return 0
}

func (n *Normalizer) onAudioDelta(ev *internal_type.ProviderEvent) {
	key := ev.StreamKey()

	n.mu.Lock()
	st, ok := n.streams[key]
	if !ok {
		st = &streamState{
			participantID: ev.ParticipantID,
			streamID:      firstNonEmpty(ev.StreamID, ev.CommitID),
		}
		n.streams[key] = st
	}
	st.buf.Write(ev.Audio)

	frames := n.drainFramesLocked(ev, st, false)
	n.mu.Unlock()

	for _, frame := range frames {
		n.publish(frame)
	}
}

func (n *Normalizer) onAudioDone(ev *internal_type.ProviderEvent, reason, errText string) {
	key := ev.StreamKey()

	n.mu.Lock()
	var frames []internal_type.Message
	if st, ok := n.streams[key]; ok {
		if reason == internal_type.ReasonCompleted {
			// Flush the residual, even a partial frame.
			frames = n.drainFramesLocked(ev, st, true)
		}
		delete(n.streams, key)
	}
	n.mu.Unlock()

	for _, frame := range frames {
		n.publish(frame)
	}

	fields := map[string]interface{}{
		"stream_id":      firstNonEmpty(ev.StreamID, ev.CommitID),
		"participant_id": ev.ParticipantID,
		"reason":         reason,
	}
	if errText != "" {
		fields["error"] = errText
	}
	n.publish(&internal_type.Control{Type: TypeAudioDone, Fields: fields})
}

// onSessionError terminates every active stream with an error-reason done.
// Buffers and sequence counters are discarded; transcript accumulators too.
func (n *Normalizer) onSessionError(errText string) {
	n.mu.Lock()
	stale := make([]*streamState, 0, len(n.streams))
	for _, st := range n.streams {
		stale = append(stale, st)
	}
	n.streams = make(map[string]*streamState)
	n.transcripts = make(map[string]*strings.Builder)
	n.mu.Unlock()

	for _, st := range stale {
		fields := map[string]interface{}{
			"stream_id":      st.streamID,
			"participant_id": st.participantID,
			"reason":         internal_type.ReasonError,
		}
		if errText != "" {
			fields["error"] = errText
		}
		n.publish(&internal_type.Control{Type: TypeAudioDone, Fields: fields})
	}
}

func (n *Normalizer) onControlStop(ev *internal_type.ProviderEvent) {
	key := ev.StreamKey()

	n.mu.Lock()
	delete(n.streams, key)
	n.mu.Unlock()

	n.publish(&internal_type.Control{
		Type: internal_type.TypeControlStopAudio,
		Fields: map[string]interface{}{
			"stream_id":      firstNonEmpty(ev.StreamID, ev.CommitID),
			"participant_id": ev.ParticipantID,
		},
	})
}

func (n *Normalizer) onTranscriptDelta(ev *internal_type.ProviderEvent) {
	key := transcriptKey(ev)

	n.mu.Lock()
	acc, ok := n.transcripts[key]
	if !ok {
		acc = &strings.Builder{}
		n.transcripts[key] = acc
	}
	acc.WriteString(ev.Text)
	n.mu.Unlock()

	n.publish(&internal_type.TextDelta{
		Type:           internal_type.TypeTranslationTextDelta,
		ParticipantID:  ev.ParticipantID,
		SourceLanguage: ev.SourceLanguage,
		TargetLanguage: ev.TargetLanguage,
		Delta:          ev.Text,
	})
}

func (n *Normalizer) onTranscriptDone(ev *internal_type.ProviderEvent) {
	key := transcriptKey(ev)

	n.mu.Lock()
	accumulated := ""
	if acc, ok := n.transcripts[key]; ok {
		accumulated = acc.String()
		delete(n.transcripts, key)
	}
	n.mu.Unlock()

	// Providers that never send a consolidated final still yield the
	// accumulated delta text.
	text := ev.Text
	if text == "" {
		text = accumulated
	}
	n.publish(&internal_type.Transcript{
		ParticipantID:  ev.ParticipantID,
		SourceLanguage: ev.SourceLanguage,
		TargetLanguage: ev.TargetLanguage,
		Text:           text,
	})
}

// drainFramesLocked cuts whole frames off the stream buffer, assigning the
// next sequence number to each. With flushResidual, a trailing partial frame
// is emitted too. Caller holds the mutex.
func (n *Normalizer) drainFramesLocked(ev *internal_type.ProviderEvent, st *streamState, flushResidual bool) []internal_type.Message {
	var out []internal_type.Message
	for st.buf.Len() >= n.frameBytes {
		out = append(out, n.frameLocked(ev, st, n.frameBytes))
	}
	if flushResidual && st.buf.Len() > 0 {
		out = append(out, n.frameLocked(ev, st, st.buf.Len()))
	}
	return out
}

func (n *Normalizer) frameLocked(ev *internal_type.ProviderEvent, st *streamState, take int) internal_type.Message {
	pcm := make([]byte, take)
	st.buf.Read(pcm)
	st.seq++
	return &internal_type.AudioData{
		Data:              pcm,
		ParticipantRawID:  ev.ParticipantID,
		Sequence:          st.seq,
		PlayToParticipant: "",
	}
}

func transcriptKey(ev *internal_type.ProviderEvent) string {
	return ev.ParticipantID + "/" + ev.SourceLanguage + ">" + ev.TargetLanguage
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
