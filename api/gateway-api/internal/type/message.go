// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_type

// ============================================================================
// Wire message variants
// ============================================================================

// Two framing families coexist on the wire for compatibility: media frames
// use an ACS-style `kind` discriminator (AudioMetadata / AudioData) while
// control and text traffic uses a `type` discriminator. The codec hides the
// difference; everything downstream works with these variants.

const (
	KindAudioMetadata = "AudioMetadata"
	KindAudioData     = "AudioData"

	TypeTranscript            = "transcript"
	TypeTranslationTextDelta  = "translation.text_delta"
	TypeControlSettings       = "control.test.settings"
	TypeControlResponseText   = "control.test.response.text"
	TypeControlResponseDelta  = "control.test.response.text_delta"
	TypeControlStopAudio      = "control.stop_audio"
	TypeControlCancel         = "control.cancel"
	TypeSystemInfoResponse    = "system_info_response"
	TypeConnectionEstablished = "connection.established"
	TypeConnectionReady       = "connection.ready"
	TypeParticipantJoined     = "participant.joined"
	TypeParticipantLeft       = "participant.left"
	TypeParticipantList       = "participant.list"
	TypeError                 = "error"
)

// Message is any decoded wire message. Kind returns the discriminator value
// (`kind` for media frames, `type` for everything else).
type Message interface {
	Kind() string
}

// AudioMetadata negotiates the audio format once per call before any audio
// flows. Length is the frame size in bytes.
type AudioMetadata struct {
	SubscriptionID string
	Encoding       string
	SampleRate     int
	Channels       int
	Length         int
}

func (*AudioMetadata) Kind() string { return KindAudioMetadata }

// FrameBytes returns the negotiated frame size, deriving it from the sample
// rate when the metadata did not carry an explicit length (20ms frames of
// 16-bit PCM).
func (m *AudioMetadata) FrameBytes() int {
	if m.Length > 0 {
		return m.Length
	}
	return m.SampleRate * m.Channels * 2 * 20 / 1000
}

// AudioData is one PCM frame. Data holds raw 16-bit little-endian samples
// (base64 on the wire). PlayToParticipant targets playback at a single
// participant; empty means everyone but the sender. Sequence is set on
// normalized outbound frames only, strictly monotonic from 1 per stream.
type AudioData struct {
	Data              []byte
	ParticipantRawID  string
	Timestamp         int64
	Silent            bool
	PlayToParticipant string
	Sequence          int64
}

func (*AudioData) Kind() string { return KindAudioData }

// Transcript carries finalized translated text for one participant.
type Transcript struct {
	ParticipantID  string
	SourceLanguage string
	TargetLanguage string
	Text           string
	TimestampMs    int64
}

func (*Transcript) Kind() string { return TypeTranscript }

// TextDelta is an incremental translation fragment. Type distinguishes
// `translation.text_delta` from the legacy `control.test.response.text_delta`.
type TextDelta struct {
	Type           string
	ParticipantID  string
	SourceLanguage string
	TargetLanguage string
	Delta          string
}

func (d *TextDelta) Kind() string { return d.Type }

// SettingsMessage is the per-session `control.test.settings` configuration.
type SettingsMessage struct {
	Settings SessionSettings
}

func (*SettingsMessage) Kind() string { return TypeControlSettings }

// Control is any other `control.*` message; Fields keeps the raw payload so
// unknown-but-whitelisted controls survive a round trip.
type Control struct {
	Type   string
	Fields map[string]interface{}
}

func (c *Control) Kind() string { return c.Type }

// ErrorMessage is the user-visible error payload.
type ErrorMessage struct {
	Message string
}

func (*ErrorMessage) Kind() string { return TypeError }

// ConnectionEvent announces downstream lifecycle transitions
// (connection.established, connection.ready).
type ConnectionEvent struct {
	Type      string
	SessionID string
}

func (e *ConnectionEvent) Kind() string { return e.Type }

// ParticipantEvent announces membership changes. Participants is only set
// for participant.list.
type ParticipantEvent struct {
	Type          string
	ParticipantID string
	Participants  []string
}

func (e *ParticipantEvent) Kind() string { return e.Type }

// IsAudio reports whether a message is an audio payload for gating purposes.
func IsAudio(m Message) bool {
	_, ok := m.(*AudioData)
	return ok
}
