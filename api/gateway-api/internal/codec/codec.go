// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
)

// ============================================================================
// Wire envelopes
// ============================================================================

// Two framing families coexist: media frames carry a `kind` discriminator
// (ACS style), control and text traffic carries `type`. The probe reads both
// so the strategy chain can pick the right decoder.

type probe struct {
	Kind string `json:"kind"`
	Type string `json:"type"`
}

type audioMetadataEnvelope struct {
	Kind          string            `json:"kind"`
	AudioMetadata audioMetadataBody `json:"audioMetadata"`
}

type audioMetadataBody struct {
	SubscriptionID string `json:"subscriptionId"`
	Encoding       string `json:"encoding"`
	SampleRate     int    `json:"sampleRate"`
	Channels       int    `json:"channels"`
	Length         int    `json:"length"`
}

type audioDataEnvelope struct {
	Kind      string        `json:"kind"`
	AudioData audioDataBody `json:"audioData"`
}

type audioDataBody struct {
	Data              string `json:"data"`
	ParticipantRawID  string `json:"participantRawID,omitempty"`
	Timestamp         int64  `json:"timestamp"`
	Silent            bool   `json:"silent"`
	PlayToParticipant string `json:"playToParticipant,omitempty"`
	Sequence          int64  `json:"sequence,omitempty"`
}

type transcriptEnvelope struct {
	Type           string `json:"type"`
	ParticipantID  string `json:"participant_id"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	Text           string `json:"text"`
	TimestampMs    int64  `json:"timestamp_ms"`
}

type textDeltaEnvelope struct {
	Type           string `json:"type"`
	ParticipantID  string `json:"participant_id"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	Delta          string `json:"delta"`
}

type settingsEnvelope struct {
	Type     string                 `json:"type"`
	Settings map[string]interface{} `json:"settings"`
}

type errorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type connectionEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

type participantEnvelope struct {
	Type          string   `json:"type"`
	ParticipantID string   `json:"participant_id,omitempty"`
	Participants  []string `json:"participants,omitempty"`
}

// ============================================================================
// Decode: strategy chain
// ============================================================================

// strategy is one single-purpose decoder. The chain asks canHandle in order;
// the first match decodes. Audio-shaped messages are checked before generic
// `type` messages so they always win.
type strategy struct {
	name      string
	canHandle func(p probe) bool
	decode    func(raw []byte) (internal_type.Message, error)
}

var chain = []strategy{
	{
		name:      "audio-data",
		canHandle: func(p probe) bool { return p.Kind == internal_type.KindAudioData },
		decode:    decodeAudioData,
	},
	{
		name:      "audio-metadata",
		canHandle: func(p probe) bool { return p.Kind == internal_type.KindAudioMetadata },
		decode:    decodeAudioMetadata,
	},
	{
		name:      "transcript",
		canHandle: func(p probe) bool { return p.Type == internal_type.TypeTranscript },
		decode:    decodeTranscript,
	},
	{
		name: "text-delta",
		canHandle: func(p probe) bool {
			return p.Type == internal_type.TypeTranslationTextDelta ||
				p.Type == internal_type.TypeControlResponseDelta
		},
		decode: decodeTextDelta,
	},
	{
		name:      "settings",
		canHandle: func(p probe) bool { return p.Type == internal_type.TypeControlSettings },
		decode:    decodeSettings,
	},
	{
		name:      "error",
		canHandle: func(p probe) bool { return p.Type == internal_type.TypeError },
		decode:    decodeError,
	},
	{
		name: "connection-event",
		canHandle: func(p probe) bool {
			return p.Type == internal_type.TypeConnectionEstablished ||
				p.Type == internal_type.TypeConnectionReady
		},
		decode: decodeConnectionEvent,
	},
	{
		name: "participant-event",
		canHandle: func(p probe) bool {
			return p.Type == internal_type.TypeParticipantJoined ||
				p.Type == internal_type.TypeParticipantLeft ||
				p.Type == internal_type.TypeParticipantList
		},
		decode: decodeParticipantEvent,
	},
	{
		// Catch-all for control.* and system_info_response; keeps the raw
		// fields so the payload survives a round trip.
		name: "control",
		canHandle: func(p probe) bool {
			return len(p.Type) > len("control.") && p.Type[:len("control.")] == "control." ||
				p.Type == internal_type.TypeSystemInfoResponse
		},
		decode: decodeControl,
	},
}

// Decode parses one wire frame into a message variant. An unrecognized
// discriminator or malformed payload yields an error; the caller logs and
// drops the frame.
func Decode(raw []byte) (internal_type.Message, error) {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid json frame: %w", err)
	}
	for _, s := range chain {
		if s.canHandle(p) {
			return s.decode(raw)
		}
	}
	return nil, fmt.Errorf("unrecognized message kind=%q type=%q", p.Kind, p.Type)
}

func decodeAudioData(raw []byte) (internal_type.Message, error) {
	var env audioDataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid AudioData frame: %w", err)
	}
	pcm, err := base64.StdEncoding.DecodeString(env.AudioData.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid AudioData base64: %w", err)
	}
	return &internal_type.AudioData{
		Data:              pcm,
		ParticipantRawID:  env.AudioData.ParticipantRawID,
		Timestamp:         env.AudioData.Timestamp,
		Silent:            env.AudioData.Silent,
		PlayToParticipant: env.AudioData.PlayToParticipant,
		Sequence:          env.AudioData.Sequence,
	}, nil
}

func decodeAudioMetadata(raw []byte) (internal_type.Message, error) {
	var env audioMetadataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid AudioMetadata frame: %w", err)
	}
	return &internal_type.AudioMetadata{
		SubscriptionID: env.AudioMetadata.SubscriptionID,
		Encoding:       env.AudioMetadata.Encoding,
		SampleRate:     env.AudioMetadata.SampleRate,
		Channels:       env.AudioMetadata.Channels,
		Length:         env.AudioMetadata.Length,
	}, nil
}

func decodeTranscript(raw []byte) (internal_type.Message, error) {
	var env transcriptEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid transcript frame: %w", err)
	}
	return &internal_type.Transcript{
		ParticipantID:  env.ParticipantID,
		SourceLanguage: env.SourceLanguage,
		TargetLanguage: env.TargetLanguage,
		Text:           env.Text,
		TimestampMs:    env.TimestampMs,
	}, nil
}

func decodeTextDelta(raw []byte) (internal_type.Message, error) {
	var env textDeltaEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid text delta frame: %w", err)
	}
	return &internal_type.TextDelta{
		Type:           env.Type,
		ParticipantID:  env.ParticipantID,
		SourceLanguage: env.SourceLanguage,
		TargetLanguage: env.TargetLanguage,
		Delta:          env.Delta,
	}, nil
}

func decodeSettings(raw []byte) (internal_type.Message, error) {
	var env settingsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid settings frame: %w", err)
	}
	var settings internal_type.SessionSettings
	if err := mapstructure.Decode(env.Settings, &settings); err != nil {
		return nil, fmt.Errorf("invalid settings body: %w", err)
	}
	return &internal_type.SettingsMessage{Settings: settings}, nil
}

func decodeError(raw []byte) (internal_type.Message, error) {
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid error frame: %w", err)
	}
	return &internal_type.ErrorMessage{Message: env.Message}, nil
}

func decodeConnectionEvent(raw []byte) (internal_type.Message, error) {
	var env connectionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid connection event: %w", err)
	}
	return &internal_type.ConnectionEvent{Type: env.Type, SessionID: env.SessionID}, nil
}

func decodeParticipantEvent(raw []byte) (internal_type.Message, error) {
	var env participantEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid participant event: %w", err)
	}
	return &internal_type.ParticipantEvent{
		Type:          env.Type,
		ParticipantID: env.ParticipantID,
		Participants:  env.Participants,
	}, nil
}

func decodeControl(raw []byte) (internal_type.Message, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("invalid control frame: %w", err)
	}
	typ, _ := fields["type"].(string)
	delete(fields, "type")
	return &internal_type.Control{Type: typ, Fields: fields}, nil
}

// ============================================================================
// Encode
// ============================================================================

// Encode serializes a message variant to its canonical wire form. Decoding
// then re-encoding a well-formed payload is byte-idempotent modulo key order.
func Encode(msg internal_type.Message) ([]byte, error) {
	switch m := msg.(type) {
	case *internal_type.AudioData:
		return json.Marshal(audioDataEnvelope{
			Kind: internal_type.KindAudioData,
			AudioData: audioDataBody{
				Data:              base64.StdEncoding.EncodeToString(m.Data),
				ParticipantRawID:  m.ParticipantRawID,
				Timestamp:         m.Timestamp,
				Silent:            m.Silent,
				PlayToParticipant: m.PlayToParticipant,
				Sequence:          m.Sequence,
			},
		})
	case *internal_type.AudioMetadata:
		return json.Marshal(audioMetadataEnvelope{
			Kind: internal_type.KindAudioMetadata,
			AudioMetadata: audioMetadataBody{
				SubscriptionID: m.SubscriptionID,
				Encoding:       m.Encoding,
				SampleRate:     m.SampleRate,
				Channels:       m.Channels,
				Length:         m.Length,
			},
		})
	case *internal_type.Transcript:
		return json.Marshal(transcriptEnvelope{
			Type:           internal_type.TypeTranscript,
			ParticipantID:  m.ParticipantID,
			SourceLanguage: m.SourceLanguage,
			TargetLanguage: m.TargetLanguage,
			Text:           m.Text,
			TimestampMs:    m.TimestampMs,
		})
	case *internal_type.TextDelta:
		return json.Marshal(textDeltaEnvelope{
			Type:           m.Type,
			ParticipantID:  m.ParticipantID,
			SourceLanguage: m.SourceLanguage,
			TargetLanguage: m.TargetLanguage,
			Delta:          m.Delta,
		})
	case *internal_type.SettingsMessage:
		return json.Marshal(settingsEnvelope{
			Type: internal_type.TypeControlSettings,
			Settings: map[string]interface{}{
				"provider":           m.Settings.Provider,
				"outbound_gate_mode": m.Settings.OutboundGateMode,
				"routing_strategy":   m.Settings.RoutingStrategy,
				"source_language":    m.Settings.SourceLanguage,
				"target_language":    m.Settings.TargetLanguage,
			},
		})
	case *internal_type.ErrorMessage:
		return json.Marshal(errorEnvelope{Type: internal_type.TypeError, Message: m.Message})
	case *internal_type.ConnectionEvent:
		return json.Marshal(connectionEnvelope{Type: m.Type, SessionID: m.SessionID})
	case *internal_type.ParticipantEvent:
		return json.Marshal(participantEnvelope{
			Type:          m.Type,
			ParticipantID: m.ParticipantID,
			Participants:  m.Participants,
		})
	case *internal_type.Control:
		fields := make(map[string]interface{}, len(m.Fields)+1)
		for k, v := range m.Fields {
			fields[k] = v
		}
		fields["type"] = m.Type
		return json.Marshal(fields)
	}
	return nil, fmt.Errorf("cannot encode message type %T", msg)
}

// ============================================================================
// Timestamps
// ============================================================================

// epochThresholdMs: values above this are treated as absolute epoch
// milliseconds. A legitimate relative timestamp above ~11 days would be
// misclassified; kept as-is until the wire carries a discriminator.
const epochThresholdMs = int64(1_000_000_000)

// NormalizeTimestamp rebases an absolute epoch timestamp to session-relative
// milliseconds against the session start; relative values pass through.
func NormalizeTimestamp(tsMs int64, sessionStart time.Time) int64 {
	if tsMs > epochThresholdMs {
		return tsMs - sessionStart.UnixMilli()
	}
	return tsMs
}
