// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_type

// ============================================================================
// Canonical provider output events
// ============================================================================

// ProviderEventType tags the variant of a normalized provider event.
type ProviderEventType string

const (
	ProviderAudioDelta      ProviderEventType = "audio.delta"
	ProviderAudioDone       ProviderEventType = "audio.done"
	ProviderTranscriptDelta ProviderEventType = "transcript.delta"
	ProviderTranscriptDone  ProviderEventType = "transcript.done"
	ProviderControlStop     ProviderEventType = "control.stop"
	ProviderError           ProviderEventType = "error"
)

// Terminal reasons carried on audio.done.
const (
	ReasonCompleted = "completed"
	ReasonCanceled  = "canceled"
	ReasonError     = "error"
)

// ProviderEvent is the canonical form every provider adapter emits on the
// provider-inbound bus, regardless of the upstream wire dialect.
type ProviderEvent struct {
	Type ProviderEventType

	CommitID      string
	SessionID     string
	ParticipantID string
	Provider      string
	StreamID      string

	// Provider-assigned identifiers, when present.
	ResponseID string
	ItemID     string

	// Monotonic per-stream sequence assigned by the provider, when present.
	Sequence int64

	// Payload: exactly one of these is meaningful per variant.
	Audio          []byte
	Text           string
	SourceLanguage string
	TargetLanguage string
	Reason         string
	Error          string
}

// StreamKey identifies the logical stream this event belongs to, preferring
// the provider stream id and falling back to the commit id.
func (e *ProviderEvent) StreamKey() string {
	id := e.StreamID
	if id == "" {
		id = e.CommitID
	}
	return e.SessionID + "/" + e.ParticipantID + "/" + id
}
