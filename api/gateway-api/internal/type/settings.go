// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_type

import "fmt"

// ============================================================================
// Session settings and policy enums
// ============================================================================

// GateMode controls what happens to translated audio while the local
// participant is speaking.
type GateMode string

const (
	GatePlayThrough    GateMode = "play_through"
	GatePauseAndBuffer GateMode = "pause_and_buffer"
	GatePauseAndDrop   GateMode = "pause_and_drop"
)

// ParseGateMode validates a wire/config value. Empty selects play_through.
func ParseGateMode(s string) (GateMode, error) {
	switch GateMode(s) {
	case GatePlayThrough, GatePauseAndBuffer, GatePauseAndDrop:
		return GateMode(s), nil
	case "":
		return GatePlayThrough, nil
	}
	return "", fmt.Errorf("unknown outbound gate mode %q", s)
}

// OverflowPolicy selects queue behaviour when a bounded queue is full.
type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop_oldest"
	DropNewest OverflowPolicy = "drop_newest"
)

// ParseOverflowPolicy validates a config value. Empty selects drop_oldest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case DropOldest, DropNewest:
		return OverflowPolicy(s), nil
	case "":
		return DropOldest, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// RoutingStrategy selects the pipeline topology for a session.
type RoutingStrategy string

const (
	// RoutingShared serves all participants of a session through one
	// pipeline and one upstream.
	RoutingShared RoutingStrategy = "shared"
	// RoutingPerParticipant materializes an isolated pipeline per
	// participant on first audio.
	RoutingPerParticipant RoutingStrategy = "per_participant"
)

// ParseRoutingStrategy validates a wire value. Empty selects shared.
func ParseRoutingStrategy(s string) (RoutingStrategy, error) {
	switch RoutingStrategy(s) {
	case RoutingShared, RoutingPerParticipant:
		return RoutingStrategy(s), nil
	case "":
		return RoutingShared, nil
	}
	return "", fmt.Errorf("unknown routing strategy %q", s)
}

// SessionSettings is the decoded body of control.test.settings.
type SessionSettings struct {
	Provider         string `mapstructure:"provider"`
	OutboundGateMode string `mapstructure:"outbound_gate_mode"`
	RoutingStrategy  string `mapstructure:"routing_strategy"`
	SourceLanguage   string `mapstructure:"source_language"`
	TargetLanguage   string `mapstructure:"target_language"`
}
