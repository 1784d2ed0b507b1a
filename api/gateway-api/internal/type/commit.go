// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_type

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// SilenceRMSThreshold marks a commit as silence when the measured RMS
	// energy over its PCM falls below this value.
	SilenceRMSThreshold = 50.0

	// Default audio format assumed when no metadata has been negotiated.
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	BytesPerSample    = 2
)

// Commit is a sealed, contiguous per-participant PCM buffer ready to be sent
// to the translation provider. Immutable after creation.
type Commit struct {
	ID            string
	ParticipantID string
	SessionID     string
	Audio         []byte
	CreatedAt     time.Time
	RMS           float64
	IsSilence     bool
}

// DurationMs returns the audio duration of the commit for the given format,
// rounded to the nearest millisecond.
func (c *Commit) DurationMs(sampleRate, channels int) int64 {
	return PCMDurationMs(len(c.Audio), sampleRate, channels)
}

// PCMDurationMs converts a byte count of 16-bit PCM to milliseconds, rounded
// to the nearest millisecond.
func PCMDurationMs(byteLen, sampleRate, channels int) int64 {
	if sampleRate <= 0 || channels <= 0 {
		sampleRate, channels = DefaultSampleRate, DefaultChannels
	}
	bytesPerSecond := float64(sampleRate * channels * BytesPerSample)
	return int64(math.Round(float64(byteLen) / bytesPerSecond * 1000.0))
}

// BytesPerMs returns the PCM byte rate per millisecond for a format.
func BytesPerMs(sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		sampleRate, channels = DefaultSampleRate, DefaultChannels
	}
	return sampleRate * channels * BytesPerSample / 1000
}

// RMSEnergy computes the root-mean-square energy over 16-bit little-endian
// PCM. A trailing odd byte is ignored.
func RMSEnergy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}
