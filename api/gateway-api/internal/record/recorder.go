// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
	"github.com/rapidaai/lingua/pkg/commons"
)

// ============================================================================
// Dual-track call recorder
// ============================================================================

const (
	wavBitsPerSample = 16
	wavPCMFormat     = 1

	trackInbound  = 0
	trackOutbound = 1
)

// chunk is a recorded fragment placed at a byte position on the shared
// timeline.
type chunk struct {
	byteOffset int
	data       []byte
	track      int
}

// Recorder captures one call as two WAV tracks: the participants' raw input
// and the translated audio sent back. Inbound audio is placed by wall clock
// since microphones deliver at real-time rate. Outbound audio arrives in
// bursts faster than real time, so only the first chunk after a gap anchors
// at wall clock; burst continuations are paced from the track cursor to
// avoid gaps and overlaps.
type Recorder struct {
	logger commons.Logger
	dir    string
	code   string

	mu         sync.Mutex
	sampleRate int
	channels   int
	startTime  time.Time
	chunks     []chunk
	cursor     [2]int
	closed     bool

	// clock is injectable for testing; defaults to time.Now.
	clock func() time.Time
}

// New creates a recorder that persists into dir on Close, named after the
// call code.
func New(logger commons.Logger, dir, callCode string) *Recorder {
	r := &Recorder{
		logger:     logger,
		dir:        dir,
		code:       callCode,
		sampleRate: internal_type.DefaultSampleRate,
		channels:   internal_type.DefaultChannels,
		clock:      time.Now,
	}
	r.startTime = r.clock()
	return r
}

// SetFormat applies the negotiated audio format. Must be called before any
// audio is written to take effect cleanly.
func (r *Recorder) SetFormat(sampleRate, channels int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sampleRate > 0 {
		r.sampleRate = sampleRate
	}
	if channels > 0 {
		r.channels = channels
	}
}

// WriteInbound records raw participant PCM.
func (r *Recorder) WriteInbound(pcm []byte) {
	r.push(pcm, trackInbound)
}

// WriteOutbound records translated PCM sent downstream.
func (r *Recorder) WriteOutbound(pcm []byte) {
	r.push(pcm, trackOutbound)
}

// Close renders both tracks and writes the WAV files. Idempotent; an empty
// recording writes nothing.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	if len(r.chunks) == 0 {
		r.mu.Unlock()
		return
	}

	totalLen := r.durationBytesLocked(r.clock().Sub(r.startTime))
	for _, c := range r.chunks {
		if end := c.byteOffset + len(c.data); end > totalLen {
			totalLen = end
		}
	}

	inboundPCM := make([]byte, totalLen)
	outboundPCM := make([]byte, totalLen)
	for _, c := range r.chunks {
		if c.track == trackInbound {
			copy(inboundPCM[c.byteOffset:], c.data)
		} else {
			copy(outboundPCM[c.byteOffset:], c.data)
		}
	}
	sampleRate, channels := r.sampleRate, r.channels
	chunkCount := len(r.chunks)
	r.chunks = nil
	r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		r.logger.Warnw("recorder mkdir failed", "dir", r.dir, "error", err)
		return
	}
	for _, side := range []struct {
		name string
		pcm  []byte
	}{
		{"inbound", inboundPCM},
		{"outbound", outboundPCM},
	} {
		path := filepath.Join(r.dir, fmt.Sprintf("%s-%s.wav", r.code, side.name))
		if err := os.WriteFile(path, renderWAV(side.pcm, sampleRate, channels), 0o644); err != nil {
			r.logger.Warnw("recorder write failed", "path", path, "error", err)
		}
	}
	r.logger.Infow("call recording persisted",
		"call", r.code,
		"chunks", chunkCount,
		"bytes_per_track", totalLen)
}

func (r *Recorder) push(data []byte, track int) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	wallOffset := r.durationBytesLocked(r.clock().Sub(r.startTime))

	var offset int
	switch track {
	case trackInbound:
		offset = wallOffset
		if r.cursor[track] > offset {
			offset = r.cursor[track]
		}
	case trackOutbound:
		if r.cursor[track] > wallOffset {
			offset = r.cursor[track]
		} else {
			offset = wallOffset
		}
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	r.chunks = append(r.chunks, chunk{byteOffset: offset, data: buf, track: track})
	r.cursor[track] = offset + len(buf)
}

// durationBytesLocked converts a wall-clock duration to a frame-aligned byte
// count. Caller holds the mutex.
func (r *Recorder) durationBytesLocked(d time.Duration) int {
	bps := r.sampleRate * r.channels * internal_type.BytesPerSample
	raw := int(d.Seconds() * float64(bps))
	frameSize := internal_type.BytesPerSample * r.channels
	return (raw / frameSize) * frameSize
}

func renderWAV(pcm []byte, sampleRate, channels int) []byte {
	var buf bytes.Buffer
	byteRate := sampleRate * channels * internal_type.BytesPerSample

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(wavPCMFormat))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(internal_type.BytesPerSample*channels))
	binary.Write(&buf, binary.LittleEndian, uint16(wavBitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
