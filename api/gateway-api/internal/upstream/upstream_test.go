// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_codec "github.com/rapidaai/lingua/api/gateway-api/internal/codec"
	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
	"github.com/rapidaai/lingua/pkg/commons"
)

// ============================================================================
// Test helpers
// ============================================================================

// fakeProvider is a throwaway WebSocket server standing in for the
// translation service. Accepted sockets are handed back over a channel.
func fakeProvider(t *testing.T) (url string, conns <-chan *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ch := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ch <- conn
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), ch
}

func newTestConnection(t *testing.T, url string) *Connection {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	c := New(logger, Config{
		URL:            url,
		ConnectTimeout: time.Second,
		EgressQueueMax: 32,
		OverflowPolicy: internal_type.DropOldest,
	})
	t.Cleanup(c.Close)
	return c
}

func dialProvider(t *testing.T) (*Connection, *websocket.Conn) {
	t.Helper()
	url, conns := fakeProvider(t)
	c := newTestConnection(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.WaitReady(ctx))

	select {
	case provider := <-conns:
		t.Cleanup(func() { _ = provider.Close() })
		return c, provider
	case <-time.After(time.Second):
		t.Fatal("provider side never connected")
		return nil, nil
	}
}

func writeProviderFrame(t *testing.T, conn *websocket.Conn, msg internal_type.Message) {
	t.Helper()
	raw, err := internal_codec.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func nextMessage(t *testing.T, c *Connection) internal_type.Message {
	t.Helper()
	select {
	case msg, ok := <-c.Messages():
		require.True(t, ok, "inbound stream closed unexpectedly")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
		return nil
	}
}

// ============================================================================
// Egress
// ============================================================================

func TestSend_ReachesProvider(t *testing.T) {
	c, provider := dialProvider(t)

	require.NoError(t, c.Send(&internal_type.AudioData{
		Data:             []byte{1, 2, 3, 4},
		ParticipantRawID: "alice",
	}))

	require.NoError(t, provider.SetReadDeadline(time.Now().Add(time.Second)))
	_, raw, err := provider.ReadMessage()
	require.NoError(t, err)
	msg, err := internal_codec.Decode(raw)
	require.NoError(t, err)

	frame, ok := msg.(*internal_type.AudioData)
	require.True(t, ok, "provider should receive an AudioData frame, got %T", msg)
	assert.Equal(t, []byte{1, 2, 3, 4}, frame.Data)
	assert.Equal(t, "alice", frame.ParticipantRawID)
}

func TestSend_RejectsNonWhitelistedPayloads(t *testing.T) {
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	c := New(logger, Config{URL: "ws://127.0.0.1:1/unused"})

	// Lifecycle and membership traffic never goes upstream.
	assert.Error(t, c.Send(&internal_type.ConnectionEvent{
		Type: internal_type.TypeConnectionReady,
	}))
	assert.Error(t, c.Send(&internal_type.ParticipantEvent{
		Type:          internal_type.TypeParticipantJoined,
		ParticipantID: "alice",
	}))
	assert.Error(t, c.Send(&internal_type.ErrorMessage{Message: "nope"}))

	// Settings, metadata, audio, and control.* are allowed.
	assert.NoError(t, c.Send(&internal_type.SettingsMessage{}))
	assert.NoError(t, c.Send(&internal_type.AudioMetadata{Encoding: "PCM16", SampleRate: 16000, Channels: 1}))
	assert.NoError(t, c.Send(&internal_type.AudioData{Data: []byte{0}}))
	assert.NoError(t, c.Send(&internal_type.Control{
		Type:   internal_type.TypeControlCancel,
		Fields: map[string]interface{}{"participant_id": "alice"},
	}))
}

func TestSend_EgressQueueBounded(t *testing.T) {
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	// No Connect: nothing drains the queue, so puts past the bound apply the
	// overflow policy instead of blocking the caller.
	c := New(logger, Config{
		URL:            "ws://127.0.0.1:1/unused",
		EgressQueueMax: 4,
		OverflowPolicy: internal_type.DropOldest,
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Send(&internal_type.AudioData{Data: []byte{byte(i)}}))
	}
	assert.Equal(t, 4, c.EgressDepth())
}

// ============================================================================
// Ingress
// ============================================================================

func TestReadLoop_SurfacesWhitelistedMessages(t *testing.T) {
	c, provider := dialProvider(t)

	writeProviderFrame(t, provider, &internal_type.Transcript{
		ParticipantID:  "alice",
		SourceLanguage: "en",
		TargetLanguage: "es",
		Text:           "hola",
	})

	msg := nextMessage(t, c)
	tr, ok := msg.(*internal_type.Transcript)
	require.True(t, ok, "expected a transcript, got %T", msg)
	assert.Equal(t, "hola", tr.Text)
}

func TestReadLoop_DropsNonWhitelistedFrames(t *testing.T) {
	c, provider := dialProvider(t)

	// Membership events are downstream-only; a provider echoing one is a
	// protocol violation and the frame is dropped, not forwarded.
	writeProviderFrame(t, provider, &internal_type.ParticipantEvent{
		Type:          internal_type.TypeParticipantJoined,
		ParticipantID: "mallory",
	})
	writeProviderFrame(t, provider, &internal_type.TextDelta{
		Type:  internal_type.TypeTranslationTextDelta,
		Delta: "he",
	})

	msg := nextMessage(t, c)
	delta, ok := msg.(*internal_type.TextDelta)
	require.True(t, ok, "the violation must be skipped, got %T", msg)
	assert.Equal(t, "he", delta.Delta)
}

func TestReadLoop_DropsUndecodableFrames(t *testing.T) {
	c, provider := dialProvider(t)

	require.NoError(t, provider.WriteMessage(websocket.TextMessage, []byte(`{broken json`)))
	writeProviderFrame(t, provider, &internal_type.Transcript{Text: "still alive"})

	msg := nextMessage(t, c)
	tr, ok := msg.(*internal_type.Transcript)
	require.True(t, ok)
	assert.Equal(t, "still alive", tr.Text)
}

// ============================================================================
// Connection loss
// ============================================================================

func TestProviderDrop_ClosesStreamAndDone(t *testing.T) {
	c, provider := dialProvider(t)

	writeProviderFrame(t, provider, &internal_type.Transcript{Text: "last words"})
	_ = nextMessage(t, c)

	require.NoError(t, provider.Close())

	// The inbound stream ends and Done fires; no frames after the drop.
	select {
	case _, ok := <-c.Messages():
		assert.False(t, ok, "no frames may arrive after the provider drops")
	case <-time.After(time.Second):
		t.Fatal("inbound stream never closed after provider drop")
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done never fired after provider drop")
	}
}

func TestConnect_RefusedSurfacesError(t *testing.T) {
	c := newTestConnection(t, "ws://127.0.0.1:1/unused")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, c.Connect(ctx))
}

func TestWaitReady_ExpiresWithoutConnect(t *testing.T) {
	c := newTestConnection(t, "ws://127.0.0.1:1/unused")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitReady(ctx), context.DeadlineExceeded)
}

func TestClose_Idempotent(t *testing.T) {
	c, _ := dialProvider(t)
	c.Close()
	c.Close()
}

// ============================================================================
// Backoff
// ============================================================================

func TestNextBackoff_DoublesUpToMax(t *testing.T) {
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	c := New(logger, Config{
		URL:        "ws://127.0.0.1:1/unused",
		BackoffMin: 100 * time.Millisecond,
		BackoffMax: time.Second,
	})

	assert.Equal(t, 100*time.Millisecond, c.NextBackoff(0))
	assert.Equal(t, 200*time.Millisecond, c.NextBackoff(1))
	assert.Equal(t, 400*time.Millisecond, c.NextBackoff(2))
	assert.Equal(t, 800*time.Millisecond, c.NextBackoff(3))
	assert.Equal(t, time.Second, c.NextBackoff(4), "capped at the maximum")
	assert.Equal(t, time.Second, c.NextBackoff(10))
}
