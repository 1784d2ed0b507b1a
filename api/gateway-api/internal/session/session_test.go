// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

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

	internal_call "github.com/rapidaai/lingua/api/gateway-api/internal/call"
	internal_codec "github.com/rapidaai/lingua/api/gateway-api/internal/codec"
	internal_pipeline "github.com/rapidaai/lingua/api/gateway-api/internal/pipeline"
	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
	"github.com/rapidaai/lingua/pkg/commons"
)

// ============================================================================
// Test helpers
// ============================================================================

// wsPair returns a connected server/client WebSocket pair backed by a
// throwaway httptest server.
func wsPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-serverCh:
	case <-time.After(time.Second):
		t.Fatal("server side never connected")
	}
	return server, client
}

func newTestSession(t *testing.T, builder PipelineBuilder) (*Session, *websocket.Conn, *internal_call.Manager, *internal_call.Call) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	manager := internal_call.NewManager(logger,
		func(*internal_call.Call) (*internal_pipeline.Pipeline, error) { return nil, nil },
		time.Hour, 0)
	call, err := manager.CreateCall("wss://svc", "relay", internal_type.GatePlayThrough)
	require.NoError(t, err)

	serverConn, clientConn := wsPair(t)
	session := New(logger, serverConn, call, manager, "alice", builder)
	_, err = manager.AddParticipant(call.Code, "alice", session.Send)
	require.NoError(t, err)

	return session, clientConn, manager, call
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg internal_type.Message) {
	t.Helper()
	raw, err := internal_codec.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

// ============================================================================
// Send path
// ============================================================================

func TestSend_SerializesToSocket(t *testing.T) {
	session, client, _, _ := newTestSession(t, nil)

	require.NoError(t, session.Send(&internal_type.ConnectionEvent{
		Type:      internal_type.TypeConnectionEstablished,
		SessionID: session.ID,
	}))

	// AddParticipant already wrote the membership list; read until the
	// lifecycle event shows up.
	deadline := time.Now().Add(time.Second)
	for {
		require.NoError(t, client.SetReadDeadline(deadline))
		_, raw, err := client.ReadMessage()
		require.NoError(t, err)
		msg, err := internal_codec.Decode(raw)
		require.NoError(t, err)
		if ev, ok := msg.(*internal_type.ConnectionEvent); ok {
			assert.Equal(t, session.ID, ev.SessionID)
			return
		}
	}
}

// ============================================================================
// Strategy selection
// ============================================================================

func TestRun_FirstSettingsFramePicksStrategy(t *testing.T) {
	session, client, _, _ := newTestSession(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		session.Run(ctx)
		close(done)
	}()

	writeFrame(t, client, &internal_type.SettingsMessage{
		Settings: internal_type.SessionSettings{RoutingStrategy: "per_participant"},
	})

	require.Eventually(t, func() bool {
		return session.Strategy() == internal_type.RoutingPerParticipant
	}, time.Second, 5*time.Millisecond)

	_ = client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after disconnect")
	}
}

func TestRun_DefaultsToSharedStrategy(t *testing.T) {
	session, client, _, _ := newTestSession(t, nil)

	go session.Run(context.Background())

	// A non-settings first frame leaves the default in place.
	writeFrame(t, client, &internal_type.Control{
		Type:   internal_type.TypeControlStopAudio,
		Fields: map[string]interface{}{},
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, internal_type.RoutingShared, session.Strategy())
}

// ============================================================================
// Disconnect teardown
// ============================================================================

func TestClose_ReleasesMembership(t *testing.T) {
	session, client, _, call := newTestSession(t, nil)

	done := make(chan struct{})
	go func() {
		session.Run(context.Background())
		close(done)
	}()

	_ = client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after client disconnect")
	}

	assert.Equal(t, 0, call.ParticipantCount())
	assert.NotContains(t, call.Participants(), "alice")
}

func TestClose_Idempotent(t *testing.T) {
	session, _, _, _ := newTestSession(t, nil)
	session.Close()
	session.Close()
}

// ============================================================================
// Undecodable frames
// ============================================================================

func TestRun_MalformedFrameDoesNotDisconnect(t *testing.T) {
	session, client, _, call := newTestSession(t, nil)

	go session.Run(context.Background())

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"junk.unknown"}`)))
	time.Sleep(50 * time.Millisecond)

	// Still a member: protocol violations drop the frame, not the socket.
	assert.Equal(t, 1, call.ParticipantCount())
	session.Close()
}
