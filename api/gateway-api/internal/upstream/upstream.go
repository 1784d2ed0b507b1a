// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_upstream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	internal_codec "github.com/rapidaai/lingua/api/gateway-api/internal/codec"
	internal_queue "github.com/rapidaai/lingua/api/gateway-api/internal/queue"
	internal_type "github.com/rapidaai/lingua/api/gateway-api/internal/type"
	"github.com/rapidaai/lingua/pkg/commons"
	"github.com/rapidaai/lingua/pkg/utils"
)

// ============================================================================
// Upstream provider connection
// ============================================================================

const (
	// Long synthesized segments can be tens of megabytes.
	defaultReadLimitBytes = 32 << 20

	defaultPingInterval   = 20 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultEgressQueueMax = 500

	defaultBackoffMin = 500 * time.Millisecond
	defaultBackoffMax = 30 * time.Second
)

type Config struct {
	URL            string
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	ReadLimitBytes int64

	EgressQueueMax int
	OverflowPolicy internal_type.OverflowPolicy

	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = defaultConnectTimeout
	}
	if out.PingInterval <= 0 {
		out.PingInterval = defaultPingInterval
	}
	if out.ReadLimitBytes <= 0 {
		out.ReadLimitBytes = defaultReadLimitBytes
	}
	if out.EgressQueueMax <= 0 {
		out.EgressQueueMax = defaultEgressQueueMax
	}
	if out.OverflowPolicy == "" {
		out.OverflowPolicy = internal_type.DropOldest
	}
	if out.BackoffMin <= 0 {
		out.BackoffMin = defaultBackoffMin
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = defaultBackoffMax
	}
	return out
}

// Connection manages one logical WebSocket to a translation provider. A
// dedicated egress task drains the outbound queue; inbound frames are
// decoded, whitelisted, and surfaced on Messages. Reconnection is driven by
// the owning pipeline, not by this component.
type Connection struct {
	logger commons.Logger
	cfg    Config

	egress  *internal_queue.Queue[[]byte]
	inbound chan internal_type.Message

	ready     chan struct{}
	readyOnce sync.Once

	done    chan struct{}
	closeFn sync.Once

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func New(logger commons.Logger, cfg Config) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		logger:  logger,
		cfg:     cfg,
		egress:  internal_queue.New[[]byte](cfg.EgressQueueMax, cfg.OverflowPolicy),
		inbound: make(chan internal_type.Message, cfg.EgressQueueMax),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Connect dials the provider and starts the egress, ingress, and keep-alive
// tasks. It returns once the handshake completes or the deadline passes.
func (c *Connection) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("upstream dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(c.cfg.ReadLimitBytes)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	utils.Go(ctx, func() { c.egressLoop(conn) })
	utils.Go(ctx, func() { c.readLoop(conn) })
	utils.Go(ctx, func() { c.pingLoop(conn) })

	c.readyOnce.Do(func() { close(c.ready) })
	c.logger.Infow("upstream connected", "url", c.cfg.URL)
	return nil
}

// WaitReady blocks until the handshake has completed, the connection has
// been closed, or the context expires.
func (c *Connection) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return fmt.Errorf("upstream closed before ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages is the stream of whitelisted inbound messages. It is closed when
// the socket dies or Close is called.
func (c *Connection) Messages() <-chan internal_type.Message {
	return c.inbound
}

// Done is closed when the connection is finished for any reason.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Send enqueues a payload for the egress task. Only AudioMetadata,
// AudioData, and control messages go upstream; anything else is rejected.
func (c *Connection) Send(msg internal_type.Message) error {
	if !outboundAllowed(msg) {
		return fmt.Errorf("payload kind %q not allowed upstream", msg.Kind())
	}
	raw, err := internal_codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode upstream payload: %w", err)
	}
	if !c.egress.Put(raw) {
		c.logger.Warnw("upstream egress queue overflow",
			"depth", c.egress.Len(),
			"policy", string(c.egress.Policy()))
	}
	return nil
}

// Close tears the connection down. Idempotent.
func (c *Connection) Close() {
	c.closeFn.Do(func() {
		close(c.done)
		c.egress.Close()

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
	})
}

// EgressDepth returns the number of payloads waiting for the egress task.
func (c *Connection) EgressDepth() int {
	return c.egress.Len()
}

// NextBackoff returns the reconnect delay for the given attempt, doubling
// from the minimum up to the maximum.
func (c *Connection) NextBackoff(attempt int) time.Duration {
	delay := c.cfg.BackoffMin
	for i := 0; i < attempt && delay < c.cfg.BackoffMax; i++ {
		delay *= 2
	}
	if delay > c.cfg.BackoffMax {
		delay = c.cfg.BackoffMax
	}
	return delay
}

func (c *Connection) egressLoop(conn *websocket.Conn) {
	for {
		raw, ok := c.egress.Get()
		if !ok {
			return
		}
		c.writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, raw)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Warnw("upstream write failed", "error", err)
			c.Close()
			return
		}
	}
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	defer close(c.inbound)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warnw("upstream read failed", "error", err)
			}
			c.Close()
			return
		}

		msg, err := internal_codec.Decode(raw)
		if err != nil {
			c.logger.Warnw("dropping undecodable upstream frame", "error", err)
			continue
		}
		if !inboundAllowed(msg) {
			c.logger.Warnw("dropping non-whitelisted upstream frame", "kind", msg.Kind())
			continue
		}

		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		default:
			c.logger.Warnw("upstream inbound channel overflow, dropping frame",
				"kind", msg.Kind())
		}
	}
}

func (c *Connection) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warnw("upstream ping failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

func outboundAllowed(msg internal_type.Message) bool {
	switch msg.(type) {
	case *internal_type.AudioMetadata, *internal_type.AudioData, *internal_type.SettingsMessage:
		return true
	case *internal_type.Control:
		return strings.HasPrefix(msg.Kind(), "control.")
	}
	return false
}

func inboundAllowed(msg internal_type.Message) bool {
	switch msg.(type) {
	case *internal_type.AudioData, *internal_type.AudioMetadata,
		*internal_type.Transcript, *internal_type.TextDelta,
		*internal_type.ErrorMessage:
		return true
	case *internal_type.Control:
		return strings.HasPrefix(msg.Kind(), "control.") ||
			msg.Kind() == internal_type.TypeSystemInfoResponse
	}
	return false
}
