// SPDX-License-Identifier: MIT

package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/atlascloud/atlas-sdk-go/internal/log"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("pubsub: client is closed")
	// ErrNotConnected is returned when no websocket is up.
	ErrNotConnected = errors.New("pubsub: not connected")
)

// handshakeTimeout bounds the dial plus the wait for the connected event.
const handshakeTimeout = 10 * time.Second

// ReconnectOptions tunes the automatic reconnect after a dropped websocket.
type ReconnectOptions struct {
	// Disabled turns reconnect off, a dropped connection then stays down.
	Disabled bool
	// MaxAttempts caps consecutive failed attempts. Zero means unlimited.
	MaxAttempts int
	// InitialDelay is the first backoff step. Defaults to 200ms.
	InitialDelay time.Duration
	// MaxDelay caps the backoff. Defaults to 5s.
	MaxDelay time.Duration
}

// ClientOptions configures a pubsub Client.
type ClientOptions struct {
	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer
	// Reconnect tunes reconnect behavior.
	Reconnect ReconnectOptions
}

// Client is a websocket client for one hub. Operations that carry an ackId
// block until the service acknowledges them or the context ends.
type Client struct {
	accessURL string
	dialer    *websocket.Dialer
	reconnect ReconnectOptions
	logger    zerolog.Logger

	ackSeq uint64

	writeMu sync.Mutex

	mu             sync.Mutex
	conn           *websocket.Conn
	connectionID   string
	reconnectToken string
	groups         map[string]bool
	acks           map[uint64]chan serverFrame
	handler        func(GroupMessage)
	closed         bool

	closing chan struct{}
	// done belongs to the current run goroutine and is recreated on every
	// Connect, so a caller may reconnect after the loop has terminated.
	done chan struct{}
}

// NewClient builds a client for a ready-made access URL, as produced by
// ConnectionString.ClientAccessURL or handed out by a token service.
func NewClient(accessURL string, opts *ClientOptions) *Client {
	if opts == nil {
		opts = &ClientOptions{}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	reconnect := opts.Reconnect
	if reconnect.InitialDelay <= 0 {
		reconnect.InitialDelay = 200 * time.Millisecond
	}
	if reconnect.MaxDelay <= 0 {
		reconnect.MaxDelay = 5 * time.Second
	}
	return &Client{
		accessURL: accessURL,
		dialer:    dialer,
		reconnect: reconnect,
		logger:    log.WithComponent("pubsub"),
		groups:    make(map[string]bool),
		acks:      make(map[uint64]chan serverFrame),
		closing:   make(chan struct{}),
	}
}

// NewClientFromConnectionString builds a client for one hub from a portal
// connection string.
func NewClientFromConnectionString(connectionString, hub string, urlOpts *AccessURLOptions, opts *ClientOptions) (*Client, error) {
	parsed, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	accessURL, err := parsed.ClientAccessURL(hub, urlOpts)
	if err != nil {
		return nil, err
	}
	return NewClient(accessURL, opts), nil
}

// OnGroupMessage registers the handler for group messages. It runs on the
// client's read loop, handlers that block stall delivery. Must be set before
// Connect.
func (c *Client) OnGroupMessage(handler func(GroupMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Connect dials the service and waits for the connected event.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	go c.run(conn, done)
	return nil
}

// ConnectionID identifies this connection on the service.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// dial opens the websocket and consumes the connected handshake.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	target := c.accessURL
	c.mu.Lock()
	if c.reconnectToken != "" && c.connectionID != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "awps_connection_id=" + url.QueryEscape(c.connectionID) +
			"&awps_reconnection_token=" + url.QueryEscape(c.reconnectToken)
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("pubsub: dial: %w", err)
	}

	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	var frame serverFrame
	if err := conn.ReadJSON(&frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pubsub: handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if frame.Type != frameSystem || frame.Event != eventConnected {
		conn.Close()
		return nil, fmt.Errorf("pubsub: handshake: unexpected %s frame", frame.Type)
	}

	c.mu.Lock()
	c.connectionID = frame.ConnectionID
	if frame.ReconnectionToken != "" {
		c.reconnectToken = frame.ReconnectionToken
	}
	c.mu.Unlock()

	c.logger.Debug().Str("connection_id", frame.ConnectionID).Msg("connected")
	return conn, nil
}

// JoinGroup subscribes to a group. The membership survives reconnects.
func (c *Client) JoinGroup(ctx context.Context, group string) error {
	if err := c.sendAwaitAck(ctx, clientFrame{Type: frameJoinGroup, Group: group}); err != nil {
		return err
	}
	c.mu.Lock()
	c.groups[group] = true
	c.mu.Unlock()
	return nil
}

// LeaveGroup unsubscribes from a group.
func (c *Client) LeaveGroup(ctx context.Context, group string) error {
	if err := c.sendAwaitAck(ctx, clientFrame{Type: frameLeaveGroup, Group: group}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.groups, group)
	c.mu.Unlock()
	return nil
}

// SendToGroup publishes a JSON payload to a group.
func (c *Client) SendToGroup(ctx context.Context, group string, data json.RawMessage) error {
	return c.sendAwaitAck(ctx, clientFrame{
		Type:     frameSendToGroup,
		Group:    group,
		Data:     data,
		DataType: "json",
	})
}

// sendAwaitAck writes an acked frame and blocks for its ack.
func (c *Client) sendAwaitAck(ctx context.Context, frame clientFrame) error {
	frame.AckID = atomic.AddUint64(&c.ackSeq, 1)

	ch := make(chan serverFrame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.acks[frame.AckID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, frame.AckID)
		c.mu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closing:
		return ErrClosed
	case ack, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if !ack.Success {
			detail := ack.Error
			if detail == nil {
				detail = &ackErrorDetail{Name: "Unknown", Message: "no detail"}
			}
			return &AckError{AckID: frame.AckID, Name: detail.Name, Message: detail.Message}
		}
		return nil
	}
}

func (c *Client) write(frame clientFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// run owns the connection established by one Connect call, reading frames
// and redialing after drops, and closes done when it gives up.
func (c *Client) run(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		err := c.readFrames(conn)
		c.failPendingAcks()
		if c.isClosed() {
			return
		}
		c.logger.Warn().Err(err).Msg("connection lost")
		if c.reconnect.Disabled {
			c.clearConn()
			return
		}
		conn = c.redial()
		if conn == nil {
			c.clearConn()
			return
		}
	}
}

// readFrames pumps one connection until it errors.
func (c *Client) readFrames(conn *websocket.Conn) error {
	for {
		var frame serverFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		switch frame.Type {
		case frameAck:
			c.mu.Lock()
			ch, ok := c.acks[frame.AckID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- frame:
				default:
				}
			}
		case frameMessage:
			c.mu.Lock()
			handler := c.handler
			c.mu.Unlock()
			if handler != nil && frame.From == "group" {
				handler(GroupMessage{Group: frame.Group, FromUserID: frame.FromUserID, Data: frame.Data})
			}
		case frameSystem:
			if frame.Event == eventDisconnected {
				c.logger.Warn().Str("reason", frame.Message).Msg("service disconnect")
			}
		}
	}
}

// redial reopens the websocket with exponential backoff and restores group
// memberships. Returns nil once the client closes or attempts run out.
func (c *Client) redial() *websocket.Conn {
	delay := c.reconnect.InitialDelay
	attempt := 0
	for {
		attempt++
		if c.reconnect.MaxAttempts > 0 && attempt > c.reconnect.MaxAttempts {
			c.logger.Error().Int(log.FieldAttempt, attempt-1).Msg("reconnect attempts exhausted")
			return nil
		}

		select {
		case <-c.closing:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.reconnect.MaxDelay {
			delay = c.reconnect.MaxDelay
		}

		conn, err := c.dial(context.Background())
		if err != nil {
			c.logger.Warn().Err(err).Int(log.FieldAttempt, attempt).Msg("reconnect failed")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return nil
		}
		c.conn = conn
		groups := make([]string, 0, len(c.groups))
		for g := range c.groups {
			groups = append(groups, g)
		}
		c.mu.Unlock()

		// Resubscribe without blocking on acks, unknown ackIds are dropped
		// by the reader.
		for _, g := range groups {
			frame := clientFrame{Type: frameJoinGroup, Group: g, AckID: atomic.AddUint64(&c.ackSeq, 1)}
			if err := c.write(frame); err != nil {
				c.logger.Warn().Err(err).Str(log.FieldGroup, g).Msg("resubscribe failed")
			}
		}
		c.logger.Info().Int(log.FieldAttempt, attempt).Msg("reconnected")
		return conn
	}
}

// failPendingAcks unblocks every in-flight operation after a drop.
func (c *Client) failPendingAcks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.acks {
		close(ch)
		delete(c.acks, id)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) clearConn() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

// Close tears the connection down and stops the read loop. Safe to call
// more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	done := c.done
	c.mu.Unlock()
	close(c.closing)

	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	if done != nil {
		<-done
	}
	return err
}

