// SPDX-License-Identifier: MIT

package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// hubServer is a minimal pubsub hub for the client tests.
type hubServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       map[*websocket.Conn]bool
	writeMus    map[*websocket.Conn]*sync.Mutex
	joined      map[string]map[*websocket.Conn]bool
	rejectGroup string
	dials       int
	connSeq     int
}

func newHubServer() *hubServer {
	srv := &hubServer{
		conns:    make(map[*websocket.Conn]bool),
		writeMus: make(map[*websocket.Conn]*sync.Mutex),
		joined:   make(map[string]map[*websocket.Conn]bool),
	}
	srv.Server = httptest.NewServer(http.HandlerFunc(srv.handle))
	return srv
}

func (s *hubServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *hubServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *hubServer) joinedCount(group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.joined[group])
}

// dropAll closes every live connection, simulating a network cut.
func (s *hubServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *hubServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.dials++
	s.connSeq++
	id := fmt.Sprintf("conn-%d", s.connSeq)
	s.conns[conn] = true
	writeMu := &sync.Mutex{}
	s.writeMus[conn] = writeMu
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		delete(s.writeMus, conn)
		for _, members := range s.joined {
			delete(members, conn)
		}
		s.mu.Unlock()
		conn.Close()
	}()

	s.write(conn, writeMu, serverFrame{
		Type: frameSystem, Event: eventConnected,
		ConnectionID: id, ReconnectionToken: "rt-" + id,
	})

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case frameJoinGroup:
			s.mu.Lock()
			reject := frame.Group == s.rejectGroup
			if !reject {
				if s.joined[frame.Group] == nil {
					s.joined[frame.Group] = make(map[*websocket.Conn]bool)
				}
				s.joined[frame.Group][conn] = true
			}
			s.mu.Unlock()
			ack := serverFrame{Type: frameAck, AckID: frame.AckID, Success: !reject}
			if reject {
				ack.Error = &ackErrorDetail{Name: "Forbidden", Message: "join denied"}
			}
			s.write(conn, writeMu, ack)
		case frameLeaveGroup:
			s.mu.Lock()
			delete(s.joined[frame.Group], conn)
			s.mu.Unlock()
			s.write(conn, writeMu, serverFrame{Type: frameAck, AckID: frame.AckID, Success: true})
		case frameSendToGroup:
			s.write(conn, writeMu, serverFrame{Type: frameAck, AckID: frame.AckID, Success: true})
			s.mu.Lock()
			members := make([]*websocket.Conn, 0, len(s.joined[frame.Group]))
			for member := range s.joined[frame.Group] {
				members = append(members, member)
			}
			mus := make([]*sync.Mutex, len(members))
			for i, member := range members {
				mus[i] = s.writeMus[member]
			}
			s.mu.Unlock()
			for i, member := range members {
				s.write(member, mus[i], serverFrame{
					Type: frameMessage, From: "group", Group: frame.Group,
					FromUserID: "sender", Data: frame.Data,
				})
			}
		}
	}
}

func (s *hubServer) write(conn *websocket.Conn, mu *sync.Mutex, frame serverFrame) {
	mu.Lock()
	defer mu.Unlock()
	_ = conn.WriteJSON(frame)
}

func TestJoinSendReceive(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := newHubServer()
	defer srv.Close()

	received := make(chan GroupMessage, 1)
	client := NewClient(srv.wsURL(), nil)
	client.OnGroupMessage(func(m GroupMessage) { received <- m })
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Connect(ctx))
	assert.Equal(t, "conn-1", client.ConnectionID())

	require.NoError(t, client.JoinGroup(ctx, "orders"))
	require.NoError(t, client.SendToGroup(ctx, "orders", json.RawMessage(`{"n":1}`)))

	select {
	case msg := <-received:
		assert.Equal(t, "orders", msg.Group)
		assert.Equal(t, "sender", msg.FromUserID)
		assert.JSONEq(t, `{"n":1}`, string(msg.Data))
	case <-ctx.Done():
		t.Fatal("timed out waiting for group message")
	}

	require.NoError(t, client.LeaveGroup(ctx, "orders"))
	assert.Equal(t, 0, srv.joinedCount("orders"))
}

func TestJoinRejected(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := newHubServer()
	defer srv.Close()
	srv.rejectGroup = "restricted"

	client := NewClient(srv.wsURL(), nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	err := client.JoinGroup(ctx, "restricted")
	var ackErr *AckError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, "Forbidden", ackErr.Name)
	assert.Contains(t, err.Error(), "join denied")
}

func TestReconnectResubscribes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := newHubServer()
	defer srv.Close()

	client := NewClient(srv.wsURL(), &ClientOptions{
		Reconnect: ReconnectOptions{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	})
	received := make(chan GroupMessage, 1)
	client.OnGroupMessage(func(m GroupMessage) { received <- m })
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.JoinGroup(ctx, "orders"))

	srv.dropAll()

	require.Eventually(t, func() bool {
		return srv.dialCount() >= 2 && srv.joinedCount("orders") == 1
	}, 3*time.Second, 10*time.Millisecond, "client should redial and rejoin")

	// The restored membership delivers messages again.
	require.NoError(t, client.SendToGroup(ctx, "orders", json.RawMessage(`"after"`)))
	select {
	case msg := <-received:
		assert.JSONEq(t, `"after"`, string(msg.Data))
	case <-ctx.Done():
		t.Fatal("timed out waiting for message after reconnect")
	}
}

func TestReconnectDisabledAllowsManualReconnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := newHubServer()
	defer srv.Close()

	client := NewClient(srv.wsURL(), &ClientOptions{
		Reconnect: ReconnectOptions{Disabled: true},
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.JoinGroup(ctx, "orders"))

	srv.dropAll()

	// With reconnect disabled the read loop terminates and the client goes
	// back to the not-connected state.
	require.Eventually(t, func() bool {
		return errors.Is(client.JoinGroup(ctx, "orders"), ErrNotConnected)
	}, 3*time.Second, 10*time.Millisecond)

	// The caller may dial again on the same client and keep working.
	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.JoinGroup(ctx, "orders"))
	require.NoError(t, client.SendToGroup(ctx, "orders", json.RawMessage(`"back"`)))
	require.NoError(t, client.Close())
}

func TestOperationsWithoutConnect(t *testing.T) {
	client := NewClient("ws://127.0.0.1:0", nil)
	err := client.JoinGroup(context.Background(), "g")
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "Close is idempotent")

	err = client.JoinGroup(context.Background(), "g")
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, client.Connect(context.Background()), ErrClosed)
}

func TestConnectionStringParsing(t *testing.T) {
	parsed, err := ParseConnectionString("Endpoint=https://hub.pubsub.atlas.example;AccessKey=supersecret;")
	require.NoError(t, err)
	assert.Equal(t, "https://hub.pubsub.atlas.example", parsed.Endpoint)
	assert.Equal(t, "supersecret", parsed.AccessKey)

	_, err = ParseConnectionString("AccessKey=x")
	assert.ErrorContains(t, err, "Endpoint")
	_, err = ParseConnectionString("Endpoint=https://h")
	assert.ErrorContains(t, err, "AccessKey")
	_, err = ParseConnectionString("garbage")
	assert.ErrorContains(t, err, "malformed")
}

func TestClientAccessURL(t *testing.T) {
	parsed := ConnectionString{Endpoint: "https://hub.pubsub.atlas.example", AccessKey: "supersecret"}
	accessURL, err := parsed.ClientAccessURL("chat", &AccessURLOptions{
		UserID: "user-7",
		Roles:  []string{"webpubsub.sendToGroup"},
		TTL:    30 * time.Minute,
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(accessURL, "wss://hub.pubsub.atlas.example/client/hubs/chat?"))

	rawToken := accessURL[strings.Index(accessURL, "access_token=")+len("access_token="):]
	token, err := jwt.Parse(rawToken, func(tok *jwt.Token) (any, error) {
		require.IsType(t, &jwt.SigningMethodHMAC{}, tok.Method)
		return []byte("supersecret"), nil
	})
	require.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)

	sub, err := claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, "user-7", sub)
	aud, err := claims.GetAudience()
	require.NoError(t, err)
	require.Len(t, aud, 1)
	assert.Equal(t, "wss://hub.pubsub.atlas.example/client/hubs/chat", aud[0])
	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), exp.Time, time.Minute)
	assert.Equal(t, []any{"webpubsub.sendToGroup"}, claims["role"])
}

func TestClientAccessURLValidation(t *testing.T) {
	parsed := ConnectionString{Endpoint: "https://h.example", AccessKey: "k"}
	_, err := parsed.ClientAccessURL("", nil)
	assert.ErrorContains(t, err, "hub")
}
