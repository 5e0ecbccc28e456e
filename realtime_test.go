package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// fakeSocketServer speaks just enough Engine.IO/Socket.IO to drive a SocketService.
type fakeSocketServer struct {
	srv *httptest.Server

	pingInterval int
	pingTimeout  int
	reject       string
	holdFirst    chan struct{} // delays the first session's connect ack until closed

	sessions int32
	auth     chan string
	frames   chan string
	conns    chan *websocket.Conn
}

func newFakeSocketServer(t *testing.T, configure ...func(*fakeSocketServer)) *fakeSocketServer {
	t.Helper()
	f := &fakeSocketServer{
		pingInterval: 25000,
		pingTimeout:  20000,
		auth:         make(chan string, 8),
		frames:       make(chan string, 64),
		conns:        make(chan *websocket.Conn, 8),
	}
	for _, fn := range configure {
		fn(f)
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSocketServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" {
		http.Error(w, "bad endpoint", http.StatusBadRequest)
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()
	n := atomic.AddInt32(&f.sessions, 1)

	open := fmt.Sprintf(`0{"sid":"eio-%d","upgrades":[],"pingInterval":%d,"pingTimeout":%d,"maxPayload":1000000}`,
		n, f.pingInterval, f.pingTimeout)
	if err := c.Write(ctx, websocket.MessageText, []byte(open)); err != nil {
		return
	}
	_, data, err := c.Read(ctx)
	if err != nil {
		return
	}
	f.auth <- string(data)

	if f.reject != "" {
		_ = c.Write(ctx, websocket.MessageText, []byte(`44{"message":"`+f.reject+`"}`))
		c.Close(websocket.StatusNormalClosure, "")
		return
	}
	if n == 1 && f.holdFirst != nil {
		select {
		case <-f.holdFirst:
		case <-ctx.Done():
			return
		}
	}
	if err := c.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(`40{"sid":"sock-%d"}`, n))); err != nil {
		return
	}
	f.conns <- c

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		f.frames <- string(data)
	}
}

func (f *fakeSocketServer) send(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(frame)))
}

// next returns the next client frame, skipping pongs unless asked for.
func (f *fakeSocketServer) next(t *testing.T, keepPongs bool) string {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case frame := <-f.frames:
			if frame == "3" && !keepPongs {
				continue
			}
			return frame
		case <-timeout:
			t.Fatal("timed out waiting for a client frame")
			return ""
		}
	}
}

func (f *fakeSocketServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []string
	data   []json.RawMessage
}

func (l *eventLog) handler(name string) EventHandler {
	return func(p json.RawMessage) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, name)
		l.data = append(l.data, p)
	}
}

func (l *eventLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == name {
			n++
		}
	}
	return n
}

func (l *eventLog) payload(name string) json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e == name {
			return l.data[i]
		}
	}
	return nil
}

func testRealtimeConfig() *RealtimeConfig {
	return &RealtimeConfig{
		AutoReconnect:      Bool(false),
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		DialTimeout:        2 * time.Second,
		WriteTimeout:       time.Second,
	}
}

func connectService(t *testing.T, f *fakeSocketServer, cfg *RealtimeConfig, log *eventLog) (*SocketService, *websocket.Conn) {
	t.Helper()
	s := NewSocketService(f.srv.URL, cfg)
	if log != nil {
		s.On(EventConnect, log.handler(EventConnect))
		s.On(EventDisconnect, log.handler(EventDisconnect))
	}
	require.NoError(t, s.Connect(context.Background(), me))
	t.Cleanup(s.Disconnect)
	return s, f.conn(t)
}

func TestSocketServiceHandshakeAndUserJoin(t *testing.T) {
	f := newFakeSocketServer(t)
	log := &eventLog{}
	s, _ := connectService(t, f, testRealtimeConfig(), log)

	assert.Equal(t, `40{"userId":"u1"}`, <-f.auth)
	assert.JSONEq(t, `["user_join",{"userId":"u1","name":"Ana","email":"ana@corp.test"}]`,
		strings.TrimPrefix(f.next(t, false), "42"))

	assert.True(t, s.Connected())
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, "sock-1", s.SessionID())
	assert.Equal(t, 1, log.count(EventConnect))
}

func TestSocketServiceConnectRequiresIdentity(t *testing.T) {
	s := NewSocketService("http://127.0.0.1:1", testRealtimeConfig())
	assert.ErrorIs(t, s.Connect(context.Background(), Identity{}), ErrNoIdentity)
}

func TestSocketServiceRejectedConnect(t *testing.T) {
	f := newFakeSocketServer(t, func(f *fakeSocketServer) { f.reject = "unknown user" })
	s := NewSocketService(f.srv.URL, testRealtimeConfig())

	err := s.Connect(context.Background(), me)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown user")
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSocketServiceDispatchesEventsAndAnswersPings(t *testing.T) {
	f := newFakeSocketServer(t)
	log := &eventLog{}
	s, c := connectService(t, f, testRealtimeConfig(), log)
	s.On("message_received", log.handler("message_received"))
	f.next(t, false) // user_join

	f.send(t, c, `2`)
	assert.Equal(t, "3", f.next(t, true))

	f.send(t, c, `42["message_received",{"id":"m1","conversationId":"c1","content":"hi"}]`)
	require.Eventually(t, func() bool { return log.count("message_received") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"id":"m1","conversationId":"c1","content":"hi"}`, string(log.payload("message_received")))

	// Unknown events and malformed frames are dropped without tearing down the socket.
	f.send(t, c, `42["nobody_listens",{}]`)
	f.send(t, c, `42["broken"`)
	f.send(t, c, `2`)
	assert.Equal(t, "3", f.next(t, true))
	assert.True(t, s.Connected())
}

func TestSocketServiceHandlersAreSingleSlot(t *testing.T) {
	f := newFakeSocketServer(t)
	log := &eventLog{}
	s, c := connectService(t, f, testRealtimeConfig(), nil)

	s.On("typing_indicator", log.handler("first"))
	s.On("typing_indicator", log.handler("second"))
	f.send(t, c, `42["typing_indicator",{"conversationId":"c1","userId":"u2","isTyping":true}]`)
	require.Eventually(t, func() bool { return log.count("second") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, log.count("first"))

	s.On("typing_indicator", nil)
	f.send(t, c, `42["typing_indicator",{"conversationId":"c1","userId":"u2","isTyping":false}]`)
	f.send(t, c, `2`)
	f.next(t, false) // user_join
	assert.Equal(t, "3", f.next(t, true))
	assert.Equal(t, 1, log.count("second"))
}

func TestSocketServiceRecoversFromHandlerPanic(t *testing.T) {
	f := newFakeSocketServer(t)
	log := &eventLog{}
	s, c := connectService(t, f, testRealtimeConfig(), nil)

	s.On("message_deleted", func(json.RawMessage) { panic("boom") })
	s.On("message_edited", log.handler("message_edited"))
	f.send(t, c, `42["message_deleted",{"messageId":"m1"}]`)
	f.send(t, c, `42["message_edited",{"id":"m2"}]`)

	require.Eventually(t, func() bool { return log.count("message_edited") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Connected())
}

func TestSocketServiceEmitsIntents(t *testing.T) {
	f := newFakeSocketServer(t)
	s, _ := connectService(t, f, testRealtimeConfig(), nil)
	f.next(t, false) // user_join

	s.JoinRoom("c1", "u1")
	s.SendMessage(SendMessagePayload{ConversationID: "c1", SenderID: "u1", Content: "hello", MessageType: MessageText})
	s.SendReply(SendReplyPayload{ConversationID: "c1", SenderID: "u1", Content: "re", MessageType: MessageText, ReplyTo: "m1"})
	s.MarkMessagesAsRead("c1", "u1")
	s.EditMessage("m1", "edited", "u1")
	s.DeleteMessage("m2", "u1")
	s.AddUserToGroup("g1", "u5", "u1")
	s.LeaveGroup("g1", "u1")

	assert.Equal(t, `42["join_room",{"conversationId":"c1","userId":"u1"}]`, f.next(t, false))
	assert.Equal(t, `42["send_message",{"conversationId":"c1","senderId":"u1","content":"hello","messageType":"text"}]`, f.next(t, false))
	assert.Equal(t, `42["send_reply",{"conversationId":"c1","senderId":"u1","content":"re","messageType":"text","replyTo":"m1"}]`, f.next(t, false))
	assert.Equal(t, `42["mark_messages_as_read",{"conversationId":"c1","userId":"u1"}]`, f.next(t, false))
	assert.Equal(t, `42["edit_message",{"messageId":"m1","newContent":"edited","userId":"u1"}]`, f.next(t, false))
	assert.Equal(t, `42["delete_message",{"messageId":"m2","userId":"u1"}]`, f.next(t, false))
	assert.Equal(t, `42["add_user_to_group",{"conversationId":"g1","userId":"u5","addedBy":"u1"}]`, f.next(t, false))
	assert.Equal(t, `42["leave_group",{"conversationId":"g1","userId":"u1"}]`, f.next(t, false))
}

func TestSocketServiceDisconnect(t *testing.T) {
	f := newFakeSocketServer(t)
	log := &eventLog{}
	s, _ := connectService(t, f, testRealtimeConfig(), log)
	f.next(t, false) // user_join

	s.Disconnect()
	assert.Equal(t, `42["user_leave",{"userId":"u1"}]`, f.next(t, false))
	assert.Equal(t, "41", f.next(t, false))
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, 1, log.count(EventDisconnect))

	// Idempotent, and intents after disconnect are dropped.
	s.Disconnect()
	s.JoinRoom("c1", "u1")
	assert.Equal(t, 1, log.count(EventDisconnect))
	select {
	case frame := <-f.frames:
		t.Fatalf("unexpected frame after disconnect: %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSocketServiceConnectReplacesPriorConnection(t *testing.T) {
	f := newFakeSocketServer(t)
	log := &eventLog{}
	s, _ := connectService(t, f, testRealtimeConfig(), log)
	f.next(t, false) // user_join

	other := Identity{ID: "u2", Name: "Bruno"}
	require.NoError(t, s.Connect(context.Background(), other))
	f.conn(t)

	// The two sessions are read by different server goroutines.
	got := []string{f.next(t, false), f.next(t, false), f.next(t, false)}
	assert.ElementsMatch(t, []string{
		`42["user_leave",{"userId":"u1"}]`,
		"41",
		`42["user_join",{"userId":"u2","name":"Bruno","email":""}]`,
	}, got)
	assert.Equal(t, 2, log.count(EventConnect))
	assert.Equal(t, 1, log.count(EventDisconnect))
}

func TestSocketServiceConnectSupersedesInFlightDial(t *testing.T) {
	gate := make(chan struct{})
	f := newFakeSocketServer(t, func(f *fakeSocketServer) { f.holdFirst = gate })
	release := sync.OnceFunc(func() { close(gate) })
	t.Cleanup(release)

	log := &eventLog{}
	s := NewSocketService(f.srv.URL, testRealtimeConfig())
	s.On(EventConnect, log.handler(EventConnect))
	t.Cleanup(s.Disconnect)

	// A reconnect attempt that is already past its timer.
	s.mu.Lock()
	id := me
	s.identity = &id
	gen := s.dialGen
	s.mu.Unlock()
	staleErr := make(chan error, 1)
	go func() { staleErr <- s.dial(context.Background(), gen) }()
	<-f.auth

	require.NoError(t, s.Connect(context.Background(), me))
	<-f.auth
	f.conn(t)
	assert.Equal(t, "sock-2", s.SessionID())

	release()
	select {
	case err := <-staleErr:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("stale dial did not return")
	}

	assert.Equal(t, "sock-2", s.SessionID())
	assert.True(t, s.Connected())
	assert.Equal(t, 1, log.count(EventConnect))
}

func TestSocketServiceReconnectsAfterConnectionLoss(t *testing.T) {
	f := newFakeSocketServer(t)
	log := &eventLog{}
	cfg := testRealtimeConfig()
	cfg.AutoReconnect = Bool(true)
	s, c := connectService(t, f, cfg, log)
	<-f.auth
	f.next(t, false) // user_join

	c.Close(websocket.StatusGoingAway, "restart")

	assert.Equal(t, `40{"userId":"u1"}`, <-f.auth)
	f.conn(t)
	assert.JSONEq(t, `["user_join",{"userId":"u1","name":"Ana","email":"ana@corp.test"}]`, strings.TrimPrefix(f.next(t, false), "42"))
	require.Eventually(t, s.Connected, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return log.count(EventConnect) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, log.count(EventDisconnect))
	assert.Equal(t, "sock-2", s.SessionID())
}

func TestSocketServiceServerDisconnectDoesNotReconnect(t *testing.T) {
	f := newFakeSocketServer(t)
	log := &eventLog{}
	cfg := testRealtimeConfig()
	cfg.AutoReconnect = Bool(true)
	s, c := connectService(t, f, cfg, log)

	f.send(t, c, "41")
	require.Eventually(t, func() bool { return log.count(EventDisconnect) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return atomic.LoadInt32(&f.sessions) > 1 }, 200*time.Millisecond, 20*time.Millisecond)
	assert.False(t, s.Connected())
}

func TestSocketServiceWatchdogClosesSilentConnection(t *testing.T) {
	f := newFakeSocketServer(t, func(f *fakeSocketServer) {
		f.pingInterval = 60
		f.pingTimeout = 40
	})
	log := &eventLog{}
	s, _ := connectService(t, f, testRealtimeConfig(), log)

	require.Eventually(t, func() bool { return log.count(EventDisconnect) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSocketServiceEmitWhileDisconnectedIsDropped(t *testing.T) {
	s := NewSocketService("http://127.0.0.1:1", testRealtimeConfig())
	assert.NotPanics(t, func() {
		s.JoinRoom("c1", "u1")
		s.SendMessage(SendMessagePayload{ConversationID: "c1", SenderID: "u1", Content: "x"})
	})
	assert.Equal(t, StateDisconnected, s.State())
}
