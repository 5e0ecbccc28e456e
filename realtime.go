package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Lifecycle pseudo-events delivered through On.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

var (
	errServerDisconnect = errors.New("server closed the socket")
	errDialSuperseded   = fmt.Errorf("%w: dial superseded by a newer connect or disconnect", ErrNotConnected)
)

// ============================================================================
// Transport
// ============================================================================

// EventHandler receives the raw JSON payload of one inbound event.
type EventHandler func(payload json.RawMessage)

// Transport is the realtime channel as seen by the Engine. Intents are fire-and-forget.
type Transport interface {
	On(event string, h EventHandler)

	JoinRoom(conversationID, userID string)
	LeaveRoom(conversationID, userID string)
	SendMessage(p SendMessagePayload)
	SendReply(p SendReplyPayload)
	StartTyping(conversationID, userID string)
	StopTyping(conversationID, userID string)
	MarkMessagesAsRead(conversationID, userID string)
	CreateGroup(p CreateGroupPayload)
	AddUserToGroup(conversationID, userID, addedBy string)
	LeaveGroup(conversationID, userID string)
	EditMessage(messageID, newContent, userID string)
	DeleteMessage(messageID, userID string)
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the socket service.
type RealtimeConfig struct {
	AutoReconnect        *bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	OutboundBuffer       int
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
	Metrics              *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.AutoReconnect == nil {
		on := true
		c.AutoReconnect = &on
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 20 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 256
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// Bool is a convenience for optional config flags.
func Bool(v bool) *bool { return &v }

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// SocketService
// ============================================================================

// SocketService owns one Socket.IO connection for one identity.
//
// Handlers registered with On are single-slot: registering again for the same
// event replaces the previous handler. Inbound events are dispatched in order on
// the read goroutine; outbound intents go through a bounded queue and are dropped
// (with a log line) when the queue is full or the socket is down.
type SocketService struct {
	url     string
	config  *RealtimeConfig
	log     zerolog.Logger
	metrics *Metrics

	mu               sync.Mutex
	conn             *websocket.Conn
	cancelFn         context.CancelFunc
	outbound         chan outboundPacket
	state            RealtimeState
	identity         *Identity
	intentionalClose bool
	stopReconnect    chan struct{}
	dialGen          uint64 // bumped by Disconnect; a dial only installs its conn for the current value
	sessionID        string
	lastPing         time.Time
	recon            *reconnector

	handlersMu sync.RWMutex
	handlers   map[string]EventHandler
}

type outboundPacket struct {
	event string
	frame string
}

// NewSocketService creates a socket service for the server at baseURL
// (http(s) or ws(s); the /socket.io/ endpoint is appended).
func NewSocketService(baseURL string, config *RealtimeConfig) *SocketService {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()

	log := zerolog.Nop()
	if config.Logger != nil {
		log = *config.Logger
	}
	wsURL, err := socketIOURL(baseURL)
	if err != nil {
		log.Error().Err(err).Str("url", baseURL).Msg("invalid realtime url")
		wsURL = baseURL
	}
	return &SocketService{
		url:      wsURL,
		config:   config,
		log:      log.With().Str("component", "socket").Logger(),
		metrics:  config.Metrics,
		state:    StateDisconnected,
		recon:    newReconnector(config),
		handlers: make(map[string]EventHandler),
	}
}

// On registers the handler for event, replacing any previous one.
func (s *SocketService) On(event string, h EventHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if h == nil {
		delete(s.handlers, event)
		return
	}
	s.handlers[event] = h
}

// State returns the current connection state.
func (s *SocketService) State() RealtimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the socket is live.
func (s *SocketService) Connected() bool {
	return s.State() == StateConnected
}

// SessionID returns the Socket.IO session id of the live connection.
func (s *SocketService) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Connect opens the connection for id, disposing any prior one first, and emits user_join.
func (s *SocketService) Connect(ctx context.Context, id Identity) error {
	if id.ID == "" {
		return ErrNoIdentity
	}
	s.Disconnect()

	s.mu.Lock()
	s.identity = &id
	s.intentionalClose = false
	s.stopReconnect = make(chan struct{})
	s.recon.reset()
	gen := s.dialGen
	s.mu.Unlock()

	return s.dial(ctx, gen)
}

// dial opens a connection on behalf of generation gen. It gives up without
// touching the live state once gen is stale.
func (s *SocketService) dial(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	if s.dialGen != gen {
		s.mu.Unlock()
		return errDialSuperseded
	}
	id := s.identity
	s.state = StateConnecting
	s.mu.Unlock()
	if id == nil {
		s.dialFailed(gen)
		return ErrNoIdentity
	}

	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPClient: s.config.HTTPClient})
	if err != nil {
		s.dialFailed(gen)
		return fmt.Errorf("websocket dial: %w", err)
	}

	open, sid, err := s.handshake(ctx, conn, *id)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		s.dialFailed(gen)
		return err
	}

	// The connection outlives the dial context.
	connCtx, cancel := context.WithCancel(context.Background())
	out := make(chan outboundPacket, s.config.OutboundBuffer)

	s.mu.Lock()
	if s.dialGen != gen || s.intentionalClose {
		s.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return errDialSuperseded
	}
	s.conn = conn
	s.cancelFn = cancel
	s.outbound = out
	s.state = StateConnected
	s.sessionID = sid
	s.lastPing = time.Now()
	s.recon.markConnected()
	s.mu.Unlock()

	s.log.Info().
		Str("user_id", id.ID).
		Str("sid", sid).
		Str("tag", uuid.NewString()).
		Msg("realtime connected")

	go s.writeLoop(connCtx, conn, out)
	if window := open.liveness(); window > 0 {
		go s.watchdog(connCtx, conn, window)
	}

	s.emit("user_join", id)
	s.fire(EventConnect, nil)

	go s.readLoop(connCtx, conn)
	return nil
}

// handshake reads the Engine.IO open packet, authenticates and waits for the CONNECT ack.
func (s *SocketService) handshake(ctx context.Context, conn *websocket.Conn, id Identity) (engineOpenPacket, string, error) {
	var open engineOpenPacket

	_, data, err := conn.Read(ctx)
	if err != nil {
		return open, "", fmt.Errorf("read open packet: %w", err)
	}
	pkt, err := decodeEnginePacket(string(data))
	if err != nil || pkt.Type != engineOpen {
		return open, "", fmt.Errorf("expected engine.io open packet, got %q", string(data))
	}
	if err := json.Unmarshal([]byte(pkt.Data), &open); err != nil {
		return open, "", fmt.Errorf("decode open packet: %w", err)
	}

	frame, err := encodeConnect(map[string]string{"userId": id.ID})
	if err != nil {
		return open, "", err
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		return open, "", fmt.Errorf("send connect: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return open, "", fmt.Errorf("await connect ack: %w", err)
		}
		pkt, err := decodeEnginePacket(string(data))
		if err != nil {
			continue
		}
		switch pkt.Type {
		case enginePing:
			if err := conn.Write(ctx, websocket.MessageText, []byte{enginePong}); err != nil {
				return open, "", fmt.Errorf("send pong: %w", err)
			}
		case engineClose:
			return open, "", errServerDisconnect
		case engineMessage:
			sp, err := decodeSocketPacket(pkt.Data)
			if err != nil {
				continue
			}
			switch sp.Type {
			case socketConnect:
				var ack struct {
					SID string `json:"sid"`
				}
				_ = json.Unmarshal(sp.Data, &ack)
				if ack.SID == "" {
					ack.SID = open.SID
				}
				return open, ack.SID, nil
			case socketConnectError:
				return open, "", fmt.Errorf("connect rejected: %s", sp.connectError())
			}
		}
	}
}

// Disconnect emits user_leave, closes the socket and fires the disconnect slot.
// Calling it on a closed service is a no-op.
func (s *SocketService) Disconnect() {
	s.mu.Lock()
	s.intentionalClose = true
	s.dialGen++
	if s.stopReconnect != nil {
		close(s.stopReconnect)
		s.stopReconnect = nil
	}
	conn := s.conn
	cancel := s.cancelFn
	id := s.identity
	s.conn = nil
	s.cancelFn = nil
	s.outbound = nil
	s.sessionID = ""
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn == nil {
		return
	}

	ctx, done := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	if id != nil {
		if frame, err := encodeEvent("user_leave", userLeavePayload{UserID: id.ID}); err == nil {
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				s.log.Debug().Err(err).Msg("user_leave not delivered")
			} else {
				s.metrics.IntentEmitted("user_leave")
			}
		}
	}
	_ = conn.Write(ctx, websocket.MessageText, []byte{engineMessage, socketDisconnect})
	done()

	if cancel != nil {
		cancel()
	}
	conn.Close(websocket.StatusNormalClosure, "client disconnect")
	s.log.Info().Msg("realtime disconnected")
	s.fire(EventDisconnect, nil)
}

func (s *SocketService) dialFailed(gen uint64) {
	s.mu.Lock()
	if s.dialGen == gen {
		s.state = StateDisconnected
	}
	s.mu.Unlock()
}

// ============================================================================
// Loops
// ============================================================================

func (s *SocketService) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.connectionLost(conn, err, true)
			return
		}
		if err := s.handleFrame(ctx, conn, string(data)); err != nil {
			s.connectionLost(conn, err, !errors.Is(err, errServerDisconnect))
			return
		}
	}
}

func (s *SocketService) handleFrame(ctx context.Context, conn *websocket.Conn, frame string) error {
	pkt, err := decodeEnginePacket(frame)
	if err != nil {
		return nil
	}
	switch pkt.Type {
	case enginePing:
		s.mu.Lock()
		s.lastPing = time.Now()
		s.mu.Unlock()
		wctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
		defer cancel()
		if err := conn.Write(wctx, websocket.MessageText, []byte{enginePong}); err != nil {
			return fmt.Errorf("send pong: %w", err)
		}
	case engineClose:
		return errServerDisconnect
	case engineMessage:
		sp, err := decodeSocketPacket(pkt.Data)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping inbound packet")
			return nil
		}
		switch sp.Type {
		case socketEvent:
			name, payload, err := sp.event()
			if err != nil {
				s.log.Warn().Err(err).Msg("dropping inbound event")
				return nil
			}
			s.fire(name, payload)
		case socketDisconnect:
			return errServerDisconnect
		case socketConnectError:
			s.log.Error().Str("reason", sp.connectError()).Msg("server rejected namespace")
		}
	}
	return nil
}

func (s *SocketService) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan outboundPacket) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-out:
			wctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, []byte(p.frame))
			cancel()
			if err != nil {
				s.metrics.IntentDropped(p.event)
				s.log.Warn().Err(err).Str("event", p.event).Msg("emit failed")
				continue
			}
			s.metrics.IntentEmitted(p.event)
		}
	}
}

// watchdog closes the socket when the server stops pinging.
func (s *SocketService) watchdog(ctx context.Context, conn *websocket.Conn, window time.Duration) {
	tick := window / 4
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := s.conn == conn && time.Since(s.lastPing) > window
			s.mu.Unlock()
			if stale {
				s.log.Warn().Dur("window", window).Msg("no ping from server, closing")
				conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// connectionLost tears down conn if it is still the live connection and schedules a reconnect.
func (s *SocketService) connectionLost(conn *websocket.Conn, cause error, retry bool) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	cancel := s.cancelFn
	s.conn = nil
	s.cancelFn = nil
	s.outbound = nil
	s.sessionID = ""
	s.state = StateDisconnected
	reconnect := retry && !s.intentionalClose && *s.config.AutoReconnect && s.identity != nil
	stop := s.stopReconnect
	gen := s.dialGen
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	conn.Close(websocket.StatusGoingAway, "")
	s.log.Warn().Err(cause).Msg("realtime connection lost")
	s.fire(EventDisconnect, nil)

	if reconnect {
		go s.reconnectLoop(stop, gen)
	}
}

func (s *SocketService) reconnectLoop(stop <-chan struct{}, gen uint64) {
	for {
		s.mu.Lock()
		if s.dialGen != gen {
			s.mu.Unlock()
			return
		}
		if !s.recon.shouldReconnect() || s.intentionalClose {
			s.state = StateDisconnected
			s.mu.Unlock()
			s.log.Error().Msg("giving up on reconnect")
			return
		}
		delay := s.recon.nextDelay()
		attempt := s.recon.attempt
		s.state = StateReconnecting
		s.mu.Unlock()

		s.metrics.Reconnect()
		s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.DialTimeout)
		err := s.dial(ctx, gen)
		cancel()
		if err == nil || errors.Is(err, errDialSuperseded) {
			return
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
}

// ============================================================================
// Dispatch
// ============================================================================

func (s *SocketService) fire(event string, payload json.RawMessage) {
	s.handlersMu.RLock()
	h := s.handlers[event]
	s.handlersMu.RUnlock()

	if event != EventConnect && event != EventDisconnect {
		s.metrics.EventReceived(event)
	}
	if h == nil {
		s.log.Debug().Str("event", event).Msg("no handler")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("event", event).Msg("event handler panicked")
		}
	}()
	h(payload)
}

func (s *SocketService) emit(event string, data interface{}) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("emit failed")
		return
	}

	s.mu.Lock()
	out := s.outbound
	s.mu.Unlock()

	if out == nil {
		s.metrics.IntentDropped(event)
		s.log.Warn().Str("event", event).Msg("socket not connected, dropping intent")
		return
	}
	select {
	case out <- outboundPacket{event: event, frame: frame}:
		s.log.Debug().Str("event", event).Msg("emit")
	default:
		s.metrics.IntentDropped(event)
		s.log.Warn().Str("event", event).Msg("outbound queue full, dropping intent")
	}
}

// ============================================================================
// Outbound intents
// ============================================================================

func (s *SocketService) JoinRoom(conversationID, userID string) {
	s.emit("join_room", roomPayload{ConversationID: conversationID, UserID: userID})
}

func (s *SocketService) LeaveRoom(conversationID, userID string) {
	s.emit("leave_room", roomPayload{ConversationID: conversationID, UserID: userID})
}

func (s *SocketService) SendMessage(p SendMessagePayload) {
	s.emit("send_message", p)
}

func (s *SocketService) SendReply(p SendReplyPayload) {
	s.emit("send_reply", p)
}

func (s *SocketService) StartTyping(conversationID, userID string) {
	s.emit("typing_start", roomPayload{ConversationID: conversationID, UserID: userID})
}

func (s *SocketService) StopTyping(conversationID, userID string) {
	s.emit("typing_stop", roomPayload{ConversationID: conversationID, UserID: userID})
}

func (s *SocketService) MarkMessagesAsRead(conversationID, userID string) {
	s.emit("mark_messages_as_read", roomPayload{ConversationID: conversationID, UserID: userID})
}

func (s *SocketService) CreateGroup(p CreateGroupPayload) {
	s.emit("create_group", p)
}

func (s *SocketService) AddUserToGroup(conversationID, userID, addedBy string) {
	s.emit("add_user_to_group", addUserPayload{ConversationID: conversationID, UserID: userID, AddedBy: addedBy})
}

func (s *SocketService) LeaveGroup(conversationID, userID string) {
	s.emit("leave_group", roomPayload{ConversationID: conversationID, UserID: userID})
}

func (s *SocketService) EditMessage(messageID, newContent, userID string) {
	s.emit("edit_message", editMessagePayload{MessageID: messageID, NewContent: newContent, UserID: userID})
}

func (s *SocketService) DeleteMessage(messageID, userID string) {
	s.emit("delete_message", deleteMessagePayload{MessageID: messageID, UserID: userID})
}

var _ Transport = (*SocketService)(nil)
