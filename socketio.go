package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Engine.IO v4 / Socket.IO v5 framing (websocket transport only)
// ============================================================================

const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
	engineUpgrade = '5'
	engineNoop    = '6'
)

const (
	socketConnect      = '0'
	socketDisconnect   = '1'
	socketEvent        = '2'
	socketAck          = '3'
	socketConnectError = '4'
)

var errMalformedPacket = errors.New("malformed socket.io packet")

// engineOpenPacket is the handshake document sent by the server right after the upgrade.
type engineOpenPacket struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// liveness is how long the client waits for a server ping before treating the link as dead.
func (o engineOpenPacket) liveness() time.Duration {
	if o.PingInterval <= 0 {
		return 0
	}
	return time.Duration(o.PingInterval+o.PingTimeout) * time.Millisecond
}

type enginePacket struct {
	Type byte
	Data string
}

func decodeEnginePacket(frame string) (enginePacket, error) {
	if frame == "" {
		return enginePacket{}, errMalformedPacket
	}
	return enginePacket{Type: frame[0], Data: frame[1:]}, nil
}

type socketPacket struct {
	Type      byte
	Namespace string
	AckID     int // -1 when absent
	Data      json.RawMessage
}

// decodeSocketPacket parses the payload of an Engine.IO message packet:
//
//	<type>[/<nsp>,][<ackId>][<json>]
func decodeSocketPacket(s string) (socketPacket, error) {
	if s == "" {
		return socketPacket{}, errMalformedPacket
	}
	p := socketPacket{Type: s[0], Namespace: "/", AckID: -1}
	rest := s[1:]

	// Binary packets carry an attachment count before '-'; they are not used by this channel.
	if p.Type == '5' || p.Type == '6' {
		return socketPacket{}, fmt.Errorf("%w: binary packets are not supported", errMalformedPacket)
	}

	if strings.HasPrefix(rest, "/") {
		i := strings.IndexByte(rest, ',')
		if i < 0 {
			p.Namespace = rest
			return p, nil
		}
		p.Namespace = rest[:i]
		rest = rest[i+1:]
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.Atoi(rest[:i])
		if err != nil {
			return socketPacket{}, fmt.Errorf("%w: ack id: %v", errMalformedPacket, err)
		}
		p.AckID = id
		rest = rest[i:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return socketPacket{}, fmt.Errorf("%w: invalid json payload", errMalformedPacket)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// event splits an EVENT packet into its name and first argument.
func (p socketPacket) event() (string, json.RawMessage, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil {
		return "", nil, fmt.Errorf("%w: event args: %v", errMalformedPacket, err)
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("%w: empty event", errMalformedPacket)
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name: %v", errMalformedPacket, err)
	}
	if len(args) == 1 {
		return name, nil, nil
	}
	return name, args[1], nil
}

// connectError extracts the message of a CONNECT_ERROR packet.
func (p socketPacket) connectError() string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(p.Data, &body) == nil && body.Message != "" {
		return body.Message
	}
	if len(p.Data) > 0 {
		return string(p.Data)
	}
	return "connection refused"
}

func encodeEvent(event string, data interface{}) (string, error) {
	args := []interface{}{event}
	if data != nil {
		args = append(args, data)
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", event, err)
	}
	return string([]byte{engineMessage, socketEvent}) + string(b), nil
}

func encodeConnect(auth interface{}) (string, error) {
	head := string([]byte{engineMessage, socketConnect})
	if auth == nil {
		return head, nil
	}
	b, err := json.Marshal(auth)
	if err != nil {
		return "", fmt.Errorf("encode connect: %w", err)
	}
	return head + string(b), nil
}

// socketIOURL turns a server base URL (http, https, ws or wss) into the websocket endpoint.
func socketIOURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/socket.io") {
		u.Path += "/socket.io/"
	} else {
		u.Path += "/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
