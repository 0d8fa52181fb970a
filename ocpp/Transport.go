package ocpp

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"cp_simulator/simulator"
)

// Subprotocol negotiated on connect.
const ocppSubprotocol = "ocpp1.6"

// Conn is one established transport session carrying OCPP-J text frames.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialOptions carries optional HTTP Basic auth credentials for the connect
// handshake.
type DialOptions struct {
	BasicAuthUser     string
	BasicAuthPassword string
}

// Dialer abstracts WebSocket connect so tests and alternative transports can
// stand in for the real thing.
type Dialer interface {
	Dial(url string, opts DialOptions) (Conn, error)
}

// WebSocketDialer connects over gorilla/websocket with the ocpp1.6
// subprotocol.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
}

func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{HandshakeTimeout: 10 * time.Second}
}

func (d *WebSocketDialer) Dial(url string, opts DialOptions) (Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{ocppSubprotocol},
		HandshakeTimeout: d.HandshakeTimeout,
	}
	header := http.Header{}
	if opts.BasicAuthUser != "" {
		credentials := base64.StdEncoding.EncodeToString(
			[]byte(opts.BasicAuthUser + ":" + opts.BasicAuthPassword))
		header.Set("Authorization", "Basic "+credentials)
	}
	ws, _, err := dialer.Dial(url, header)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// loggingConn records every frame in the charge point's session log before
// passing it through.
type loggingConn struct {
	conn Conn
	cp   *simulator.ChargePoint
}

func newLoggingConn(conn Conn, cp *simulator.ChargePoint) *loggingConn {
	return &loggingConn{conn: conn, cp: cp}
}

func (c *loggingConn) ReadMessage() ([]byte, error) {
	data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.cp.AppendLog("incoming", messageTypeOf(data), string(data), "success")
	return data, nil
}

func (c *loggingConn) WriteMessage(data []byte) error {
	c.cp.AppendLog("outgoing", messageTypeOf(data), string(data), "success")
	return c.conn.WriteMessage(data)
}

func (c *loggingConn) Close() error {
	return c.conn.Close()
}

// BuildConnectionURL joins a CSMS base URL and the charge point id.
func BuildConnectionURL(baseURL, chargePointID string) string {
	return strings.TrimRight(baseURL, "/") + "/" + chargePointID
}
