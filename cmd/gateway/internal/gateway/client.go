package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-popularity/cmd/gateway/internal/hub"
	"github.com/shubham-shewale/stock-popularity/cmd/gateway/internal/protocol"
)

const (
	maxMessageSize = 512 * 1024
)

var errMessageTooLarge = errors.New("message too large")

// ClientAdapter pumps one websocket connection. Only writePump writes to the
// connection; pongs are queued like any other frame.
type ClientAdapter struct {
	conn   net.Conn
	hub    *hub.Hub
	send   chan wsutil.Message
	logger *zap.Logger

	mu     sync.Mutex
	closed bool

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewClient(conn net.Conn, h *hub.Hub, logger *zap.Logger) *ClientAdapter {
	return &ClientAdapter{
		conn:       conn,
		hub:        h,
		send:       make(chan wsutil.Message, 256),
		logger:     logger.With(zap.String("client", conn.RemoteAddr().String())),
		writeWait:  5 * time.Second,
		pongWait:   60 * time.Second,
		pingPeriod: 50 * time.Second,
	}
}

func (c *ClientAdapter) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *ClientAdapter) ID() string { return c.conn.RemoteAddr().String() }

// Close only closes the queue; writePump closes the connection.
func (c *ClientAdapter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *ClientAdapter) SendJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to encode message", zap.Error(err))
		return
	}
	c.SendBytes(b)
}

func (c *ClientAdapter) SendBytes(b []byte) {
	c.enqueue(wsutil.Message{OpCode: ws.OpText, Payload: b})
}

func (c *ClientAdapter) enqueue(msg wsutil.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		// Drop message if buffer full (Backpressure)
	}
}

func (c *ClientAdapter) readPump() {
	defer c.hub.Unregister(c)

	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	rd := &wsutil.Reader{Source: c.conn, State: ws.StateServerSide, CheckUTF8: true}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}

		switch hdr.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			payload, err := io.ReadAll(rd)
			if err != nil {
				return
			}
			c.enqueue(wsutil.Message{OpCode: ws.OpPong, Payload: payload})
			continue
		case ws.OpPong:
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		case ws.OpText:
		default:
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}

		payload, err := readLimited(rd)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				c.logger.Warn("Msg too big, closing connection")
			}
			return
		}

		var req protocol.WSRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			c.SendJSON(protocol.WSResponse{Type: protocol.TypeError, Message: "Invalid JSON"})
			continue
		}
		for i, s := range req.Payload.Symbols {
			req.Payload.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
		}
		c.hub.HandleCommand(c, req)
	}
}

// readLimited reads one message, continuation frames included.
func readLimited(r io.Reader) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(r, maxMessageSize+1))
	if err != nil {
		return nil, err
	}
	if len(payload) > maxMessageSize {
		return nil, errMessageTooLarge
	}
	return payload, nil
}

func (c *ClientAdapter) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if !ok {
				c.conn.Write(ws.CompiledClose)
				return
			}
			if err := wsutil.WriteServerMessage(c.conn, msg.OpCode, msg.Payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
