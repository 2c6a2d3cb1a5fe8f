package chat

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 8192                // Maximum message size allowed from peer.
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub     *Hub
	gateway *Gateway
	ws      *websocket.Conn
	conn    *Conn
	log     *zap.Logger
}

func NewClient(hub *Hub, gateway *Gateway, ws *websocket.Conn, conn *Conn, log *zap.Logger) *Client {
	return &Client{
		hub:     hub,
		gateway: gateway,
		ws:      ws,
		conn:    conn,
		log:     log.With(zap.String("conn_id", conn.ID), zap.Int64("user_id", conn.UserID)),
	}
}

// ReadPump pumps frames from the websocket connection to the hub. Returning
// deregisters the connection, which also stops the write pump.
func (c *Client) ReadPump() {
	defer func() {
		c.gateway.Deregister(c.conn.ID)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.conn.Enqueue(errorFrame(ErrInvalidArgument, ""))
			continue
		}
		c.hub.Dispatch(c.conn.Context(), c.conn, f)
	}
}

// WritePump pumps frames from the connection's outbox to the websocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.conn.Done():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame := <-c.conn.Outbox():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.gateway.Deregister(c.conn.ID)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.gateway.Deregister(c.conn.ID)
				return
			}
		}
	}
}
