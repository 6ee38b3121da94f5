package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/pliu/tandem/internal/chat"
	"github.com/pliu/tandem/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer; an envelope of the largest
	// message plus its metadata fits well within it.
	maxMessageSize = 128 * 1024
)

// Client is a websocket connection. It is the chat.Peer the registry sees.
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	session *chat.Session
	limiter *rate.Limiter
	timeout time.Duration
	log     *logrus.Entry
}

var _ chat.Peer = (*Client)(nil)

func (c *Client) ID() string { return c.id }

// Send queues a frame for the write pump. It never blocks.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which closes the connection; the read pump then
// fails and closes the session.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// readPump handles frames one at a time, in arrival order.
func (c *Client) readPump() {
	defer func() {
		c.session.Close()
		c.Close()
		c.conn.Close()
		c.log.Info("disconnected")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("read failed")
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.Send(protocol.ErrorFrame("rate limit exceeded"))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		c.session.HandleFrame(ctx, data)
		cancel()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
