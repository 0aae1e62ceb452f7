package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"coderoom/internal/models"
	"coderoom/internal/room"
	"coderoom/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Dispatcher carries client messages into the room they belong to.
type Dispatcher interface {
	SubmitDocument(ctx context.Context, roomID, connectionID string, baseRevision int64, content string) (models.DocumentUpdate, error)
	Publish(ctx context.Context, roomID, connectionID string, msg *models.ClientMessage) (models.Event, error)
	Leave(ctx context.Context, identity models.Identity, roomID, connectionID string) error
	Detach(sess *room.Session)
}

// Client is one websocket bound to one room connection. The room only ever
// sees the session's outbox; the client owns the socket.
type Client struct {
	conn     *websocket.Conn
	session  *room.Session
	identity models.Identity
	rooms    Dispatcher
	hub      *Hub
	stop     chan struct{}
	left     bool
}

func NewClient(conn *websocket.Conn, session *room.Session, identity models.Identity, rooms Dispatcher, hub *Hub) *Client {
	return &Client{
		conn:     conn,
		session:  session,
		identity: identity,
		rooms:    rooms,
		hub:      hub,
		stop:     make(chan struct{}),
	}
}

// Run starts both pumps and returns immediately.
func (c *Client) Run() {
	c.hub.Register(c)
	go c.WritePump()
	go c.ReadPump()
}

func (c *Client) ReadPump() {
	defer func() {
		close(c.stop)
		if !c.left {
			c.rooms.Detach(c.session)
		}
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	// Set read deadline and pong handler for connection health
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket error on %s: %v", c.session.Participant.ConnectionID, err)
			}
			return
		}
		var msg models.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(models.Frame{Type: models.FrameError, Error: "malformed message"})
			continue
		}
		if done := c.handle(&msg); done {
			return
		}
	}
}

func (c *Client) handle(msg *models.ClientMessage) (done bool) {
	ctx := context.Background()
	roomID := c.session.RoomID
	connectionID := c.session.Participant.ConnectionID

	switch msg.Type {
	case models.ClientDocSubmit:
		update, err := c.rooms.SubmitDocument(ctx, roomID, connectionID, msg.BaseRevision, msg.Content)
		if err != nil {
			c.reply(models.Frame{Type: models.FrameError, Revision: update.Revision, Error: err.Error()})
		}
	case models.ClientChat, models.ClientCursor:
		ev, err := c.rooms.Publish(ctx, roomID, connectionID, msg)
		if err != nil {
			c.reply(models.Frame{Type: models.FrameError, Error: err.Error()})
			break
		}
		if ev.Type == models.EventChat {
			c.reply(models.Frame{Type: models.FrameAck, Event: &ev})
		}
	case models.ClientLeave:
		// On success the outbox closes and the write pump ends the socket.
		c.left = true
		if err := c.rooms.Leave(ctx, c.identity, roomID, connectionID); err != nil {
			logger.Debug("Leave of %s: %v", connectionID, err)
			return true
		}
	default:
		c.reply(models.Frame{Type: models.FrameError, Error: "unknown message type " + string(msg.Type)})
	}
	return false
}

func (c *Client) reply(f models.Frame) {
	f.RoomID = c.session.RoomID
	c.session.Outbox.Push(f)
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	outbox := c.session.Outbox
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-outbox.Notify():
			if err := c.write(outbox.Drain()); err != nil {
				logger.Debug("Write error on %s: %v", c.session.Participant.ConnectionID, err)
				return
			}

		case <-outbox.Done():
			// Flush what was queued before the close, then say why.
			_ = c.write(outbox.Drain())
			reason := outbox.Reason()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode(reason), reason))
			if dropped := outbox.Dropped(); dropped > 0 {
				logger.Debug("Connection %s dropped %d events", c.session.Participant.ConnectionID, dropped)
			}
			return

		case <-c.stop:
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(frames []models.Frame) error {
	for _, f := range frames {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(f); err != nil {
			return err
		}
	}
	return nil
}

func closeCode(reason string) int {
	switch reason {
	case room.ReasonKicked:
		return websocket.ClosePolicyViolation
	case room.ReasonSlowConsumer, room.ReasonRoomReset:
		return websocket.CloseTryAgainLater
	}
	return websocket.CloseNormalClosure
}
