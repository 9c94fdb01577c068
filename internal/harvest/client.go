package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/codefionn/captchaharvester/internal/logger"
	"github.com/codefionn/captchaharvester/internal/metrics"
	"github.com/codefionn/captchaharvester/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Client is one requester connection
type Client struct {
	ID     string
	server *Server
	conn   *websocket.Conn
	log    *logger.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
	// correlation ids of this connection's pending sessions
	pending map[string]int
}

func newClient(s *Server, conn *websocket.Conn) *Client {
	id := uuid.NewString()
	return &Client{
		ID:      id,
		server:  s,
		conn:    conn,
		log:     s.log.WithPrefix("conn-" + id[:8]),
		send:    make(chan []byte, s.cfg.SendBuffer),
		pending: make(map[string]int),
	}
}

// ReadPump reads frames until the connection fails
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.server.hub.Unregister(c)
		c.conn.Close()
		c.disconnected()
	}()

	c.conn.SetReadLimit(c.server.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("WebSocket read error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.log.Debug("Ignoring non-text frame")
			continue
		}

		c.log.Debug("WebSocket received: %s", message)
		c.handleMessage(ctx, message)
	}
}

// WritePump writes queued frames and keeps the connection alive
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("Failed to write message: %v", err)
				return
			}
			c.log.Debug("WebSocket sent: %s", message)

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	frame, err := ParseFrame(raw)
	if err != nil {
		c.log.Debug("Rejecting frame: %v", err)
		metrics.RecordFrame(metrics.Inbound, "malformed")
		c.Send(ErrorFrame(ErrInvalidMessageFormat))
		return
	}
	metrics.RecordFrame(metrics.Inbound, frame.Type)

	switch frame.Type {
	case MessageTypeCaptchaRequest:
		c.handleCaptchaRequest(ctx, frame.Data)
	default:
		c.log.Debug("Ignoring unknown message type: %q", frame.Type)
	}
}

func (c *Client) handleCaptchaRequest(ctx context.Context, data json.RawMessage) {
	payload, err := DecodeCaptchaRequest(data)
	if err != nil {
		c.log.Debug("Rejecting captcha request: %v", err)
		c.Send(ErrorFrame(ErrInvalidMessageFormat))
		return
	}

	req := payload.Request()
	// tracked before Create so a completion racing admission untracks it
	c.track(req.CorrelationID)
	s, err := c.server.registry.Create(req, c.sink(req.CorrelationID))
	if err != nil {
		c.untrack(req.CorrelationID)
		c.reject(req, err)
		return
	}
	metrics.RecordSessionCreated()
	c.log.Info("Captcha %s requested for %s", s.ID(), req.PageURL)

	if _, err := c.server.presenter.Present(ctx, req); err != nil {
		// the session already failed and the requester got its frame
		c.log.Warn("Captcha %s could not be presented: %v", s.ID(), err)
	}
}

func (c *Client) reject(req session.ChallengeRequest, err error) {
	var verr *session.ValidationError
	var derr *session.DuplicateIDError
	switch {
	case errors.As(err, &verr):
		c.log.Warn("Rejecting captcha request: %v", err)
		metrics.RecordRejected("validation")
		c.Send(ErrorFrame(ErrMissingFieldPrefix + verr.Field))
	case errors.As(err, &derr):
		c.log.Warn("Rejecting captcha request: %v", err)
		metrics.RecordRejected("duplicate")
		c.Send(ErrorFrame(ErrDuplicateCaptchaID))
	default:
		c.log.Error("Failed to create session %s: %v", req.CorrelationID, err)
		metrics.RecordRejected("internal")
		c.Send(ErrorFrame(ErrInvalidMessageFormat))
	}
}

// sink delivers the outcome of a session created by this connection
func (c *Client) sink(id string) session.Sink {
	admitted := time.Now()
	return func(o session.Outcome) {
		c.untrack(id)
		metrics.RecordOutcome(o.IsSolved(), string(o.Reason), time.Since(admitted).Seconds())
		c.log.Info("Captcha %s %s", id, o)
		c.Send(OutcomeFrame(o))
	}
}

// Send queues a frame. It never blocks: frames for a closed connection or
// a full buffer are dropped.
func (c *Client) Send(f OutboundFrame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		c.log.Error("Failed to marshal %s frame: %v", f.Type, err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.log.Debug("Dropping %s frame: connection closed", f.Type)
		metrics.RecordDroppedFrame()
		return false
	}

	select {
	case c.send <- data:
		metrics.RecordFrame(metrics.Outbound, f.Type)
		return true
	default:
		c.log.Warn("Send buffer full, dropping %s frame", f.Type)
		metrics.RecordDroppedFrame()
		return false
	}
}

// closeSend stops the write pump once the queued frames are written
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) track(id string) {
	c.mu.Lock()
	c.pending[id]++
	c.mu.Unlock()
}

func (c *Client) untrack(id string) {
	c.mu.Lock()
	if c.pending[id] <= 1 {
		delete(c.pending, id)
	} else {
		c.pending[id]--
	}
	c.mu.Unlock()
}

// Pending returns the correlation ids of this connection's pending sessions
func (c *Client) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	return ids
}

func (c *Client) disconnected() {
	ids := c.Pending()
	if len(ids) == 0 {
		return
	}
	if !c.server.cfg.CloseOnDisconnect {
		c.log.Info("Disconnected with %d pending captchas; keeping them open", len(ids))
		return
	}
	c.log.Info("Disconnected, closing %d pending captchas", len(ids))
	for _, id := range ids {
		c.server.presenter.Abandon(id)
	}
}
