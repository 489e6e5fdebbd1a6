package websocket

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/config"
	"github.com/cory-johannsen/parley/internal/session"
)

// conn pumps frames between one websocket and its session.
type conn struct {
	ws      *websocket.Conn
	sess    *session.Session
	cfg     config.WebSocketConfig
	handler SessionHandler
	limiter *rateLimiter
	logger  *zap.Logger
}

// serve runs the pumps until the peer goes away or the handler rejects a
// frame, then disconnects the session.
//
// Postcondition: The session is disconnected and the socket closed.
func (c *conn) serve(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	err := c.readPump(ctx)
	switch {
	case err == nil:
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Debug("peer closed connection", zap.String("session_id", c.sess.ID()))
	default:
		c.logger.Debug("read pump ended", zap.String("session_id", c.sess.ID()), zap.Error(err))
	}

	// Disconnect closes the outbox, which stops the writer.
	c.handler.Disconnect(context.WithoutCancel(ctx), c.sess)
	<-writerDone
	c.ws.Close()
}

func (c *conn) readPump(ctx context.Context) error {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		kind, raw, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		if kind != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "text frames only")
			return errBinaryFrame
		}
		if !c.limiter.allow() {
			c.logger.Warn("rate limit exceeded, frame dropped", zap.String("session_id", c.sess.ID()))
			continue
		}
		if err := c.handler.Handle(ctx, c.sess, raw); err != nil {
			c.closeWith(websocket.CloseInvalidFramePayloadData, "malformed frame")
			return err
		}
	}
}

var errBinaryFrame = errors.New("binary frame received")

func (c *conn) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(c.cfg.WriteTimeout))
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	frames := c.sess.Outbox().Frames()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				c.closeWith(websocket.CloseNormalClosure, "")
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", zap.String("session_id", c.sess.ID()), zap.Error(err))
				// Unblock the reader so the session is torn down.
				c.ws.Close()
				drain(frames)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.ws.Close()
				drain(frames)
				return
			}
		}
	}
}

// drain discards frames until the outbox is closed.
func drain(frames <-chan []byte) {
	for range frames {
	}
}
