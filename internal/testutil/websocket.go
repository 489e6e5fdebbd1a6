package testutil

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is any server-to-client frame: an ack, an error, or a broadcast.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// WSClient is a websocket test client speaking the chat frame protocol.
type WSClient struct {
	conn    *websocket.Conn
	t       *testing.T
	seq     int
	pending []Frame
}

// WSURL converts an httptest server URL plus path to a ws:// URL.
func WSURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

// DialWS connects to url, presenting token as a bearer token when non-empty.
//
// Precondition: url must use the ws or wss scheme.
// Postcondition: Returns a connected WSClient or fails the test.
func DialWS(t *testing.T, url, token string, header http.Header) *WSClient {
	t.Helper()
	conn, err := TryDialWS(url, token, header)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return &WSClient{conn: conn, t: t}
}

// TryDialWS dials without failing the test, for handshake rejection cases.
func TryDialWS(url, token string, header http.Header) (*websocket.Conn, error) {
	if header == nil {
		header = http.Header{}
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// SendRaw writes one text frame as-is.
func (c *WSClient) SendRaw(raw []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.t.Fatalf("writing frame: %v", err)
	}
}

// Send writes a request frame with a fresh id and returns the id.
func (c *WSClient) Send(event string, data any) string {
	c.t.Helper()
	c.seq++
	id := strconv.Itoa(c.seq)
	raw, err := json.Marshal(map[string]any{"event": event, "id": id, "data": data})
	if err != nil {
		c.t.Fatalf("encoding %s request: %v", event, err)
	}
	c.SendRaw(raw)
	return id
}

// ReadFrame reads the next frame, failing the test on timeout.
func (c *WSClient) ReadFrame(timeout time.Duration) Frame {
	c.t.Helper()
	f, err := c.readFrame(timeout)
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	return f
}

func (c *WSClient) readFrame(timeout time.Duration) (Frame, error) {
	if len(c.pending) > 0 {
		f := c.pending[0]
		c.pending = c.pending[1:]
		return f, nil
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Request sends a frame and waits for its ack. Frames that arrive first are
// kept for later ReadFrame calls.
func (c *WSClient) Request(event string, data any, timeout time.Duration) Frame {
	c.t.Helper()
	id := c.Send(event, data)
	var skipped []Frame
	defer func() { c.pending = append(c.pending, skipped...) }()

	deadline := time.Now().Add(timeout)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("waiting for ack of %s: %v", event, err)
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.t.Fatalf("decoding frame: %v", err)
		}
		if f.Event == "ack" && f.ID == id {
			return f
		}
		skipped = append(skipped, f)
	}
}

// WaitEvent returns the next frame named event, discarding others.
func (c *WSClient) WaitEvent(event string, timeout time.Duration) Frame {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		f, err := c.readFrame(time.Until(deadline))
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", event, err)
		}
		if f.Event == event {
			return f
		}
	}
}

// ExpectClose reads until the server closes the connection and returns the
// close code, or -1 if the connection ended without a close frame.
func (c *WSClient) ExpectClose(timeout time.Duration) int {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			c.t.Fatalf("connection still open after %s", timeout)
		}
		return -1
	}
}

// Close sends a normal close frame and closes the connection.
func (c *WSClient) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
}

// TryReadFrame reads the next frame, returning the error instead of failing.
func (c *WSClient) TryReadFrame(timeout time.Duration) (Frame, error) {
	return c.readFrame(timeout)
}
