// Package session tracks live connections, their bound identity, and the
// broadcast rooms each connection currently observes.
package session

import (
	"fmt"
	"sync"
)

// Outbox is the bounded queue of encoded frames waiting to be written to one
// connection. The transport's write pump drains Frames.
type Outbox struct {
	sessionID string
	frames    chan []byte
	mu        sync.Mutex
	closed    bool
}

// NewOutbox creates an Outbox for the given session.
//
// Precondition: sessionID must be non-empty.
// Postcondition: Returns an Outbox with an open frames channel.
func NewOutbox(sessionID string, bufferSize int) *Outbox {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Outbox{
		sessionID: sessionID,
		frames:    make(chan []byte, bufferSize),
	}
}

// Push enqueues a frame without blocking.
//
// Postcondition: The frame is enqueued, or an error is returned if the outbox is closed or full.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("outbox %s is closed", o.sessionID)
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		return fmt.Errorf("outbox %s buffer full", o.sessionID)
	}
}

// Frames returns the read side of the queue. It is closed by Close.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Close closes the frames channel. Safe to call more than once.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
	return nil
}

// IsClosed reports whether the outbox has been closed.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
