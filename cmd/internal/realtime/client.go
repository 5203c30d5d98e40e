package realtime

import "sync"

const defaultSendQueueSize = 64

// Client is one subscribed websocket connection.
//
// Send is never closed by the server so a concurrent Publish cannot panic;
// done tells the connection goroutines to stop.
type Client struct {
	ID      string
	OwnerID string
	Send    chan Event

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(ownerID, id string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &Client{
		ID:      id,
		OwnerID: ownerID,
		Send:    make(chan Event, sendQueueSize),
		done:    make(chan struct{}),
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals shutdown. Idempotent.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
