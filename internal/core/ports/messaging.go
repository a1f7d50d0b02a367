package ports

import (
	"errors"
	"time"
)

var ErrSourceClosed = errors.New("reply source closed")

// PushSocket is the one-way channel to a single module instance.
type PushSocket interface {
	Send(frame []byte) error
	Close() error
}

// PushDialer opens push sockets to module endpoints.
type PushDialer interface {
	Dial(endpoint string, sendDeadline time.Duration) (PushSocket, error)
}

// ReplySource yields frames published by module instances. Recv returns
// an error wrapping ErrSourceClosed once the source is closed.
type ReplySource interface {
	Recv() ([]byte, error)
	Close() error
}

// ReplySink accepts frames on behalf of the reply channel. Internal modules
// publish through it so their replies travel the same path as external ones.
type ReplySink interface {
	Deliver(frame []byte)
}
