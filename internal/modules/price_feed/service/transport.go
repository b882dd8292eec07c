package service

import (
	"context"
	"time"
)

// Transport is one live streaming connection. Receive blocks until a frame
// arrives or the connection fails; after Close it returns an error.
type Transport interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// Frame is a raw inbound payload stamped with the local receive time.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
}

type timer interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}
