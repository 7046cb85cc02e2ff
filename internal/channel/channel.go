// Package channel carries envelopes between the two peers. The channel is a
// key-value store of "current item per path": a put replaces the item, a
// delete removes it, and every subscriber of the path (the writer included)
// is told about the change. Delivery is at-least-once and unordered.
package channel

import (
	"context"
	"errors"

	"weathersync/internal/envelope"
)

// ErrTransportUnavailable is returned when the peer link cannot accept a put:
// not connected, timed out, or failing fast behind an open breaker.
var ErrTransportUnavailable = errors.New("channel: transport unavailable")

type ChangeType uint8

const (
	ChangeChanged ChangeType = iota + 1
	ChangeDeleted
)

func (t ChangeType) String() string {
	switch t {
	case ChangeChanged:
		return "changed"
	case ChangeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event describes one data change. Envelope is zero for ChangeDeleted.
// Retained is set when the event replays an item that was stored before the
// subscription was made, rather than a change seen while subscribed.
type Event struct {
	Path     string
	Type     ChangeType
	Envelope envelope.Envelope
	Retained bool
}

// Handler receives events on the transport's delivery goroutine and must not
// block it.
type Handler func(Event)

// Transport is one peer's link to the channel. Connect returns only once
// puts can be made and subscriptions are in place.
type Transport interface {
	Connect(ctx context.Context) error
	Put(ctx context.Context, path string, env envelope.Envelope) error
	Delete(ctx context.Context, path string) error
	Subscribe(path string, h Handler) error
	IsConnected() bool
	Disconnect()
}
