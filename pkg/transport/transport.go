// Package transport moves coin frames between nodes: over TCP in a
// deployment, or through an in-process Hub in tests and simulations.
package transport

import (
	"errors"

	"github.com/ryandielhenn/zephyrcoin/pkg/coin"
)

var (
	ErrUnknownPeer = errors.New("unknown peer address")
	ErrClosed      = errors.New("transport closed")
)

// Handler receives every decoded inbound message.
type Handler func(coin.Message)

// Sender delivers one message to the node listening at addr.
type Sender interface {
	Send(addr string, msg coin.Message) error
}
