package transport

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/ryandielhenn/zephyrcoin/internal/telemetry"
	"github.com/ryandielhenn/zephyrcoin/pkg/coin"
)

// DropFunc reports whether a message from one address to another should
// be discarded.
type DropFunc func(from, to string, msg coin.Message) bool

// Hub is an in-process network. Every message is encoded and decoded like
// on the wire and delivered on its own goroutine.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]Handler
	drop      DropFunc
	wg        sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]Handler)}
}

// Join attaches h at addr and returns a sender for that address.
func (h *Hub) Join(addr string, fn Handler) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endpoints[addr] = fn
	return &Endpoint{hub: h, addr: addr}
}

// Leave detaches addr; later sends to it fail.
func (h *Hub) Leave(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, addr)
}

func (h *Hub) SetDrop(fn DropFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = fn
}

// Wait blocks until every accepted message has been handled.
func (h *Hub) Wait() { h.wg.Wait() }

func (h *Hub) send(from, to string, msg coin.Message) error {
	buf, err := coin.Encode(msg)
	if err != nil {
		return err
	}
	in, err := coin.ReadFrame(bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind(), err)
	}
	h.mu.RLock()
	fn, ok := h.endpoints[to]
	drop := h.drop
	h.mu.RUnlock()
	if !ok {
		telemetry.SendErrors.WithLabelValues(msg.Kind().String()).Inc()
		return fmt.Errorf("send %s to %s: %w", msg.Kind(), to, ErrUnknownPeer)
	}
	if drop != nil && drop(from, to, msg) {
		return nil
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn(in)
	}()
	return nil
}

// Endpoint is one node's attachment to a Hub.
type Endpoint struct {
	hub  *Hub
	addr string
}

func (e *Endpoint) Addr() string { return e.addr }

func (e *Endpoint) Send(addr string, msg coin.Message) error {
	return e.hub.send(e.addr, addr, msg)
}
