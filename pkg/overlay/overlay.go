// Package overlay routes coin messages over a consistent hash ring of
// node ids. The node owning the ring position of a key is its root; the
// next distinct nodes clockwise form its replica set.
package overlay

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcoin/pkg/coin"
	"github.com/ryandielhenn/zephyrcoin/pkg/ids"
	"github.com/ryandielhenn/zephyrcoin/pkg/ring"
	"github.com/ryandielhenn/zephyrcoin/pkg/transport"
)

// Overlay implements coin.Overlay. Sends run on their own goroutines and
// never block the caller; failures are logged and left to request
// timeouts.
type Overlay struct {
	self   coin.NodeHandle
	ring   *ring.HashRing
	sender transport.Sender
	log    *zap.Logger

	mu      sync.RWMutex
	deliver transport.Handler

	wg sync.WaitGroup
}

var _ coin.Overlay = (*Overlay)(nil)

func New(self coin.NodeHandle, r *ring.HashRing, s transport.Sender, log *zap.Logger) *Overlay {
	if r == nil {
		r = ring.New(0, nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	o := &Overlay{self: self, ring: r, sender: s, log: log.Named("overlay")}
	r.Add(self.ID.String(), self.Addr)
	return o
}

// SetSender installs the transport used for remote nodes.
func (o *Overlay) SetSender(s transport.Sender) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sender = s
}

// SetDeliver installs the handler for messages addressed to this node.
func (o *Overlay) SetDeliver(fn transport.Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deliver = fn
}

// Deliver hands an inbound message to the local handler.
func (o *Overlay) Deliver(msg coin.Message) {
	o.mu.RLock()
	fn := o.deliver
	o.mu.RUnlock()
	if fn == nil {
		o.log.Warn("no handler installed, dropping message", zap.Stringer("kind", msg.Kind()))
		return
	}
	fn(msg)
}

func (o *Overlay) LocalHandle() coin.NodeHandle { return o.self }

func (o *Overlay) Ring() *ring.HashRing { return o.ring }

func (o *Overlay) AddPeer(h coin.NodeHandle) {
	o.ring.Add(h.ID.String(), h.Addr)
}

func (o *Overlay) RemovePeer(id ids.ID) {
	if id == o.self.ID {
		return
	}
	o.ring.Remove(id.String())
}

// SetPeers replaces the membership with peers plus this node.
func (o *Overlay) SetPeers(peers []coin.NodeHandle) {
	o.ring.Clear()
	o.ring.Add(o.self.ID.String(), o.self.Addr)
	for _, p := range peers {
		o.AddPeer(p)
	}
}

// Peers lists known nodes, this one included.
func (o *Overlay) Peers() []coin.NodeHandle {
	nodes := o.ring.Nodes()
	out := make([]coin.NodeHandle, 0, len(nodes))
	for s, addr := range nodes {
		id, err := ids.Parse(s)
		if err != nil {
			continue
		}
		out = append(out, coin.NodeHandle{ID: id, Addr: addr})
	}
	return out
}

// Lookup resolves a node by hex id or by the name it was started with.
func (o *Overlay) Lookup(ref string) (coin.NodeHandle, bool) {
	if id, err := ids.Parse(ref); err == nil {
		if addr, ok := o.ring.Addr(id.String()); ok {
			return coin.NodeHandle{ID: id, Addr: addr}, true
		}
	}
	id := ids.FromName(ref)
	addr, ok := o.ring.Addr(id.String())
	if !ok {
		return coin.NodeHandle{}, false
	}
	return coin.NodeHandle{ID: id, Addr: addr}, true
}

// Owner is the root node for target.
func (o *Overlay) Owner(target ids.ID) (coin.NodeHandle, bool) {
	s := o.ring.Lookup(target[:])
	if s == "" {
		return coin.NodeHandle{}, false
	}
	return o.handle(s)
}

func (o *Overlay) Route(target ids.ID, msg coin.Message, hint *coin.NodeHandle) {
	var (
		to coin.NodeHandle
		ok bool
	)
	if hint != nil && !hint.IsZero() {
		to, ok = *hint, true
	} else {
		to, ok = o.Owner(target)
	}
	if !ok {
		o.log.Warn("no route", zap.Stringer("target", target), zap.Stringer("kind", msg.Kind()))
		return
	}
	o.SendDirect(to, msg)
}

func (o *Overlay) SendDirect(to coin.NodeHandle, msg coin.Message) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if to.ID == o.self.ID {
			o.Deliver(msg)
			return
		}
		o.mu.RLock()
		sender := o.sender
		o.mu.RUnlock()
		if sender == nil {
			o.log.Error("no transport installed", zap.Stringer("kind", msg.Kind()))
			return
		}
		if err := sender.Send(to.Addr, msg); err != nil {
			o.log.Warn("send failed",
				zap.Stringer("kind", msg.Kind()),
				zap.Int32("uid", msg.Head().UID),
				zap.Stringer("to", to),
				zap.Error(err),
			)
		}
	}()
}

func (o *Overlay) ReplicaSet(id ids.ID, count int) []coin.NodeHandle {
	names := o.ring.LookupN(id[:], count)
	out := make([]coin.NodeHandle, 0, len(names))
	for _, s := range names {
		if h, ok := o.handle(s); ok {
			out = append(out, h)
		}
	}
	return out
}

// Wait blocks until every send issued so far has finished.
func (o *Overlay) Wait() { o.wg.Wait() }

func (o *Overlay) handle(s string) (coin.NodeHandle, bool) {
	id, err := ids.Parse(s)
	if err != nil {
		o.log.Error("bad node id in ring", zap.String("id", s), zap.Error(err))
		return coin.NodeHandle{}, false
	}
	addr, ok := o.ring.Addr(s)
	if !ok {
		return coin.NodeHandle{}, false
	}
	return coin.NodeHandle{ID: id, Addr: addr}, true
}
