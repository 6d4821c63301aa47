package node

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcoin/pkg/coin"
	"github.com/ryandielhenn/zephyrcoin/pkg/ids"
	"github.com/ryandielhenn/zephyrcoin/pkg/overlay"
	"github.com/ryandielhenn/zephyrcoin/pkg/registry"
)

// Node serves the HTTP API of one coin node.
type Node struct {
	engine  *coin.Engine
	overlay *overlay.Overlay
	name    string
	log     *zap.Logger

	// Timeout bounds how long a handler waits for an operation.
	Timeout time.Duration

	mu      sync.RWMutex
	members map[string]registry.Member
}

func NewNode(name string, e *coin.Engine, ov *overlay.Overlay, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{
		engine:  e,
		overlay: ov,
		name:    name,
		log:     log.Named("http"),
		Timeout: coin.DefaultMessageTimeout + 5*time.Second,
		members: make(map[string]registry.Member),
	}
}

// AddPeer adds m to the overlay and remembers its HTTP address.
func (n *Node) AddPeer(m registry.Member) {
	id, err := ids.Parse(m.ID)
	if err != nil {
		n.log.Warn("ignoring peer with bad id", zap.String("id", m.ID), zap.Error(err))
		return
	}
	n.overlay.AddPeer(coin.NodeHandle{ID: id, Addr: m.Addr})
	n.mu.Lock()
	n.members[m.ID] = m
	n.mu.Unlock()
}

// SetPeers replaces the membership.
func (n *Node) SetPeers(members map[string]registry.Member) {
	handles := make([]coin.NodeHandle, 0, len(members))
	kept := make(map[string]registry.Member, len(members))
	for key, m := range members {
		id, err := ids.Parse(m.ID)
		if err != nil {
			n.log.Warn("ignoring peer with bad id", zap.String("id", key), zap.Error(err))
			continue
		}
		handles = append(handles, coin.NodeHandle{ID: id, Addr: m.Addr})
		kept[m.ID] = m
	}
	n.overlay.SetPeers(handles)
	n.mu.Lock()
	n.members = kept
	n.mu.Unlock()
	n.log.Info("membership updated", zap.Int("peers", len(kept)))
}

// Peers lists known members sorted by id.
func (n *Node) Peers() []registry.Member {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := slices.Collect(maps.Values(n.members))
	slices.SortFunc(out, func(a, b registry.Member) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (n *Node) Name() string { return n.name }

func (n *Node) Handle() coin.NodeHandle { return n.engine.Local() }
