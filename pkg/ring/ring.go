// Package ring is a consistent hash ring with virtual nodes. Node ids map
// to transport addresses; keys map to the first node clockwise of their
// hash.
package ring

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"
)

type Hasher func([]byte) uint32

const DefaultVirtualNodes = 128

type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> nodeID
	nodes    map[string]string // nodeID -> addr
}

func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = DefaultVirtualNodes
	}
	if h == nil {
		h = FNV32a
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string),
		nodes:    make(map[string]string),
	}
}

// Add inserts a node. Re-adding a known node updates its address only.
func (r *HashRing) Add(nodeID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[nodeID]; ok {
		r.nodes[nodeID] = addr
		return
	}
	r.nodes[nodeID] = addr
	r.place(nodeID)
	slices.Sort(r.points)
	r.points = slices.Compact(r.points)
}

func (r *HashRing) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[nodeID]; !ok {
		return
	}
	delete(r.nodes, nodeID)
	r.rebuild()
}

// Clear drops every node.
func (r *HashRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.nodes)
	clear(r.owners)
	r.points = r.points[:0]
}

// rebuild recomputes points from nodes.
func (r *HashRing) rebuild() {
	r.points = r.points[:0]
	clear(r.owners)
	for _, id := range slices.Sorted(maps.Keys(r.nodes)) {
		r.place(id)
	}
	slices.Sort(r.points)
	r.points = slices.Compact(r.points)
}

// place adds id's points. A point two ids hash to belongs to the smaller
// id, whatever order the ids arrived in.
func (r *HashRing) place(id string) {
	for i := 0; i < r.replicas; i++ {
		pt := r.hash(pointKey(id, i))
		if cur, ok := r.owners[pt]; !ok || id < cur {
			r.owners[pt] = id
		}
		r.points = append(r.points, pt)
	}
}

func (r *HashRing) Lookup(key []byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return ""
	}
	return r.owners[r.points[r.search(key)]]
}

// LookupN returns up to n distinct nodes for key, starting with its owner
// and walking clockwise.
func (r *HashRing) LookupN(key []byte, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := r.search(key)

	seen := make(map[string]struct{}, n)
	out := make([]string, 0, min(n, len(r.nodes)))
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		p := r.points[(idx+i)%len(r.points)]
		id := r.owners[p]
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// search returns the index of the first point >= hash(key), wrapping.
func (r *HashRing) search(key []byte) int {
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

func (r *HashRing) Addr(nodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.nodes[nodeID]
	return a, ok
}

// Nodes returns a copy of the nodeID -> addr table.
func (r *HashRing) Nodes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.nodes)
}

func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func Murmur3(b []byte) uint32 { return murmur3.Sum32(b) }

// HasherByName resolves a configured hash function name.
func HasherByName(name string) (Hasher, error) {
	switch name {
	case "", "fnv", "fnv32a":
		return FNV32a, nil
	case "murmur3":
		return Murmur3, nil
	}
	return nil, fmt.Errorf("unknown ring hash %q", name)
}

func pointKey(nodeID string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(nodeID), buf[:]...)
}
