package clusterserver

import (
	"encoding/binary"
	"slices"
	"sync"

	"github.com/spaolacci/murmur3"
)

// DefaultVirtualNodeCount is the number of ring points per node.
const DefaultVirtualNodeCount = 64

// DomainRing assigns domains to nodes by consistent hashing. Each node owns
// a number of virtual points on the ring; a domain is owned by the first
// distinct nodes found walking clockwise from the domain's hash.
type DomainRing struct {
	mu           sync.RWMutex
	virtualNodes int
	points       map[uint64]string
	sorted       []uint64
	nodes        map[string]struct{}
	version      uint64
}

// NewDomainRing creates an empty ring. A non-positive count uses
// DefaultVirtualNodeCount.
func NewDomainRing(virtualNodes int) *DomainRing {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodeCount
	}
	return &DomainRing{
		virtualNodes: virtualNodes,
		points:       make(map[uint64]string),
		nodes:        make(map[string]struct{}),
	}
}

// AddNode places a node on the ring. Adding a present node is a no-op.
func (r *DomainRing) AddNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; ok {
		return
	}
	r.nodes[nodeID] = struct{}{}
	for i := 0; i < r.virtualNodes; i++ {
		r.points[hashVirtualNode(nodeID, i)] = nodeID
	}
	r.rebuild()
}

// RemoveNode takes a node off the ring.
func (r *DomainRing) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; !ok {
		return
	}
	delete(r.nodes, nodeID)
	for i := 0; i < r.virtualNodes; i++ {
		h := hashVirtualNode(nodeID, i)
		if r.points[h] == nodeID {
			delete(r.points, h)
		}
	}
	r.rebuild()
}

// Owners returns up to n distinct nodes owning domainID, primary first.
func (r *DomainRing) Owners(domainID uint32, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.sorted) == 0 || n <= 0 {
		return nil
	}
	n = min(n, len(r.nodes))

	h := hashDomain(domainID)
	idx, _ := slices.BinarySearch(r.sorted, h)
	owners := make([]string, 0, n)
	for i := 0; i < len(r.sorted) && len(owners) < n; i++ {
		node := r.points[r.sorted[(idx+i)%len(r.sorted)]]
		if !slices.Contains(owners, node) {
			owners = append(owners, node)
		}
	}
	return owners
}

// Nodes returns the nodes on the ring, sorted.
func (r *DomainRing) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Version increases on every membership change.
func (r *DomainRing) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *DomainRing) rebuild() {
	r.sorted = r.sorted[:0]
	for h := range r.points {
		r.sorted = append(r.sorted, h)
	}
	slices.Sort(r.sorted)
	r.version++
}

func hashVirtualNode(nodeID string, index int) uint64 {
	h := murmur3.New64()
	h.Write([]byte(nodeID))
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(index))
	h.Write(idx[:])
	return h.Sum64()
}

func hashDomain(domainID uint32) uint64 {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], domainID)
	return murmur3.Sum64(b[:])
}
