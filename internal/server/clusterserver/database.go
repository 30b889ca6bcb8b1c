package clusterserver

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/yndnr/dps-go/internal/core/domain"
	"github.com/yndnr/dps-go/internal/core/service"
)

// DefaultReplicationFactor is the number of nodes that hold each domain.
const DefaultReplicationFactor = 3

// DatabaseConfig configures a Database.
type DatabaseConfig struct {
	Local             service.NodeLocation
	ReplicationFactor int
	VirtualNodes      int
	Logger            *slog.Logger
}

// Database is the node's view of the cluster: which members are alive,
// which of them own each domain, and which still receive forwarded updates
// after a domain was handed off.
//
// Database never calls into the engine, so it may be used while the
// registry lock is held.
type Database struct {
	ring              *DomainRing
	replicationFactor int
	local             service.NodeLocation
	logger            *slog.Logger

	mu         sync.RWMutex
	nodes      map[string]service.NodeLocation
	forwarding map[uint32]map[string]service.NodeLocation
}

var _ service.ClusterDatabase = (*Database)(nil)

// NewDatabase creates a database holding only the local node.
func NewDatabase(cfg DatabaseConfig) *Database {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = DefaultReplicationFactor
	}
	db := &Database{
		ring:              NewDomainRing(cfg.VirtualNodes),
		replicationFactor: cfg.ReplicationFactor,
		local:             cfg.Local,
		logger:            cfg.Logger.With("component", "cluster_db"),
		nodes:             make(map[string]service.NodeLocation),
		forwarding:        make(map[uint32]map[string]service.NodeLocation),
	}
	db.NodeJoined(cfg.Local)
	return db
}

// Attach follows the membership of d. Members already known to d are
// added immediately.
func (db *Database) Attach(d *Discovery) {
	d.OnJoin(db.memberJoined)
	d.OnUpdate(db.memberJoined)
	d.OnLeave(db.NodeLeft)
	for _, m := range d.Members() {
		db.memberJoined(m)
	}
}

func (db *Database) memberJoined(m Member) {
	if !m.DPSAddr.IsValid() {
		db.logger.Warn("member has no DPS address, not used for replication", "peer", m.ID)
		return
	}
	db.NodeJoined(m.location())
}

// NodeJoined adds or refreshes a live node.
func (db *Database) NodeJoined(loc service.NodeLocation) {
	db.mu.Lock()
	_, known := db.nodes[loc.ID]
	db.nodes[loc.ID] = loc
	db.mu.Unlock()

	db.ring.AddNode(loc.ID)
	if !known {
		db.logger.Info("node added", "peer", loc.ID, "addr", loc.Addr)
	}
}

// NodeLeft removes a node from the live set and from every forwarding set.
// The local node is never removed.
func (db *Database) NodeLeft(nodeID string) {
	if nodeID == db.local.ID {
		return
	}
	db.mu.Lock()
	delete(db.nodes, nodeID)
	for domainID, set := range db.forwarding {
		delete(set, nodeID)
		if len(set) == 0 {
			delete(db.forwarding, domainID)
		}
	}
	db.mu.Unlock()

	db.ring.RemoveNode(nodeID)
	db.logger.Info("node removed", "peer", nodeID)
}

// LiveNodesForDomain returns the live owners of domainID, primary first.
func (db *Database) LiveNodesForDomain(domainID uint32) ([]service.NodeLocation, error) {
	owners := db.ring.Owners(domainID, db.replicationFactor)

	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]service.NodeLocation, 0, len(owners))
	for _, id := range owners {
		if loc, ok := db.nodes[id]; ok {
			out = append(out, loc)
		}
	}
	if len(out) == 0 {
		return nil, domain.ErrNoLiveNodes.WithDetails(fmt.Sprintf("domain %d", domainID))
	}
	return out, nil
}

// OwnsDomain reports whether the local node is among the owners.
func (db *Database) OwnsDomain(domainID uint32) bool {
	return slices.Contains(db.ring.Owners(domainID, db.replicationFactor), db.local.ID)
}

// ForwardingNodes returns the nodes still receiving forwarded updates for
// domainID, sorted by id.
func (db *Database) ForwardingNodes(domainID uint32) []service.NodeLocation {
	db.mu.RLock()
	defer db.mu.RUnlock()

	set := db.forwarding[domainID]
	if len(set) == 0 {
		return nil
	}
	out := make([]service.NodeLocation, 0, len(set))
	for _, loc := range set {
		out = append(out, loc)
	}
	slices.SortFunc(out, func(a, b service.NodeLocation) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// SetForwarding marks node as receiving forwarded updates for domainID
// until ClearForwarding is called.
func (db *Database) SetForwarding(domainID uint32, node service.NodeLocation) {
	db.mu.Lock()
	defer db.mu.Unlock()

	set, ok := db.forwarding[domainID]
	if !ok {
		set = make(map[string]service.NodeLocation)
		db.forwarding[domainID] = set
	}
	set[node.ID] = node
	db.logger.Info("forwarding enabled", "domain_id", domainID, "peer", node.ID)
}

// ClearForwarding ends forwarding for domainID.
func (db *Database) ClearForwarding(domainID uint32) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.forwarding[domainID]; ok {
		delete(db.forwarding, domainID)
		db.logger.Info("forwarding cleared", "domain_id", domainID)
	}
}

// LocalNode returns this node's location.
func (db *Database) LocalNode() service.NodeLocation {
	return db.local
}

// Nodes returns the live nodes sorted by id.
func (db *Database) Nodes() []service.NodeLocation {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]service.NodeLocation, 0, len(db.nodes))
	for _, loc := range db.nodes {
		out = append(out, loc)
	}
	slices.SortFunc(out, func(a, b service.NodeLocation) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
