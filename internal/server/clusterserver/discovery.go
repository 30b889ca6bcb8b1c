package clusterserver

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/memberlist"

	"github.com/yndnr/dps-go/internal/core/service"
)

// leaveTimeout bounds the wait for the leave broadcast.
const leaveTimeout = 5 * time.Second

// Member is a cluster node as seen through gossip.
type Member struct {
	ID         string
	GossipAddr string
	DPSAddr    netip.AddrPort
}

func (m Member) location() service.NodeLocation {
	return service.NodeLocation{ID: m.ID, Addr: m.DPSAddr}
}

// Discovery tracks cluster membership over memberlist.
type Discovery struct {
	memberList *memberlist.Memberlist
	logger     *slog.Logger

	mu       sync.RWMutex
	shutdown bool
	onJoin   func(Member)
	onLeave  func(nodeID string)
	onUpdate func(Member)
}

// DiscoveryConfig configures the discovery mechanism.
type DiscoveryConfig struct {
	// NodeID is the unique node identifier.
	NodeID string

	// BindAddr and BindPort are the gossip listen address. Port 0 picks a
	// free port.
	BindAddr string
	BindPort int

	// DPSAddr is where this node accepts DPS client traffic. It is carried
	// in the node metadata.
	DPSAddr netip.AddrPort

	// SecretKey enables gossip encryption. It must be 16, 24 or 32 bytes.
	SecretKey []byte

	Logger *slog.Logger
}

// NewDiscovery creates the local memberlist. Register callbacks, then call
// Join.
func NewDiscovery(cfg DiscoveryConfig) (*Discovery, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NodeID == "" {
		return nil, errors.New("clusterserver: node id is required")
	}

	d := &Discovery{
		logger: cfg.Logger.With("component", "discovery", "node_id", cfg.NodeID),
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	if len(cfg.SecretKey) > 0 {
		mlConfig.SecretKey = cfg.SecretKey
	}
	mlConfig.Delegate = &metadataDelegate{
		meta: NodeMeta{Version: NodeMetaVersion, DPSAddr: cfg.DPSAddr}.Marshal(),
	}
	mlConfig.Events = &eventDelegate{discovery: d}
	mlConfig.Logger = newMemberlistLogger(d.logger)

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	d.memberList = ml
	d.logger.Info("discovery started", "gossip_addr", d.localGossipAddr(), "dps_addr", cfg.DPSAddr)
	return d, nil
}

// Join contacts the seed nodes. An empty seed list starts a new cluster.
func (d *Discovery) Join(seeds []string) (int, error) {
	if len(seeds) == 0 {
		d.logger.Info("no seed nodes, running as first member")
		return 0, nil
	}
	n, err := d.memberList.Join(seeds)
	if err != nil {
		return n, fmt.Errorf("join seed nodes: %w", err)
	}
	d.logger.Info("joined cluster", "seed_nodes", seeds, "joined_count", n)
	return n, nil
}

// Members returns the live members, the local node included.
func (d *Discovery) Members() []Member {
	nodes := d.memberList.Members()
	out := make([]Member, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, d.member(n))
	}
	return out
}

// LocalMember returns the local node.
func (d *Discovery) LocalMember() Member {
	return d.member(d.memberList.LocalNode())
}

// GossipAddr returns the host:port other nodes use to join this one.
func (d *Discovery) GossipAddr() string {
	return d.localGossipAddr()
}

// OnJoin registers a callback for node join events.
func (d *Discovery) OnJoin(fn func(Member)) {
	d.mu.Lock()
	d.onJoin = fn
	d.mu.Unlock()
}

// OnLeave registers a callback for node leave events.
func (d *Discovery) OnLeave(fn func(nodeID string)) {
	d.mu.Lock()
	d.onLeave = fn
	d.mu.Unlock()
}

// OnUpdate registers a callback for metadata updates.
func (d *Discovery) OnUpdate(fn func(Member)) {
	d.mu.Lock()
	d.onUpdate = fn
	d.mu.Unlock()
}

// Leave broadcasts a graceful leave.
func (d *Discovery) Leave() error {
	if err := d.memberList.Leave(leaveTimeout); err != nil {
		d.logger.Error("failed to leave cluster", "error", err)
		return err
	}
	d.logger.Info("left cluster")
	return nil
}

// Shutdown stops gossip. It is safe to call more than once.
func (d *Discovery) Shutdown() error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true
	d.mu.Unlock()

	if err := d.memberList.Shutdown(); err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	d.logger.Info("discovery shutdown complete")
	return nil
}

func (d *Discovery) member(n *memberlist.Node) Member {
	m := Member{
		ID:         n.Name,
		GossipAddr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))),
	}
	if len(n.Meta) == 0 {
		return m
	}
	meta, err := UnmarshalNodeMeta(n.Meta)
	if err != nil {
		d.logger.Warn("ignoring node metadata", "peer", n.Name, "error", err)
		return m
	}
	m.DPSAddr = meta.DPSAddr
	return m
}

func (d *Discovery) localGossipAddr() string {
	if d.memberList == nil {
		return ""
	}
	n := d.memberList.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// eventDelegate implements memberlist.EventDelegate.
type eventDelegate struct {
	discovery *Discovery
}

func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d := e.discovery
	m := d.member(node)
	d.logger.Info("node joined", "peer", m.ID, "gossip_addr", m.GossipAddr, "dps_addr", m.DPSAddr)

	d.mu.RLock()
	fn := d.onJoin
	d.mu.RUnlock()
	if fn != nil {
		fn(m)
	}
}

func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d := e.discovery
	d.logger.Info("node left", "peer", node.Name, "addr", node.Addr.String())

	d.mu.RLock()
	fn := d.onLeave
	d.mu.RUnlock()
	if fn != nil {
		fn(node.Name)
	}
}

func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d := e.discovery
	m := d.member(node)
	d.logger.Debug("node updated", "peer", m.ID, "dps_addr", m.DPSAddr)

	d.mu.RLock()
	fn := d.onUpdate
	d.mu.RUnlock()
	if fn != nil {
		fn(m)
	}
}

// metadataDelegate publishes the node metadata. User messages and state
// exchange are not used.
type metadataDelegate struct {
	meta []byte
}

func (m *metadataDelegate) NodeMeta(limit int) []byte {
	if len(m.meta) > limit {
		return m.meta[:limit]
	}
	return m.meta
}

func (m *metadataDelegate) NotifyMsg([]byte)                           {}
func (m *metadataDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (m *metadataDelegate) LocalState(join bool) []byte                { return nil }
func (m *metadataDelegate) MergeRemoteState(buf []byte, join bool)     {}

// newMemberlistLogger returns a standard logger whose "[LEVEL] ..." lines
// are parsed by hclog and forwarded to logger.
func newMemberlistLogger(logger *slog.Logger) *log.Logger {
	hl := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:   "memberlist",
		Level:  hclog.Trace,
		Output: io.Discard,
	})
	hl.RegisterSink(&slogSink{logger: logger})
	return hl.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})
}

// slogSink adapts hclog output to slog.
type slogSink struct {
	logger *slog.Logger
}

func (s *slogSink) Accept(name string, level hclog.Level, msg string, args ...any) {
	args = append(args, "subsystem", name)
	switch level {
	case hclog.Trace, hclog.Debug:
		s.logger.Debug(msg, args...)
	case hclog.Warn:
		s.logger.Warn(msg, args...)
	case hclog.Error:
		s.logger.Error(msg, args...)
	default:
		s.logger.Info(msg, args...)
	}
}
