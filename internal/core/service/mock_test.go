package service

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/yndnr/dps-go/internal/core/domain"
	"github.com/yndnr/dps-go/internal/telemetry/metric"
)

// mockTransport records every call made by the engine.
type mockTransport struct {
	mu sync.Mutex

	locationReplies []LocationReply
	heartbeats      []netip.AddrPort
	heartbeatIDs    []uint32
	policyUpdates   map[netip.AddrPort][]PolicyNotice
	gatewayUpdates  map[netip.AddrPort][][]netip.Addr
	resent          []*Message
	timedOut        []*Message
	replies         []sentReply
	replicated      []sentReplication

	failSends bool
}

type sentReplication struct {
	dest    netip.AddrPort
	queryID uint32
	update  EndpointUpdate
}

type sentReply struct {
	msg    *Message
	status domain.Status
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		policyUpdates:  make(map[netip.AddrPort][]PolicyNotice),
		gatewayUpdates: make(map[netip.AddrPort][][]netip.Addr),
	}
}

var errSend = errors.New("send failed")

func (m *mockTransport) SendEndpointLocationReply(ctx context.Context, reply LocationReply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSends {
		return errSend
	}
	m.locationReplies = append(m.locationReplies, reply)
	return nil
}

func (m *mockTransport) SendHeartbeat(ctx context.Context, dest netip.AddrPort, vnid, queryID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats = append(m.heartbeats, dest)
	m.heartbeatIDs = append(m.heartbeatIDs, queryID)
	return nil
}

func (m *mockTransport) SendPolicyUpdate(ctx context.Context, dest netip.AddrPort, notice PolicyNotice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyUpdates[dest] = append(m.policyUpdates[dest], notice)
	return nil
}

func (m *mockTransport) SendGatewayUpdate(ctx context.Context, dest netip.AddrPort, vnid uint32, gateways []netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gatewayUpdates[dest] = append(m.gatewayUpdates[dest], gateways)
	return nil
}

func (m *mockTransport) SendEndpointReplication(ctx context.Context, dest netip.AddrPort, queryID uint32, update *EndpointUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSends {
		return errSend
	}
	m.replicated = append(m.replicated, sentReplication{dest: dest, queryID: queryID, update: *update})
	return nil
}

func (m *mockTransport) RetransmitData(msg *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resent = append(m.resent, msg)
}

func (m *mockTransport) RetransmitTimeout(msg *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timedOut = append(m.timedOut, msg)
}

func (m *mockTransport) SendMessageAndFree(msg *Message, status domain.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, sentReply{msg: msg, status: status})
}

func (m *mockTransport) locations() []LocationReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LocationReply(nil), m.locationReplies...)
}

func (m *mockTransport) sentReplies() []sentReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentReply(nil), m.replies...)
}

func (m *mockTransport) policiesFor(dest netip.AddrPort) []PolicyNotice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PolicyNotice(nil), m.policyUpdates[dest]...)
}

func (m *mockTransport) gatewaysFor(dest netip.AddrPort) [][]netip.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]netip.Addr(nil), m.gatewayUpdates[dest]...)
}

func (m *mockTransport) replications() []sentReplication {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentReplication(nil), m.replicated...)
}

func (m *mockTransport) heartbeatDests() []netip.AddrPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]netip.AddrPort(nil), m.heartbeats...)
}

// mockCluster is a static ClusterDatabase.
type mockCluster struct {
	mu         sync.Mutex
	local      NodeLocation
	live       map[uint32][]NodeLocation
	forwarding map[uint32][]NodeLocation
	err        error
}

func newMockCluster() *mockCluster {
	return &mockCluster{
		local:      NodeLocation{ID: "local", Addr: netip.MustParseAddrPort("10.255.0.1:902")},
		live:       make(map[uint32][]NodeLocation),
		forwarding: make(map[uint32][]NodeLocation),
	}
}

func (c *mockCluster) LiveNodesForDomain(domainID uint32) ([]NodeLocation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.live[domainID], nil
}

func (c *mockCluster) ForwardingNodes(domainID uint32) []NodeLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forwarding[domainID]
}

func (c *mockCluster) setLive(domainID uint32, nodes ...NodeLocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live[domainID] = nodes
}

func (c *mockCluster) setForwarding(domainID uint32, nodes ...NodeLocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forwarding[domainID] = nodes
}

func (c *mockCluster) LocalNode() NodeLocation {
	return c.local
}

// testEngine builds a started engine on a mock clock.
type testEngine struct {
	*Engine
	transport *mockTransport
	cluster   *mockCluster
	clock     *clock.Mock
}

func newTestEngine(t *testing.T, mutate ...func(*Config)) *testEngine {
	t.Helper()

	mock := clock.NewMock()
	cfg := DefaultConfig()
	cfg.Clock = mock
	cfg.Metrics = metric.NewRegistry()
	for _, fn := range mutate {
		fn(&cfg)
	}

	tr := newMockTransport()
	cl := newMockCluster()
	e := NewEngine(cfg, tr, cl)
	// Work queues only; ticks are driven by hand.
	e.reg.Start()
	t.Cleanup(e.reg.Stop)

	return &testEngine{Engine: e, transport: tr, cluster: cl, clock: mock}
}

func (te *testEngine) flush() {
	te.reg.FlushQueues()
}

func mustMAC(t *testing.T, s string) domain.MAC {
	t.Helper()
	mac, err := domain.ParseMAC(s)
	if err != nil {
		t.Fatalf("ParseMAC(%q): %v", s, err)
	}
	return mac
}

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(ss))
	for _, s := range ss {
		out = append(out, netip.MustParseAddr(s))
	}
	return out
}
