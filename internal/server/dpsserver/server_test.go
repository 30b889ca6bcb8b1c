package dpsserver

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yndnr/dps-go/internal/core/domain"
	"github.com/yndnr/dps-go/internal/core/service"
	"github.com/yndnr/dps-go/internal/telemetry/metric"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) *Server {
	t.Helper()
	s := New(Config{ListenAddr: "127.0.0.1:0", Logger: quietLogger(), Metrics: metric.NewRegistry()})
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

// peer is a fake DPS client.
type peer struct {
	conn *net.UDPConn
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{conn: conn}
}

func (p *peer) addr() netip.AddrPort {
	return p.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (p *peer) recv(t *testing.T) (*Datagram, []byte) {
	t.Helper()
	buf := make([]byte, maxDatagramSize)
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := p.conn.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	d, err := Unmarshal(buf[:n])
	require.NoError(t, err)
	return d, append([]byte(nil), buf[:n]...)
}

func (p *peer) send(t *testing.T, to netip.AddrPort, d *Datagram) {
	t.Helper()
	_, err := p.conn.WriteToUDPAddrPort(d.Marshal(), to)
	require.NoError(t, err)
}

type fakeRetransmitter struct {
	mu      sync.Mutex
	entries map[uint32]*service.Message
	err     error
}

func (f *fakeRetransmitter) Queue(queryID uint32, msg *service.Message, size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.entries == nil {
		f.entries = make(map[uint32]*service.Message)
	}
	f.entries[queryID] = msg
	return nil
}

func (f *fakeRetransmitter) DeQueue(queryID uint32) (*service.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.entries[queryID]
	if !ok {
		return nil, domain.ErrQueryNotFound
	}
	delete(f.entries, queryID)
	return msg, nil
}

func (f *fakeRetransmitter) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// wireCheckRetransmitter records whether the datagram had already reached
// the peer when Queue ran.
type wireCheckRetransmitter struct {
	fakeRetransmitter
	peer     *peer
	onWire   bool
	queueRan bool
}

func (w *wireCheckRetransmitter) Queue(queryID uint32, msg *service.Message, size int) error {
	w.queueRan = true
	buf := make([]byte, maxDatagramSize)
	_ = w.peer.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := w.peer.conn.ReadFromUDPAddrPort(buf); err == nil {
		w.onWire = true
	}
	return w.fakeRetransmitter.Queue(queryID, msg, size)
}

type ack struct {
	queryID     uint32
	status      domain.Status
	replication bool
}

type fakeAcks chan ack

func (f fakeAcks) HandleAck(queryID uint32) { f <- ack{queryID: queryID} }
func (f fakeAcks) HandleReplicationAck(queryID uint32, status domain.Status) {
	f <- ack{queryID: queryID, status: status, replication: true}
}

func TestServer_SendBeforeStart(t *testing.T) {
	s := New(Config{Logger: quietLogger()})
	err := s.SendHeartbeat(context.Background(), netip.MustParseAddrPort("127.0.0.1:9"), 1, 1)
	require.ErrorIs(t, err, ErrNotStarted)
	assert.False(t, s.Addr().IsValid())
}

func TestServer_SendHeartbeat(t *testing.T) {
	s := startServer(t)
	p := newPeer(t)

	require.NoError(t, s.SendHeartbeat(context.Background(), p.addr(), 100, 42))
	d, _ := p.recv(t)
	assert.Equal(t, MsgHeartbeat, d.Type)
	assert.Equal(t, uint32(100), d.VNID)
	assert.Equal(t, uint32(42), d.QueryID)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.DatagramsSent.WithLabelValues("heartbeat")))
}

func TestServer_SendCanceled(t *testing.T) {
	s := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.SendHeartbeat(ctx, netip.MustParseAddrPort("127.0.0.1:9"), 1, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestServer_SendLocationReply(t *testing.T) {
	s := startServer(t)
	p := newPeer(t)

	err := s.SendEndpointLocationReply(context.Background(), service.LocationReply{
		Dest:       p.addr(),
		VNID:       100,
		Version:    4,
		PhysicalV4: []netip.Addr{netip.MustParseAddr("198.51.100.1")},
		PhysicalV6: []netip.Addr{netip.MustParseAddr("2001:db8::1")},
		MAC:        domain.MAC{2, 0, 0, 0, 0, 1},
		VIP:        netip.MustParseAddr("10.0.0.5"),
	})
	require.NoError(t, err)

	d, _ := p.recv(t)
	assert.Equal(t, MsgEndpointLocation, d.Type)
	assert.Equal(t, uint64(4), d.Version)
	assert.Len(t, d.Addrs, 2)
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), d.VIP)
}

func TestServer_ReliableSendQueuesForRetransmit(t *testing.T) {
	s := startServer(t)
	p := newPeer(t)
	rt := &fakeRetransmitter{}
	next := uint32(500)
	s.SetHooks(Hooks{
		NextQueryID: func() uint32 { next++; return next },
		Retransmit:  rt,
	})

	gw := []netip.Addr{netip.MustParseAddr("198.51.100.9")}
	require.NoError(t, s.SendGatewayUpdate(context.Background(), p.addr(), 100, gw))

	d, raw := p.recv(t)
	assert.Equal(t, MsgGatewayUpdate, d.Type)
	assert.Equal(t, uint32(501), d.QueryID)
	assert.Equal(t, gw, d.Addrs)

	rt.mu.Lock()
	msg := rt.entries[501]
	rt.mu.Unlock()
	require.NotNil(t, msg)
	assert.Equal(t, raw, msg.Payload)

	s.RetransmitData(msg)
	_, again := p.recv(t)
	assert.Equal(t, raw, again)
}

func TestServer_ReliableSendQueuesBeforeWrite(t *testing.T) {
	s := startServer(t)
	p := newPeer(t)
	rt := &wireCheckRetransmitter{peer: p}
	s.SetHooks(Hooks{NextQueryID: func() uint32 { return 77 }, Retransmit: rt})

	require.NoError(t, s.SendGatewayUpdate(context.Background(), p.addr(), 100, nil))
	require.True(t, rt.queueRan)
	assert.False(t, rt.onWire, "datagram written before it was queued")

	d, _ := p.recv(t)
	assert.Equal(t, uint32(77), d.QueryID)
	assert.Equal(t, 1, rt.len())
}

func TestServer_ReliableSendFailureDequeues(t *testing.T) {
	s := startServer(t)
	rt := &fakeRetransmitter{}
	s.SetHooks(Hooks{NextQueryID: func() uint32 { return 9 }, Retransmit: rt})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.SendGatewayUpdate(ctx, netip.MustParseAddrPort("127.0.0.1:9"), 100, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, rt.len(), "failed send left an entry behind")
}

func TestServer_ReliableSendSurvivesFullQueue(t *testing.T) {
	s := startServer(t)
	p := newPeer(t)
	s.SetHooks(Hooks{
		NextQueryID: func() uint32 { return 1 },
		Retransmit:  &fakeRetransmitter{err: domain.ErrRetransmitQueueFull},
	})

	err := s.SendPolicyUpdate(context.Background(), p.addr(), service.PolicyNotice{DomainID: 1, SrcVNID: 100, DstVNID: 100})
	require.NoError(t, err)
	d, _ := p.recv(t)
	assert.Equal(t, MsgPolicyUpdate, d.Type)
}

func TestServer_SendMessageAndFree(t *testing.T) {
	s := startServer(t)
	p := newPeer(t)

	msg := &service.Message{Dest: p.addr(), QueryID: 8, Payload: []byte("buffered")}
	s.SendMessageAndFree(msg, domain.StatusRetry)
	assert.Nil(t, msg.Payload)

	d, _ := p.recv(t)
	assert.Equal(t, MsgReply, d.Type)
	assert.Equal(t, uint32(8), d.QueryID)
	assert.Equal(t, domain.StatusRetry, d.Status)
	assert.Equal(t, []byte("buffered"), d.Payload)
}

func TestServer_DispatchesAcks(t *testing.T) {
	s := startServer(t)
	p := newPeer(t)
	acks := make(fakeAcks, 4)
	s.SetHooks(Hooks{Acks: acks})

	p.send(t, s.Addr(), &Datagram{Type: MsgAck, QueryID: 3})
	p.send(t, s.Addr(), &Datagram{Type: MsgReplicationAck, QueryID: 4, Status: domain.StatusInvalidVersion})

	for _, want := range []ack{
		{queryID: 3},
		{queryID: 4, status: domain.StatusInvalidVersion, replication: true},
	} {
		select {
		case got := <-acks:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("ack %d not dispatched", want.queryID)
		}
	}
}

func TestServer_DropsMalformed(t *testing.T) {
	s := startServer(t)
	p := newPeer(t)

	_, err := p.conn.WriteToUDPAddrPort([]byte{0xff, 0xff, 0xff}, s.Addr())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.TransportErrors.WithLabelValues("decode")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ShutdownTwice(t *testing.T) {
	s := New(Config{ListenAddr: "127.0.0.1:0", Logger: quietLogger()})
	require.NoError(t, s.Start())
	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestServer_EngineRoundTrip(t *testing.T) {
	s := startServer(t)
	p := newPeer(t)

	e := service.NewEngine(service.Config{Clock: clock.NewMock(), Logger: quietLogger()}, s, nil)
	s.SetHooks(Hooks{
		NextQueryID: e.Registry().NextQueryID,
		Retransmit:  e.Retransmit,
		Acks:        e,
	})
	e.Start()
	defer e.Stop()

	ctx := context.Background()
	require.NoError(t, e.AddDomain(ctx, 1))
	require.NoError(t, e.AddDVG(ctx, 1, 100))
	require.NoError(t, e.AddDVG(ctx, 1, 101))
	require.NoError(t, e.RegisterTunnel(ctx, 100, []netip.Addr{p.addr().Addr()}, p.addr().Port(), domain.ClientDoveSwitch))

	_, err := e.Policies.Add(ctx, &service.PolicyRequest{
		DomainID: 1,
		Traffic:  domain.TrafficUnicast,
		Type:     domain.PolicyConnectivity,
		SrcVNID:  100,
		DstVNID:  101,
		Action:   domain.EncodeAction(domain.ActionDrop),
	})
	require.NoError(t, err)

	d, _ := p.recv(t)
	require.Equal(t, MsgPolicyUpdate, d.Type)
	assert.Equal(t, uint32(101), d.DstVNID)
	require.Eventually(t, func() bool { return e.Retransmit.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	p.send(t, s.Addr(), &Datagram{Type: MsgAck, QueryID: d.QueryID})
	require.Eventually(t, func() bool { return e.Retransmit.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

type replicaFunc func(ctx context.Context, u *service.EndpointUpdate) domain.Status

func (f replicaFunc) HandleEndpointReplication(ctx context.Context, u *service.EndpointUpdate) domain.Status {
	return f(ctx, u)
}

type touches chan netip.Addr

func (t touches) HostTouch(addr netip.Addr) bool {
	t <- addr
	return true
}

func TestServer_SendEndpointReplication(t *testing.T) {
	s := startServer(t)
	p := newPeer(t)
	mac := domain.MAC{2, 0, 0, 0, 0, 7}

	err := s.SendEndpointReplication(context.Background(), p.addr(), 31, &service.EndpointUpdate{
		VNID:        100,
		MAC:         mac,
		TunnelIPs:   []netip.Addr{netip.MustParseAddr("198.51.100.1")},
		TunnelPort:  902,
		ClientType:  domain.ClientDoveSwitch,
		Transaction: domain.TransactionNormal,
		Version:     3,
		Operation:   domain.OpAdd,
		VIP:         netip.MustParseAddr("10.0.0.5"),
	})
	require.NoError(t, err)

	d, _ := p.recv(t)
	assert.Equal(t, MsgEndpointReplication, d.Type)
	assert.Equal(t, uint32(31), d.QueryID)
	assert.Equal(t, mac, d.MAC)
	assert.Equal(t, uint16(902), d.Port)
	assert.Equal(t, domain.ClientDoveSwitch, d.ClientType)
	assert.Equal(t, domain.OpAdd, d.Operation)
	assert.Equal(t, uint64(3), d.Version)
}

func TestServer_AnswersEndpointReplication(t *testing.T) {
	s := startServer(t)
	p := newPeer(t)
	got := make(chan service.EndpointUpdate, 1)
	s.SetHooks(Hooks{Replicas: replicaFunc(func(_ context.Context, u *service.EndpointUpdate) domain.Status {
		got <- *u
		return domain.StatusInvalidVersion
	})})

	p.send(t, s.Addr(), &Datagram{
		Type:      MsgEndpointReplication,
		QueryID:   12,
		VNID:      100,
		MAC:       domain.MAC{2, 0, 0, 0, 0, 1},
		Port:      902,
		Operation: domain.OpVIPAdd,
		Version:   2,
	})

	d, _ := p.recv(t)
	assert.Equal(t, MsgReplicationAck, d.Type)
	assert.Equal(t, uint32(12), d.QueryID)
	assert.Equal(t, domain.StatusInvalidVersion, d.Status)

	u := <-got
	assert.Equal(t, uint32(100), u.VNID)
	assert.Equal(t, uint16(902), u.TunnelPort)
	assert.Equal(t, domain.OpVIPAdd, u.Operation)
}

func TestServer_TouchesSender(t *testing.T) {
	s := startServer(t)
	p := newPeer(t)
	seen := make(touches, 2)
	s.SetHooks(Hooks{Liveness: seen})

	p.send(t, s.Addr(), &Datagram{Type: MsgHeartbeat, QueryID: 1})
	select {
	case addr := <-seen:
		assert.Equal(t, p.addr().Addr(), addr)
	case <-time.After(2 * time.Second):
		t.Fatal("sender not refreshed")
	}
}

// twoNodes is the cluster view of node a, which shares its domains with b.
type twoNodes struct {
	a, b service.NodeLocation
}

func (c twoNodes) LiveNodesForDomain(uint32) ([]service.NodeLocation, error) {
	return []service.NodeLocation{c.a, c.b}, nil
}
func (c twoNodes) ForwardingNodes(uint32) []service.NodeLocation { return nil }
func (c twoNodes) LocalNode() service.NodeLocation               { return c.a }

func TestServer_ReplicatesBetweenEngines(t *testing.T) {
	sa, sb := startServer(t), startServer(t)
	cl := twoNodes{
		a: service.NodeLocation{ID: "a", Addr: sa.Addr()},
		b: service.NodeLocation{ID: "b", Addr: sb.Addr()},
	}
	ea := service.NewEngine(service.Config{Clock: clock.NewMock(), Logger: quietLogger()}, sa, cl)
	eb := service.NewEngine(service.Config{Clock: clock.NewMock(), Logger: quietLogger()}, sb, nil)
	sa.SetHooks(Hooks{NextQueryID: ea.Registry().NextQueryID, Retransmit: ea.Retransmit, Acks: ea})
	sb.SetHooks(Hooks{NextQueryID: eb.Registry().NextQueryID, Retransmit: eb.Retransmit, Acks: eb, Replicas: eb})
	ea.Start()
	defer ea.Stop()
	eb.Start()
	defer eb.Stop()

	ctx := context.Background()
	for _, e := range []*service.Engine{ea, eb} {
		require.NoError(t, e.AddDomain(ctx, 1))
		require.NoError(t, e.AddDVG(ctx, 1, 100))
	}

	mac := domain.MAC{2, 0, 0, 0, 0, 1}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := ea.UpdateEndpoint(ctx, &service.EndpointUpdate{
		VNID:       100,
		MAC:        mac,
		TunnelIPs:  []netip.Addr{netip.MustParseAddr("198.51.100.1")},
		TunnelPort: 902,
		Operation:  domain.OpAdd,
		Version:    1,
	})
	require.NoError(t, err)

	info, err := eb.Endpoints.Get(ctx, 1, mac)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Version)
	assert.Zero(t, ea.Replication.Pending())
}
