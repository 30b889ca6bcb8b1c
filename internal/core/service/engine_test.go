package service

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yndnr/dps-go/internal/core/domain"
	"github.com/yndnr/dps-go/internal/core/registry"
)

func TestEngineTickersDriveExpiry(t *testing.T) {
	mock := clock.NewMock()
	tr := newMockTransport()
	e := NewEngine(Config{Clock: mock}, tr, newMockCluster())
	e.Start()
	defer e.Stop()
	require.True(t, e.Running())

	ctx := context.Background()
	require.NoError(t, e.AddDomain(ctx, 1))
	require.NoError(t, e.AddDVG(ctx, 1, 100))
	mac := domain.MAC{2, 0, 0, 0, 0, 1}
	_, err := e.Endpoints.Update(ctx, &EndpointUpdate{
		VNID: 100, MAC: mac, TunnelIPs: []netip.Addr{hostA}, TunnelPort: 902,
		Operation: domain.OpAdd, Version: 1,
	})
	require.NoError(t, err)
	_, err = e.Endpoints.Update(ctx, &EndpointUpdate{VNID: 100, MAC: mac, Operation: domain.OpDelete})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		_, err := e.Endpoints.Get(ctx, 1, mac)
		return err != nil
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, e.Stats().Endpoints)
}

func TestEngineStartStopIdempotent(t *testing.T) {
	e := NewEngine(Config{Clock: clock.NewMock()}, newMockTransport(), newMockCluster())
	e.Stop()
	e.Start()
	e.Start()
	e.Stop()
	e.Stop()
	assert.False(t, e.Running())
}

func TestEngineRestartAcceptsWork(t *testing.T) {
	e := NewEngine(Config{Clock: clock.NewMock()}, newMockTransport(), newMockCluster())
	e.Start()
	e.Stop()
	e.Start()
	defer e.Stop()
	require.True(t, e.Running())

	done := make(chan struct{})
	require.True(t, e.Registry().Enqueue(registry.QueueAddressResolution, func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("work queued after restart never ran")
	}
}

func TestEngineRemoveDomain(t *testing.T) {
	te := newTestEngine(t)
	setupTopology(t, te)
	ctx := context.Background()
	addEndpoint(t, te, vnidA, mustMAC(t, "02:00:00:00:00:01"), hostA, "10.0.0.1", 1)
	addEndpoint(t, te, vnidB, mustMAC(t, "02:00:00:00:00:02"), hostB, "10.0.0.2", 1)

	require.NoError(t, te.RemoveDomain(ctx, testDomain))
	assert.Zero(t, te.Stats().Endpoints)
	assert.Empty(t, te.Stats().Domains)

	assert.ErrorIs(t, te.RemoveDomain(ctx, testDomain), domain.ErrDomainNotFound)
	assert.ErrorIs(t, te.AddDVG(ctx, testDomain, 300), domain.ErrDomainNotFound)

	// The VNIDs are free for reuse.
	require.NoError(t, te.AddDomain(ctx, 2))
	require.NoError(t, te.AddDVG(ctx, 2, vnidA))
}

func TestEngineRegisterGatewayTunnel(t *testing.T) {
	te := newTestEngine(t)
	setupTopology(t, te)
	ctx := context.Background()
	addEndpoint(t, te, vnidA, mustMAC(t, "02:00:00:00:00:01"), hostA, "", 1)

	gw := netip.MustParseAddr("198.51.100.50")
	require.NoError(t, te.RegisterTunnel(ctx, vnidA, []netip.Addr{gw}, 902, domain.ClientExternalGateway))
	te.flush()

	updates := te.transport.gatewaysFor(netip.AddrPortFrom(hostA, 902))
	require.Len(t, updates, 1)
	assert.Equal(t, []netip.Addr{gw}, updates[0])

	require.NoError(t, te.UnregisterTunnel(ctx, testDomain, gw))
	te.flush()
	updates = te.transport.gatewaysFor(netip.AddrPortFrom(hostA, 902))
	require.Len(t, updates, 2)
	assert.Empty(t, updates[1])

	assert.ErrorIs(t, te.UnregisterTunnel(ctx, testDomain, gw), domain.ErrTunnelNotFound)
}

func TestEngineStats(t *testing.T) {
	te := newTestEngine(t)
	setupTopology(t, te)
	ctx := context.Background()
	addEndpoint(t, te, vnidA, mustMAC(t, "02:00:00:00:00:01"), hostA, "", 1)
	require.NoError(t, te.Resolution.ProcessLookupNotFound(ctx, clientA, vnidA, vip2))
	require.NoError(t, te.Retransmit.Queue(5, &Message{}, 40))
	_, err := te.Hosts.HostAdd(ctx, testDomain, switchHost, domain.ClientDoveSwitch)
	require.NoError(t, err)

	s := te.Stats()
	require.Len(t, s.Domains, 1)
	d := s.Domains[0]
	assert.Equal(t, uint32(testDomain), d.ID)
	assert.Equal(t, 2, d.DVGs)
	assert.Equal(t, 1, d.Endpoints)
	assert.Equal(t, 1, d.Tunnels)
	assert.Equal(t, 4, d.Policies, "two self policies per DVG")
	assert.Equal(t, 1, d.ResolutionWaiters)
	assert.Equal(t, 1, s.Endpoints)
	assert.Equal(t, 1, s.ClientHosts)
	assert.Equal(t, 1, s.RetransmitQueue)
	assert.Equal(t, 40, s.RetransmitBytes)
	assert.Zero(t, s.PendingExpirations)
	assert.Zero(t, s.ReplicationQueries)
}

func TestEngineHandleAck(t *testing.T) {
	te := newTestEngine(t)

	require.NoError(t, te.Retransmit.Queue(77, &Message{QueryID: 77, Payload: []byte("x")}, 1))
	te.HandleAck(77)
	assert.Zero(t, te.Retransmit.Len())

	// A duplicate ack is ignored.
	te.HandleAck(77)
	te.Retransmit.Tick()
	assert.Empty(t, te.transport.resent)
}

func TestEngineHandleReplicationAck(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, te.AddDomain(ctx, 9))
	te.cluster.live[9] = []NodeLocation{te.cluster.local}

	queries, status := te.Replication.QueryIDGenerate(9, domain.TransactionNormal, &Message{QueryID: 5})
	require.Equal(t, domain.StatusOK, status)
	require.Len(t, queries, 1)

	te.HandleReplicationAck(queries[0].QueryID, domain.StatusOK)
	replies := te.transport.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, domain.StatusOK, replies[0].status)
}

func endpointAdd(mac domain.MAC, tx domain.TransactionType) *EndpointUpdate {
	return &EndpointUpdate{
		VNID: vnidA, MAC: mac, TunnelIPs: []netip.Addr{hostA}, TunnelPort: 902,
		Operation: domain.OpAdd, Transaction: tx, Version: 1,
	}
}

func TestEngineUpdateEndpointLocalOnly(t *testing.T) {
	te := newTestEngine(t)
	setupTopology(t, te)
	te.cluster.setLive(testDomain, te.cluster.local)
	ctx := context.Background()
	mac := mustMAC(t, "02:00:00:00:00:01")

	info, err := te.UpdateEndpoint(ctx, endpointAdd(mac, domain.TransactionNormal))
	require.NoError(t, err)
	assert.Equal(t, mac.String(), info.MAC)
	assert.Empty(t, te.transport.replications())
	assert.Zero(t, te.Replication.Pending())

	_, err = te.Endpoints.Get(ctx, testDomain, mac)
	assert.NoError(t, err)
}

func TestEngineUpdateEndpointWaitsForPeers(t *testing.T) {
	te := newTestEngine(t)
	setupTopology(t, te)
	peer := peerNodes(1)[0]
	te.cluster.setLive(testDomain, te.cluster.local, peer)
	mac := mustMAC(t, "02:00:00:00:00:01")

	errc := make(chan error, 1)
	go func() {
		_, err := te.UpdateEndpoint(context.Background(), endpointAdd(mac, domain.TransactionNormal))
		errc <- err
	}()

	require.Eventually(t, func() bool {
		return len(te.transport.replications()) == 1
	}, 2*time.Second, time.Millisecond)
	sent := te.transport.replications()[0]
	assert.Equal(t, peer.Addr, sent.dest)
	assert.Equal(t, mac, sent.update.MAC)

	select {
	case err := <-errc:
		t.Fatalf("returned before the peer acknowledged: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 1, te.Replication.Outstanding())

	te.HandleReplicationAck(sent.queryID, domain.StatusOK)
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("update never completed")
	}
	assert.Zero(t, te.Replication.Pending())
	// Buffered replies completed in process never reach the transport.
	assert.Empty(t, te.transport.sentReplies())
}

func TestEngineUpdateEndpointPeerRejects(t *testing.T) {
	te := newTestEngine(t)
	setupTopology(t, te)
	te.cluster.setLive(testDomain, te.cluster.local, peerNodes(1)[0])
	mac := mustMAC(t, "02:00:00:00:00:01")

	errc := make(chan error, 1)
	go func() {
		_, err := te.UpdateEndpoint(context.Background(), endpointAdd(mac, domain.TransactionNormal))
		errc <- err
	}()
	require.Eventually(t, func() bool {
		return len(te.transport.replications()) == 1
	}, 2*time.Second, time.Millisecond)

	te.HandleReplicationAck(te.transport.replications()[0].queryID, domain.StatusInternal)
	err := <-errc
	assert.ErrorIs(t, err, domain.ErrReplicationFailed)
	assert.Equal(t, domain.StatusInternal, domain.StatusOf(err))
}

func TestEngineUpdateEndpointSendFailureRetries(t *testing.T) {
	te := newTestEngine(t)
	setupTopology(t, te)
	te.cluster.setLive(testDomain, te.cluster.local, peerNodes(1)[0])
	te.transport.failSends = true

	_, err := te.UpdateEndpoint(context.Background(), endpointAdd(mustMAC(t, "02:00:00:00:00:01"), domain.TransactionNormal))
	assert.ErrorIs(t, err, domain.ErrRetry)
	assert.Zero(t, te.Replication.Pending())
}

func TestEngineUpdateEndpointRejectedLocally(t *testing.T) {
	te := newTestEngine(t)
	setupTopology(t, te)
	te.cluster.setLive(testDomain, te.cluster.local, peerNodes(1)[0])
	mac := mustMAC(t, "02:00:00:00:00:01")

	_, err := te.UpdateEndpoint(context.Background(), &EndpointUpdate{VNID: vnidA, MAC: mac, Operation: domain.OpDelete})
	assert.ErrorIs(t, err, domain.ErrEndpointNotFound)
	assert.Empty(t, te.transport.replications())
	assert.Zero(t, te.Replication.Pending())
	assert.Zero(t, te.Replication.Outstanding())
}

func TestEngineUpdateEndpointNoLiveNodes(t *testing.T) {
	te := newTestEngine(t)
	setupTopology(t, te)
	ctx := context.Background()
	mac := mustMAC(t, "02:00:00:00:00:01")

	_, err := te.UpdateEndpoint(ctx, endpointAdd(mac, domain.TransactionNormal))
	assert.ErrorIs(t, err, domain.ErrRetry)
	_, err = te.Endpoints.Get(ctx, testDomain, mac)
	assert.ErrorIs(t, err, domain.ErrEndpointNotFound)

	_, err = te.UpdateEndpoint(ctx, &EndpointUpdate{VNID: 999, MAC: mac, Operation: domain.OpAdd})
	assert.Error(t, err)
}

func TestEngineHandleEndpointReplication(t *testing.T) {
	te := newTestEngine(t)
	setupTopology(t, te)
	ctx := context.Background()
	mac := mustMAC(t, "02:00:00:00:00:01")

	// Forwarding after a mass transfer defers replicated writes.
	te.cluster.setForwarding(testDomain, peerNodes(1)[0])
	assert.Equal(t, domain.StatusRetry, te.HandleEndpointReplication(ctx, endpointAdd(mac, domain.TransactionNormal)))
	_, err := te.Endpoints.Get(ctx, testDomain, mac)
	assert.ErrorIs(t, err, domain.ErrEndpointNotFound)

	te.cluster.setForwarding(testDomain)
	assert.Equal(t, domain.StatusOK, te.HandleEndpointReplication(ctx, endpointAdd(mac, domain.TransactionNormal)))
	_, err = te.Endpoints.Get(ctx, testDomain, mac)
	require.NoError(t, err)
	assert.Empty(t, te.transport.replications(), "replicated writes are not fanned out again")

	assert.Equal(t, domain.StatusNoSuchEndpoint, te.HandleEndpointReplication(ctx,
		&EndpointUpdate{VNID: vnidA, MAC: mustMAC(t, "02:00:00:00:00:09"), Operation: domain.OpDelete}))
}
