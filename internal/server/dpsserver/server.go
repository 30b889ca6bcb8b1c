package dpsserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/yndnr/dps-go/internal/core/domain"
	"github.com/yndnr/dps-go/internal/core/service"
	"github.com/yndnr/dps-go/internal/telemetry/metric"
)

// DefaultListenAddr is the default DPS client socket.
const DefaultListenAddr = "0.0.0.0:5000"

const maxDatagramSize = 64 * 1024

// ErrNotStarted is returned by sends before Start.
var ErrNotStarted = errors.New("dpsserver: not started")

// Retransmitter keeps a sent message until it is acknowledged.
type Retransmitter interface {
	Queue(queryID uint32, msg *service.Message, size int) error
	DeQueue(queryID uint32) (*service.Message, error)
}

// AckHandler receives acknowledgements read from the socket.
type AckHandler interface {
	HandleAck(queryID uint32)
	HandleReplicationAck(queryID uint32, status domain.Status)
}

// ReplicaHandler applies endpoint updates forwarded by peers.
type ReplicaHandler interface {
	HandleEndpointReplication(ctx context.Context, u *service.EndpointUpdate) domain.Status
}

// Liveness is refreshed for every datagram a tracked client sends.
type Liveness interface {
	HostTouch(addr netip.Addr) bool
}

// Hooks connect the transport to the engine once both exist.
type Hooks struct {
	NextQueryID func() uint32
	Retransmit  Retransmitter
	Acks        AckHandler
	Replicas    ReplicaHandler
	Liveness    Liveness
}

// Config configures the server.
type Config struct {
	ListenAddr string
	Logger     *slog.Logger
	Metrics    *metric.Registry
}

// Server is the UDP implementation of service.Transport. Policy and
// gateway updates are sent reliably: they carry a query id and stay in the
// retransmission queue until the client acknowledges them. Endpoint updates
// forwarded by peers are applied and acknowledged on the same socket.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Registry

	hooks atomic.Pointer[Hooks]

	mu   sync.Mutex
	conn *net.UDPConn
	wg   sync.WaitGroup
}

var _ service.Transport = (*Server)(nil)

// New creates a stopped server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "dpsserver"),
		metrics: cfg.Metrics,
	}
	s.hooks.Store(&Hooks{})
	return s
}

// SetHooks installs the engine callbacks.
func (s *Server) SetHooks(h Hooks) {
	s.hooks.Store(&h)
}

// Start binds the socket and starts the receive loop.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.conn = conn

	s.wg.Add(1)
	go s.readLoop(conn)

	s.logger.Info("dps transport listening", "addr", conn.LocalAddr().String())
	return nil
}

// Addr returns the bound address, or the zero value before Start.
func (s *Server) Addr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return netip.AddrPort{}
	}
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Shutdown closes the socket and waits for the receive loop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := conn.Close()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("dps transport stopped")
	return err
}

// SendEndpointLocationReply implements service.Transport.
func (s *Server) SendEndpointLocationReply(ctx context.Context, reply service.LocationReply) error {
	d := &Datagram{
		Type:    MsgEndpointLocation,
		VNID:    reply.VNID,
		Version: reply.Version,
		MAC:     reply.MAC,
		VIP:     reply.VIP,
	}
	d.Addrs = append(d.Addrs, reply.PhysicalV4...)
	d.Addrs = append(d.Addrs, reply.PhysicalV6...)
	return s.send(ctx, reply.Dest, d)
}

// SendHeartbeat implements service.Transport.
func (s *Server) SendHeartbeat(ctx context.Context, dest netip.AddrPort, vnid, queryID uint32) error {
	return s.send(ctx, dest, &Datagram{Type: MsgHeartbeat, VNID: vnid, QueryID: queryID})
}

// SendPolicyUpdate implements service.Transport.
func (s *Server) SendPolicyUpdate(ctx context.Context, dest netip.AddrPort, n service.PolicyNotice) error {
	return s.sendReliable(ctx, dest, &Datagram{
		Type:         MsgPolicyUpdate,
		DomainID:     n.DomainID,
		Traffic:      n.Traffic,
		SrcVNID:      n.SrcVNID,
		DstVNID:      n.DstVNID,
		TTL:          n.TTL,
		Version:      uint64(n.Version),
		Connectivity: n.Connectivity,
		Action:       n.Action,
	})
}

// SendGatewayUpdate implements service.Transport.
func (s *Server) SendGatewayUpdate(ctx context.Context, dest netip.AddrPort, vnid uint32, gateways []netip.Addr) error {
	return s.sendReliable(ctx, dest, &Datagram{
		Type:  MsgGatewayUpdate,
		VNID:  vnid,
		Addrs: gateways,
	})
}

// SendEndpointReplication implements service.Transport.
func (s *Server) SendEndpointReplication(ctx context.Context, dest netip.AddrPort, queryID uint32, u *service.EndpointUpdate) error {
	return s.send(ctx, dest, &Datagram{
		Type:        MsgEndpointReplication,
		QueryID:     queryID,
		VNID:        u.VNID,
		Version:     u.Version,
		Addrs:       u.TunnelIPs,
		MAC:         u.MAC,
		VIP:         u.VIP,
		Port:        u.TunnelPort,
		ClientType:  u.ClientType,
		Operation:   u.Operation,
		Transaction: u.Transaction,
	})
}

// RetransmitData implements service.Transport. The payload is the
// datagram as first sent.
func (s *Server) RetransmitData(msg *service.Message) {
	if err := s.write(msg.Dest, msg.Payload); err != nil {
		s.logger.Debug("retransmit failed", "query_id", msg.QueryID, "dest", msg.Dest, "error", err)
		return
	}
	s.metrics.DatagramsSent.WithLabelValues("retransmit").Inc()
}

// RetransmitTimeout implements service.Transport.
func (s *Server) RetransmitTimeout(msg *service.Message) {
	s.metrics.TransportErrors.WithLabelValues("retransmit_timeout").Inc()
	s.logger.Info("message not acknowledged", "query_id", msg.QueryID, "dest", msg.Dest)
}

// SendMessageAndFree implements service.Transport.
func (s *Server) SendMessageAndFree(msg *service.Message, status domain.Status) {
	d := &Datagram{
		Type:    MsgReply,
		QueryID: msg.QueryID,
		Status:  status,
		Payload: msg.Payload,
	}
	if err := s.send(context.Background(), msg.Dest, d); err != nil {
		s.logger.Warn("buffered reply not delivered", "query_id", msg.QueryID, "dest", msg.Dest, "error", err)
	}
	msg.Payload = nil
}

func (s *Server) sendReliable(ctx context.Context, dest netip.AddrPort, d *Datagram) error {
	h := s.hooks.Load()
	if h.NextQueryID == nil || h.Retransmit == nil {
		return s.send(ctx, dest, d)
	}

	d.QueryID = h.NextQueryID()
	b := d.Marshal()

	// Queued before the first write so an immediate ack finds the entry.
	msg := &service.Message{Dest: dest, QueryID: d.QueryID, Payload: b}
	queued := true
	if err := h.Retransmit.Queue(d.QueryID, msg, len(b)); err != nil {
		queued = false
		s.logger.Warn("sending without retransmission", "type", d.Type, "query_id", d.QueryID, "error", err)
	}
	if err := s.sendBytes(ctx, dest, d.Type, b); err != nil {
		if queued {
			_, _ = h.Retransmit.DeQueue(d.QueryID)
		}
		return err
	}
	return nil
}

func (s *Server) send(ctx context.Context, dest netip.AddrPort, d *Datagram) error {
	return s.sendBytes(ctx, dest, d.Type, d.Marshal())
}

func (s *Server) sendBytes(ctx context.Context, dest netip.AddrPort, typ MsgType, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.write(dest, b); err != nil {
		s.metrics.TransportErrors.WithLabelValues("write").Inc()
		return err
	}
	s.metrics.DatagramsSent.WithLabelValues(typ.String()).Inc()
	return nil
}

func (s *Server) write(dest netip.AddrPort, b []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}
	dest = netip.AddrPortFrom(dest.Addr().Unmap(), dest.Port())
	if _, err := conn.WriteToUDPAddrPort(b, dest); err != nil {
		return fmt.Errorf("write to %s: %w", dest, err)
	}
	return nil
}

func (s *Server) readLoop(conn *net.UDPConn) {
	defer s.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.metrics.TransportErrors.WithLabelValues("read").Inc()
			s.logger.Warn("read failed", "error", err)
			continue
		}
		s.dispatch(from, buf[:n])
	}
}

// dispatch handles acknowledgements and peer replication. Client requests
// are decoded by the protocol front end, which is not part of this server.
// Any decoded datagram counts as contact from its sender.
func (s *Server) dispatch(from netip.AddrPort, b []byte) {
	d, err := Unmarshal(b)
	if err != nil {
		s.metrics.TransportErrors.WithLabelValues("decode").Inc()
		s.logger.Debug("dropping malformed datagram", "from", from, "error", err)
		return
	}
	s.metrics.DatagramsReceived.WithLabelValues(d.Type.String()).Inc()

	h := s.hooks.Load()
	if h.Liveness != nil {
		h.Liveness.HostTouch(from.Addr().Unmap())
	}
	switch {
	case d.Type == MsgAck && h.Acks != nil:
		h.Acks.HandleAck(d.QueryID)
	case d.Type == MsgReplicationAck && h.Acks != nil:
		h.Acks.HandleReplicationAck(d.QueryID, d.Status)
	case d.Type == MsgEndpointReplication && h.Replicas != nil:
		s.replicate(from, d, h.Replicas)
	default:
		s.logger.Debug("ignoring datagram", "from", from, "type", d.Type)
	}
}

func (s *Server) replicate(from netip.AddrPort, d *Datagram, r ReplicaHandler) {
	ctx := context.Background()
	status := r.HandleEndpointReplication(ctx, &service.EndpointUpdate{
		VNID:        d.VNID,
		MAC:         d.MAC,
		TunnelIPs:   d.Addrs,
		TunnelPort:  d.Port,
		ClientType:  d.ClientType,
		Transaction: d.Transaction,
		Version:     d.Version,
		Operation:   d.Operation,
		VIP:         d.VIP,
	})
	ack := &Datagram{Type: MsgReplicationAck, QueryID: d.QueryID, Status: status}
	if err := s.send(ctx, from, ack); err != nil {
		s.logger.Warn("replication ack not sent", "query_id", d.QueryID, "peer", from, "error", err)
	}
}
