package clusterserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"go.uber.org/multierr"

	"github.com/yndnr/dps-go/internal/core/service"
)

// Config configures the cluster server.
type Config struct {
	// Enabled turns on gossip. A disabled server is a one node cluster.
	Enabled bool

	NodeID         string
	GossipBindAddr string
	GossipBindPort int
	SeedNodes      []string

	// DPSAddr is where this node accepts DPS client traffic.
	DPSAddr netip.AddrPort

	// GossipKey enables encrypted gossip when set.
	GossipKey []byte

	ReplicationFactor int
	VirtualNodes      int

	Logger *slog.Logger
}

// Server owns the cluster database and, when enabled, the gossip
// membership that keeps it current.
type Server struct {
	cfg    Config
	db     *Database
	logger *slog.Logger

	mu        sync.Mutex
	discovery *Discovery
}

// New creates a stopped server. The database is usable right away.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NodeID == "" {
		return nil, errors.New("clusterserver: node id is required")
	}
	return &Server{
		cfg: cfg,
		db: NewDatabase(DatabaseConfig{
			Local:             service.NodeLocation{ID: cfg.NodeID, Addr: cfg.DPSAddr},
			ReplicationFactor: cfg.ReplicationFactor,
			VirtualNodes:      cfg.VirtualNodes,
			Logger:            cfg.Logger,
		}),
		logger: cfg.Logger.With("component", "cluster"),
	}, nil
}

// Database returns the membership database.
func (s *Server) Database() *Database {
	return s.db
}

// Discovery returns the gossip layer, or nil before Start or when disabled.
func (s *Server) Discovery() *Discovery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discovery
}

// Start joins the cluster. It is a no-op when gossip is disabled.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info("cluster disabled, running standalone", "node_id", s.cfg.NodeID)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discovery != nil {
		return nil
	}

	d, err := NewDiscovery(DiscoveryConfig{
		NodeID:    s.cfg.NodeID,
		BindAddr:  s.cfg.GossipBindAddr,
		BindPort:  s.cfg.GossipBindPort,
		DPSAddr:   s.cfg.DPSAddr,
		SecretKey: s.cfg.GossipKey,
		Logger:    s.cfg.Logger,
	})
	if err != nil {
		return err
	}
	s.db.Attach(d)
	if _, err := d.Join(s.cfg.SeedNodes); err != nil {
		return multierr.Append(err, d.Shutdown())
	}
	s.discovery = d
	return nil
}

// Shutdown leaves the cluster and stops gossip.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	d := s.discovery
	s.discovery = nil
	s.mu.Unlock()
	if d == nil {
		return nil
	}

	var err error
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = multierr.Append(err, fmt.Errorf("skip graceful leave: %w", ctxErr))
	} else {
		err = multierr.Append(err, d.Leave())
	}
	return multierr.Append(err, d.Shutdown())
}
