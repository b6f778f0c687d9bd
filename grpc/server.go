package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anor-rs/anor-cluster/topology"
	"github.com/anor-rs/anor-cluster/wire"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// ClusterHandler answers membership traffic
type ClusterHandler interface {
	HandleGossip(ctx context.Context, msg wire.Gossip) wire.GossipReply
	HandleJoin(ctx context.Context, req wire.JoinRequest) wire.JoinReply
}

// ReplicaHandler answers item replication traffic
type ReplicaHandler interface {
	HandleTransfer(msg wire.Transfer) wire.TransferAck
	HandleEvict(msg wire.Evict) wire.EvictAck
	HandleFetch(msg wire.Fetch) wire.FetchReply
}

// LoadFunc reports local usage given the number of open peer connections
type LoadFunc func(connections uint32) topology.Load

type ServerConfig struct {
	NodeID           topology.NodeID
	ListenAddress    string
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	MaxMessageBytes  int
}

// Server serves the peer protocol and, on the same port, HTTP for the admin
// API, metrics and pprof.
type Server struct {
	config   ServerConfig
	cluster  ClusterHandler
	replicas ReplicaHandler
	load     LoadFunc

	server     *grpc.Server
	listener   net.Listener
	mux        cmux.CMux
	httpServer *http.Server

	httpHandler    http.Handler
	metricsHandler http.Handler

	conns atomic.Int64
	mu    sync.RWMutex
}

func NewServer(config ServerConfig, cluster ClusterHandler, replicas ReplicaHandler, load LoadFunc) *Server {
	if config.KeepaliveTime <= 0 {
		config.KeepaliveTime = 60 * time.Second
	}
	if config.KeepaliveTimeout <= 0 {
		config.KeepaliveTimeout = 10 * time.Second
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = 64 << 20
	}

	s := &Server{
		config:   config,
		cluster:  cluster,
		replicas: replicas,
		load:     load,
	}
	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(config.MaxMessageBytes),
		grpc.MaxSendMsgSize(config.MaxMessageBytes),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}),
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor()),
	)
	RegisterPeerServer(s.server, s)
	return s
}

// SetHTTPHandler mounts the admin API at the root of the HTTP side
func (s *Server) SetHTTPHandler(handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpHandler = handler
}

// SetMetricsHandler sets the Prometheus metrics HTTP handler
func (s *Server) SetMetricsHandler(handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricsHandler = handler
}

// Start listens on the configured address and multiplexes HTTP and gRPC
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.StartOn(listener)
}

// StartOn serves on an existing listener
func (s *Server) StartOn(listener net.Listener) error {
	s.listener = &countingListener{Listener: listener, open: &s.conns}

	log.Info().
		Str("address", listener.Addr().String()).
		Uint64("node_id", uint64(s.config.NodeID)).
		Msg("Multiplexing HTTP and gRPC on cluster port")

	s.mux = cmux.New(s.listener)
	httpListener := s.mux.Match(cmux.HTTP1Fast())
	grpcListener := s.mux.Match(cmux.Any())

	s.httpServer = &http.Server{
		Handler:           s.httpMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	go func() {
		if err := s.server.Serve(grpcListener); err != nil && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()
	go func() {
		if err := s.mux.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error().Err(err).Msg("cmux failed")
		}
	}()
	return nil
}

// Serve runs only the gRPC side on lis and blocks
func (s *Server) Serve(lis net.Listener) error {
	return s.server.Serve(&countingListener{Listener: lis, open: &s.conns})
}

func (s *Server) httpMux() http.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}
	if s.httpHandler != nil {
		mux.Handle("/", s.httpHandler)
	}
	return mux
}

// Stop gracefully stops both servers
func (s *Server) Stop() {
	log.Info().Msg("Stopping cluster transport")
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.httpServer.Shutdown(ctx)
		cancel()
	}
	s.server.GracefulStop()
	if s.mux != nil {
		s.mux.Close()
	}
}

// Connections returns the number of open inbound connections
func (s *Server) Connections() uint32 {
	n := s.conns.Load()
	if n < 0 {
		return 0
	}
	return uint32(n)
}

func (s *Server) Heartbeat(ctx context.Context, req *wire.Heartbeat) (*wire.HeartbeatReply, error) {
	reply := &wire.HeartbeatReply{
		NodeID:    s.config.NodeID,
		Sequence:  req.Sequence,
		Timestamp: time.Now().UnixNano(),
	}
	if s.load != nil {
		reply.Load = s.load(s.Connections())
	}
	return reply, nil
}

func (s *Server) Gossip(ctx context.Context, req *wire.Gossip) (*wire.GossipReply, error) {
	reply := s.cluster.HandleGossip(ctx, *req)
	return &reply, nil
}

func (s *Server) Join(ctx context.Context, req *wire.JoinRequest) (*wire.JoinReply, error) {
	log.Debug().
		Uint64("joining_node_id", uint64(req.Node.ID)).
		Str("joining_address", req.Node.Address).
		Msg("Received join request")
	reply := s.cluster.HandleJoin(ctx, *req)
	return &reply, nil
}

func (s *Server) Transfer(ctx context.Context, req *wire.Transfer) (*wire.TransferAck, error) {
	ack := s.replicas.HandleTransfer(*req)
	return &ack, nil
}

func (s *Server) Evict(ctx context.Context, req *wire.Evict) (*wire.EvictAck, error) {
	ack := s.replicas.HandleEvict(*req)
	return &ack, nil
}

func (s *Server) Fetch(ctx context.Context, req *wire.Fetch) (*wire.FetchReply, error) {
	reply := s.replicas.HandleFetch(*req)
	return &reply, nil
}

// countingListener tracks open accepted connections
type countingListener struct {
	net.Listener
	open *atomic.Int64
}

func (l *countingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.open.Add(1)
	return &countedConn{Conn: conn, open: l.open}, nil
}

type countedConn struct {
	net.Conn
	open *atomic.Int64
	once sync.Once
}

func (c *countedConn) Close() error {
	c.once.Do(func() { c.open.Add(-1) })
	return c.Conn.Close()
}
