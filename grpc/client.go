package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anor-rs/anor-cluster/topology"
	"github.com/anor-rs/anor-cluster/wire"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

type ClientConfig struct {
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	MaxMessageBytes  int
	// Dialer replaces TCP dialing, used by in-memory tests
	Dialer func(ctx context.Context, address string) (net.Conn, error)
}

// Client keeps one connection per peer address. It implements the
// transports of the failure detector, the replication writer and the
// reconfiguration manager.
type Client struct {
	local  topology.NodeID
	config ClientConfig
	conns  map[string]*grpc.ClientConn
	mu     sync.RWMutex
}

func NewClient(local topology.NodeID, config ClientConfig) *Client {
	if config.KeepaliveTime <= 0 {
		config.KeepaliveTime = 10 * time.Second
	}
	if config.KeepaliveTimeout <= 0 {
		config.KeepaliveTimeout = 3 * time.Second
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = 64 << 20
	}
	return &Client{
		local:  local,
		config: config,
		conns:  make(map[string]*grpc.ClientConn),
	}
}

func (c *Client) dialOptions() []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.config.KeepaliveTime,
			Timeout:             c.config.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(c.config.MaxMessageBytes),
			grpc.MaxCallSendMsgSize(c.config.MaxMessageBytes),
		),
	}
	if c.config.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(c.config.Dialer))
	}
	return opts
}

// conn returns the connection for address, creating it on first use.
// Connections are lazy; failures surface on the first call.
func (c *Client) conn(address string) (*grpc.ClientConn, error) {
	c.mu.RLock()
	conn, ok := c.conns[address]
	c.mu.RUnlock()
	if ok {
		return conn, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[address]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient("passthrough:///"+address, c.dialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection to %s: %w", address, err)
	}
	c.conns[address] = conn
	log.Debug().Str("address", address).Msg("Peer connection created")
	return conn, nil
}

func (c *Client) invoke(ctx context.Context, address, method string, in, out any) error {
	conn, err := c.conn(address)
	if err != nil {
		return err
	}
	var opts []grpc.CallOption
	if name := CompressionName(); name != "" {
		opts = append(opts, grpc.UseCompressor(name))
	}
	return conn.Invoke(ctx, fullMethod(method), in, out, opts...)
}

// Probe sends a heartbeat
func (c *Client) Probe(ctx context.Context, target topology.NodeDescriptor, hb wire.Heartbeat) (wire.HeartbeatReply, error) {
	var reply wire.HeartbeatReply
	err := c.invoke(ctx, target.Address, "Heartbeat", &hb, &reply)
	return reply, err
}

func (c *Client) Gossip(ctx context.Context, target topology.NodeDescriptor, msg wire.Gossip) (wire.GossipReply, error) {
	var reply wire.GossipReply
	err := c.invoke(ctx, target.Address, "Gossip", &msg, &reply)
	return reply, err
}

func (c *Client) Join(ctx context.Context, address string, msg wire.JoinRequest) (wire.JoinReply, error) {
	var reply wire.JoinReply
	err := c.invoke(ctx, address, "Join", &msg, &reply)
	return reply, err
}

func (c *Client) Transfer(ctx context.Context, target topology.NodeDescriptor, msg wire.Transfer) (wire.TransferAck, error) {
	var ack wire.TransferAck
	err := c.invoke(ctx, target.Address, "Transfer", &msg, &ack)
	return ack, err
}

func (c *Client) Evict(ctx context.Context, target topology.NodeDescriptor, msg wire.Evict) (wire.EvictAck, error) {
	var ack wire.EvictAck
	err := c.invoke(ctx, target.Address, "Evict", &msg, &ack)
	return ack, err
}

func (c *Client) Fetch(ctx context.Context, target topology.NodeDescriptor, msg wire.Fetch) (wire.FetchReply, error) {
	var reply wire.FetchReply
	err := c.invoke(ctx, target.Address, "Fetch", &msg, &reply)
	return reply, err
}

// Disconnect closes the connection to address
func (c *Client) Disconnect(address string) error {
	c.mu.Lock()
	conn, ok := c.conns[address]
	delete(c.conns, address)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	log.Debug().Str("address", address).Msg("Closing peer connection")
	return conn.Close()
}

// Connected returns how many peer connections are held
func (c *Client) Connected() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// Close closes all connections
func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*grpc.ClientConn)
	c.mu.Unlock()

	for address, conn := range conns {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Str("address", address).Msg("Error closing peer connection")
		}
	}
	return nil
}
