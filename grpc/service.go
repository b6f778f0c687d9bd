package grpc

import (
	"context"

	"github.com/anor-rs/anor-cluster/wire"
	"google.golang.org/grpc"
)

const serviceName = "anor.cluster.Peer"

// PeerServer is the server side of the peer protocol
type PeerServer interface {
	Heartbeat(ctx context.Context, req *wire.Heartbeat) (*wire.HeartbeatReply, error)
	Gossip(ctx context.Context, req *wire.Gossip) (*wire.GossipReply, error)
	Join(ctx context.Context, req *wire.JoinRequest) (*wire.JoinReply, error)
	Transfer(ctx context.Context, req *wire.Transfer) (*wire.TransferAck, error)
	Evict(ctx context.Context, req *wire.Evict) (*wire.EvictAck, error)
	Fetch(ctx context.Context, req *wire.Fetch) (*wire.FetchReply, error)
}

// ServiceDesc describes the peer service. Messages are plain structs
// carried by the msgpack codec, so the descriptor is written by hand.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Heartbeat", PeerServer.Heartbeat),
		unary("Gossip", PeerServer.Gossip),
		unary("Join", PeerServer.Join),
		unary("Transfer", PeerServer.Transfer),
		unary("Evict", PeerServer.Evict),
		unary("Fetch", PeerServer.Fetch),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "anor/peer",
}

func RegisterPeerServer(s grpc.ServiceRegistrar, srv PeerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

func unary[Req, Resp any](name string, call func(PeerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PeerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PeerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
