package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/anor-rs/anor-cluster/directory"
	"github.com/anor-rs/anor-cluster/reconfig"
	"github.com/anor-rs/anor-cluster/replication"
	"github.com/anor-rs/anor-cluster/ring"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/anor-rs/anor-cluster/wire"
	"github.com/rs/zerolog/log"
)

// Membership lists directory members
type Membership interface {
	LocalID() topology.NodeID
	All() []directory.Member
}

// Cluster exposes the configuration in effect and operator removal
type Cluster interface {
	Current() (*topology.ClusterConfig, *ring.Snapshot)
	Proposal() *reconfig.Proposal
	RemoveNode(ctx context.Context, id topology.NodeID) (*reconfig.Proposal, error)
}

// Items is the replicated item API
type Items interface {
	Put(ctx context.Context, key string, value []byte, opts replication.WriteOptions) (replication.Record, error)
	Get(ctx context.Context, key string) (wire.Item, error)
	Delete(ctx context.Context, key string) (bool, error)
	Records() *replication.Records
	Coordinator() *replication.Coordinator
	Store() replication.LocalStore
}

// Handlers serves the admin and item HTTP API
type Handlers struct {
	members Membership
	cluster Cluster
	items   Items
}

func NewHandlers(members Membership, cluster Cluster, items Items) *Handlers {
	return &Handlers{members: members, cluster: cluster, items: items}
}

func writeJSONResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

func parseNodeID(s string) (topology.NodeID, error) {
	if s == "" {
		return 0, fmt.Errorf("node ID is required")
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid node ID: %w", err)
	}
	return topology.NodeID(id), nil
}

func parseSize(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("size")
	if raw == "" {
		return 0, nil
	}
	size, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size parameter: %w", err)
	}
	return size, nil
}
