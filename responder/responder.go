// Package responder tells clients when their view of the cluster is out of
// date. Every response carries the local config epoch; responses to clients
// behind that epoch also carry the full configuration.
package responder

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/anor-rs/anor-cluster/encoding"
	"github.com/anor-rs/anor-cluster/telemetry"
	"github.com/anor-rs/anor-cluster/topology"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const (
	HeaderConfigID       = "X-Anor-Config-Id"
	HeaderConfigProposer = "X-Anor-Config-Proposer"
	HeaderClusterConfig  = "X-Anor-Cluster-Config"

	DefaultCacheSize = 8
)

// Source provides the configuration in effect on this node
type Source interface {
	Config() *topology.ClusterConfig
}

// RequestHeader is the client's view. Proposer is zero when the client
// does not send it.
type RequestHeader struct {
	ConfigID uint64          `msgpack:"config_id"`
	Proposer topology.NodeID `msgpack:"proposer,omitempty"`
}

type ResponseHeader struct {
	ConfigID uint64                  `msgpack:"config_id"`
	Config   *topology.ClusterConfig `msgpack:"config,omitempty"`
}

// Stale reports whether the response refreshes the client's topology
func (h ResponseHeader) Stale() bool {
	return h.Config != nil
}

type cacheKey struct {
	epoch    uint64
	proposer topology.NodeID
}

type Responder struct {
	source Source
	cache  *lru.Cache[cacheKey, string]
}

func New(source Source, cacheSize int) (*Responder, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Responder{source: source, cache: cache}, nil
}

// Respond compares the client's epoch with the local one. A client ahead of
// this node gets the local epoch and no config. At equal epochs a client
// holding the config of a higher proposer lost the tie-break and is refreshed.
func (r *Responder) Respond(req RequestHeader) ResponseHeader {
	cur := r.source.Config()
	if cur == nil {
		return ResponseHeader{}
	}
	resp := ResponseHeader{ConfigID: cur.Epoch}
	if req.ConfigID < cur.Epoch || req.ConfigID == cur.Epoch && req.Proposer > cur.ProposerID {
		resp.Config = cur
		telemetry.StaleClientResponsesTotal.Inc()
	}
	return resp
}

// Encoded returns the base64 msgpack form of config, cached per epoch and
// proposer.
func (r *Responder) Encoded(config *topology.ClusterConfig) (string, error) {
	key := cacheKey{epoch: config.Epoch, proposer: config.ProposerID}
	if s, ok := r.cache.Get(key); ok {
		return s, nil
	}
	s, err := encoding.MarshalBase64(config)
	if err != nil {
		return "", fmt.Errorf("encode cluster config epoch %d: %w", config.Epoch, err)
	}
	r.cache.Add(key, s)
	return s, nil
}

// Cached returns how many encoded configs are held
func (r *Responder) Cached() int {
	return r.cache.Len()
}

// ParseRequest reads the client's epoch and proposer. A missing epoch means
// the client has no topology yet.
func ParseRequest(h http.Header) (RequestHeader, error) {
	raw := strings.TrimSpace(h.Get(HeaderConfigID))
	if raw == "" {
		return RequestHeader{}, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return RequestHeader{}, fmt.Errorf("invalid %s %q: %w", HeaderConfigID, raw, err)
	}
	req := RequestHeader{ConfigID: id}
	if raw := strings.TrimSpace(h.Get(HeaderConfigProposer)); raw != "" {
		if req.Proposer, err = topology.ParseNodeID(raw); err != nil {
			return RequestHeader{}, fmt.Errorf("invalid %s %q: %w", HeaderConfigProposer, raw, err)
		}
	}
	return req, nil
}

// Write sets the response headers for resp
func (r *Responder) Write(h http.Header, resp ResponseHeader) error {
	h.Set(HeaderConfigID, strconv.FormatUint(resp.ConfigID, 10))
	if !resp.Stale() {
		return nil
	}
	encoded, err := r.Encoded(resp.Config)
	if err != nil {
		return err
	}
	h.Set(HeaderClusterConfig, encoded)
	return nil
}

// Middleware attaches staleness headers to every response of next
func (r *Responder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		header, err := ParseRequest(req.Header)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := r.Write(w.Header(), r.Respond(header)); err != nil {
			log.Error().Err(err).Msg("Failed to attach cluster config to response")
		}
		next.ServeHTTP(w, req)
	})
}
