package responder

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/anor-rs/anor-cluster/encoding"
	"github.com/anor-rs/anor-cluster/topology"
)

// ClientView is the topology a client keeps between requests. Its epoch
// never decreases.
type ClientView struct {
	mu     sync.RWMutex
	config *topology.ClusterConfig
}

func (v *ClientView) Config() *topology.ClusterConfig {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.config
}

// ConfigID returns the epoch of the held config, 0 when none
func (v *ClientView) ConfigID() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.config == nil {
		return 0
	}
	return v.config.Epoch
}

func (v *ClientView) Header() RequestHeader {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.config == nil {
		return RequestHeader{}
	}
	return RequestHeader{ConfigID: v.config.Epoch, Proposer: v.config.ProposerID}
}

// Decorate sets the config headers on an outgoing request
func (v *ClientView) Decorate(req *http.Request) {
	h := v.Header()
	req.Header.Set(HeaderConfigID, strconv.FormatUint(h.ConfigID, 10))
	if h.Proposer != 0 {
		req.Header.Set(HeaderConfigProposer, h.Proposer.String())
	}
}

// Apply adopts resp.Config when it supersedes the held one
func (v *ClientView) Apply(resp ResponseHeader) bool {
	if resp.Config == nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !resp.Config.Supersedes(v.config) {
		return false
	}
	v.config = resp.Config
	return true
}

// ApplyHTTP decodes the staleness headers of a response and applies them
func (v *ClientView) ApplyHTTP(h http.Header) (bool, error) {
	encoded := h.Get(HeaderClusterConfig)
	if encoded == "" {
		return false, nil
	}
	var config topology.ClusterConfig
	if err := encoding.UnmarshalBase64(encoded, &config); err != nil {
		return false, fmt.Errorf("decode %s: %w", HeaderClusterConfig, err)
	}
	return v.Apply(ResponseHeader{ConfigID: config.Epoch, Config: &config}), nil
}
