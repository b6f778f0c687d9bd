package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/anor-rs/anor-cluster/directory"
	"github.com/anor-rs/anor-cluster/reconfig"
	"github.com/anor-rs/anor-cluster/replication"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/go-chi/chi/v5"
)

type proposalView struct {
	ID        string    `json:"id"`
	BaseEpoch uint64    `json:"base_epoch"`
	Epoch     uint64    `json:"epoch"`
	Phase     string    `json:"phase"`
	Reason    string    `json:"reason"`
	Created   time.Time `json:"created"`
}

func viewProposal(p *reconfig.Proposal) *proposalView {
	if p == nil {
		return nil
	}
	return &proposalView{
		ID:        p.ID,
		BaseEpoch: p.BaseEpoch,
		Epoch:     p.Config.Epoch,
		Phase:     p.Phase().String(),
		Reason:    p.Reason,
		Created:   p.Created,
	}
}

// handleClusterMembers handles GET /cluster/members
func (h *Handlers) handleClusterMembers(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"local_id": h.members.LocalID(),
		"members":  h.members.All(),
	})
}

// handleClusterConfig handles GET /cluster/config
func (h *Handlers) handleClusterConfig(w http.ResponseWriter, r *http.Request) {
	config, snapshot := h.cluster.Current()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"config":       config,
		"ring_tokens":  snapshot.Len(),
		"distribution": snapshot.Distribution(),
		"proposal":     viewProposal(h.cluster.Proposal()),
	})
}

// handleRingLookup handles GET /cluster/ring/{key}?n=
func (h *Handlers) handleRingLookup(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	config, snapshot := h.cluster.Current()

	n := replication.Want(config.Policy, snapshot.NodeCount(), snapshot.NodeCount())
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeErrorResponse(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}

	primary, _ := snapshot.Primary(key)
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"key":        key,
		"epoch":      snapshot.Epoch(),
		"position":   snapshot.Position(key),
		"primary":    primary,
		"preference": snapshot.Lookup(key, n),
	})
}

// handlePlacement handles GET /cluster/placement/{key}?size=. The placement
// is computed and released immediately; nothing is written.
func (h *Handlers) handlePlacement(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	size, err := parseSize(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := map[string]any{"key": key}
	var holders []topology.NodeID
	if rec, ok := h.items.Records().Get(key); ok {
		resp["record"] = rec
		holders = rec.Replicas
		if size == 0 {
			size = rec.Size
		}
	}

	d, err := h.items.Coordinator().Replace(key, size, holders)
	if err != nil {
		if errors.Is(err, replication.ErrInsufficientReplicas) {
			writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	defer d.Release()

	excluded := make([]string, 0, len(d.Excluded))
	for _, e := range d.Excluded {
		excluded = append(excluded, e.Error())
	}
	resp["epoch"] = d.Epoch
	resp["replicas"] = d.Replicas
	resp["want"] = d.Want
	resp["status"] = d.Status
	resp["excluded"] = excluded
	writeJSONResponse(w, http.StatusOK, resp)
}

// handleClusterRemove handles POST /cluster/remove/{nodeID}
func (h *Handlers) handleClusterRemove(w http.ResponseWriter, r *http.Request) {
	nodeID, err := parseNodeID(chi.URLParam(r, "nodeID"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := h.cluster.RemoveNode(r.Context(), nodeID)
	switch {
	case errors.Is(err, directory.ErrUnknownNode):
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, directory.ErrSelfTransition):
		writeErrorResponse(w, http.StatusBadRequest, "a node cannot remove itself")
		return
	case err != nil:
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"node_id":  nodeID,
		"status":   directory.Removed.String(),
		"proposal": viewProposal(p),
	})
}
