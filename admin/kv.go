package admin

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/anor-rs/anor-cluster/replication"
	"github.com/anor-rs/anor-cluster/wire"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const (
	HeaderItemVersion = "X-Anor-Item-Version"
	HeaderItemID      = "X-Anor-Item-Id"

	maxValueBytes = 64 << 20
)

// handleGetItem handles GET /kv/{key}. A node without a local copy
// redirects to the key's primary, which serves the item or fetches it from
// the other replicas.
func (h *Handlers) handleGetItem(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if item, ok := h.items.Store().Get(key); ok {
		writeItem(w, item)
		return
	}

	config, snapshot := h.cluster.Current()
	if primary, ok := snapshot.Primary(key); ok && primary != h.members.LocalID() {
		if desc, ok := config.Node(primary); ok {
			target := "http://" + desc.Address + "/kv/" + url.PathEscape(key)
			log.Debug().Str("key", key).Str("primary", primary.String()).Msg("Redirecting read to primary")
			http.Redirect(w, r, target, http.StatusTemporaryRedirect)
			return
		}
	}

	item, err := h.items.Get(r.Context(), key)
	if errors.Is(err, replication.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeItem(w, item)
}

func writeItem(w http.ResponseWriter, item wire.Item) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(HeaderItemVersion, strconv.FormatUint(item.Version, 10))
	w.Header().Set(HeaderItemID, item.ID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(item.Value)
}

// handlePutItem handles PUT /kv/{key}?ttl=&tag=. The body is the value.
func (h *Handlers) handlePutItem(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var opts replication.WriteOptions
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			writeErrorResponse(w, http.StatusBadRequest, "ttl must be a positive duration")
			return
		}
		opts.TTL = ttl
	}
	opts.Tags = r.URL.Query()["tag"]

	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		writeErrorResponse(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	rec, err := h.items.Put(r.Context(), key, value, opts)
	switch {
	case errors.Is(err, replication.ErrEmptyKey):
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, replication.ErrInsufficientReplicas):
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, rec)
}

// handleDeleteItem handles DELETE /kv/{key}
func (h *Handlers) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	found, err := h.items.Delete(r.Context(), key)
	if errors.Is(err, replication.ErrEmptyKey) {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if !found && err == nil {
		writeErrorResponse(w, http.StatusNotFound, "item not found")
		return
	}

	resp := map[string]any{"key": key, "deleted": found}
	if err != nil {
		// unreachable replicas still hold the item
		resp["error"] = err.Error()
	}
	writeJSONResponse(w, http.StatusOK, resp)
}
