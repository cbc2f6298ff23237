package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/lettermill/webhook"
	"github.com/lettermill/webhook/dlq"
	"github.com/lettermill/webhook/id"
)

func (h *Handler) listDLQ(w http.ResponseWriter, r *http.Request) {
	opts := dlq.ListOpts{
		TenantID: tenantID(r),
		Offset:   queryInt(r, "offset", 0),
		Limit:    queryInt(r, "limit", 50),
	}
	if ep := queryParam(r, "endpoint_id"); ep != "" {
		epID, err := id.ParseEndpointID(ep)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid endpoint ID")
			return
		}
		opts.EndpointID = &epID
	}

	entries, err := h.hub.DLQ().List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) replayDLQ(w http.ResponseWriter, r *http.Request) {
	dlqID, err := id.ParseDLQID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid DLQ entry ID")
		return
	}

	if err := h.hub.DLQ().Replay(r.Context(), dlqID); err != nil {
		if errors.Is(err, webhook.ErrDLQNotFound) {
			writeError(w, http.StatusNotFound, "DLQ entry not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "replayed"})
}

type replayBulkRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (h *Handler) replayBulkDLQ(w http.ResponseWriter, r *http.Request) {
	var req replayBulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.To.IsZero() {
		req.To = time.Now().UTC()
	}

	count, err := h.hub.DLQ().ReplayBulk(r.Context(), req.From, req.To)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"replayed": count})
}
