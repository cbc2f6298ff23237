package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/lettermill/webhook"
	"github.com/lettermill/webhook/catalog"
	"github.com/lettermill/webhook/event"
	"github.com/lettermill/webhook/id"
)

type createEventRequest struct {
	TenantID       string         `json:"tenant_id"`
	Type           string         `json:"type"`
	SubjectRef     string         `json:"subject_ref,omitempty"`
	Recipient      string         `json:"recipient,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at,omitzero"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

func (h *Handler) createEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tenant := tenantID(r)
	if tenant == "" {
		tenant = req.TenantID
	}
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	evt, err := h.hub.Record(r.Context(), webhook.RecordInput{
		TenantID:       tenant,
		Type:           req.Type,
		SubjectRef:     req.SubjectRef,
		Recipient:      req.Recipient,
		OccurredAt:     req.OccurredAt,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrUnknownEventType),
			errors.Is(err, webhook.ErrPayloadValidationFailed):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, evt)
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant_id query parameter is required")
		return
	}

	opts := event.ListOpts{
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 50),
		Type:   catalog.Type(queryParam(r, "type")),
	}

	events, err := h.hub.Store().ListEventsByTenant(r.Context(), tenant, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	evt, ok := h.ownedEvent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

func (h *Handler) listEventDeliveries(w http.ResponseWriter, r *http.Request) {
	evt, ok := h.ownedEvent(w, r)
	if !ok {
		return
	}

	ds, err := h.hub.Store().ListByEvent(r.Context(), evt.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ds)
}

// ownedEvent loads the event and enforces tenant ownership. Wrong-tenant
// lookups are indistinguishable from missing events.
func (h *Handler) ownedEvent(w http.ResponseWriter, r *http.Request) (*event.Event, bool) {
	tenant := tenantID(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant_id query parameter is required")
		return nil, false
	}

	evtID, err := id.ParseEventID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event ID")
		return nil, false
	}

	evt, err := h.hub.Store().GetEvent(r.Context(), evtID)
	if err != nil || evt.TenantID != tenant {
		if err != nil && !errors.Is(err, webhook.ErrEventNotFound) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return nil, false
		}
		writeError(w, http.StatusNotFound, "event not found")
		return nil, false
	}
	return evt, true
}
