package api

import (
	"errors"
	"net/http"

	"github.com/lettermill/webhook"
	"github.com/lettermill/webhook/delivery"
	"github.com/lettermill/webhook/endpoint"
	"github.com/lettermill/webhook/id"
)

type createEndpointRequest struct {
	TenantID   string            `json:"tenant_id"`
	Name       string            `json:"name"`
	URL        string            `json:"url"`
	EventTypes []string          `json:"event_types"`
	Headers    map[string]string `json:"headers,omitempty"`
	RateLimit  int               `json:"rate_limit,omitempty"`
}

// endpointResponse augments the endpoint with the masked secret preview.
// The raw secret is only returned on creation and rotation.
type endpointResponse struct {
	*endpoint.Endpoint
	SecretPreview string `json:"secret_preview"`
	Secret        string `json:"secret,omitempty"`
}

func toEndpointResponse(ep *endpoint.Endpoint, includeSecret bool) endpointResponse {
	resp := endpointResponse{
		Endpoint:      ep,
		SecretPreview: ep.SecretPreview(),
	}
	if includeSecret {
		resp.Secret = ep.Secret
	}
	return resp
}

func (h *Handler) createEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
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

	input := endpoint.Input{
		Name:       req.Name,
		URL:        req.URL,
		EventTypes: req.EventTypes,
		Headers:    req.Headers,
		RateLimit:  req.RateLimit,
	}

	ep, err := h.hub.Endpoints().Create(r.Context(), tenant, input)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The full secret is shown exactly once, at creation.
	writeJSON(w, http.StatusCreated, toEndpointResponse(ep, true))
}

func (h *Handler) listEndpoints(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant_id query parameter is required")
		return
	}

	opts := endpoint.ListOpts{
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 50),
	}

	eps, err := h.hub.Endpoints().List(r.Context(), tenant, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]endpointResponse, len(eps))
	for i, ep := range eps {
		resp[i] = toEndpointResponse(ep, false)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getEndpoint(w http.ResponseWriter, r *http.Request) {
	tenant, epID, ok := h.endpointScope(w, r)
	if !ok {
		return
	}

	ep, err := h.hub.Endpoints().Get(r.Context(), tenant, epID)
	if err != nil {
		h.writeEndpointError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEndpointResponse(ep, false))
}

func (h *Handler) updateEndpoint(w http.ResponseWriter, r *http.Request) {
	tenant, epID, ok := h.endpointScope(w, r)
	if !ok {
		return
	}

	var up endpoint.Update
	if err := decodeJSON(r, &up); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ep, err := h.hub.Endpoints().Update(r.Context(), tenant, epID, up)
	if err != nil {
		h.writeEndpointError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEndpointResponse(ep, false))
}

func (h *Handler) deleteEndpoint(w http.ResponseWriter, r *http.Request) {
	tenant, epID, ok := h.endpointScope(w, r)
	if !ok {
		return
	}

	if err := h.hub.Endpoints().Delete(r.Context(), tenant, epID); err != nil {
		h.writeEndpointError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) enableEndpoint(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *Handler) disableEndpoint(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	tenant, epID, ok := h.endpointScope(w, r)
	if !ok {
		return
	}

	if err := h.hub.Endpoints().SetEnabled(r.Context(), tenant, epID, enabled); err != nil {
		h.writeEndpointError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (h *Handler) rotateSecret(w http.ResponseWriter, r *http.Request) {
	tenant, epID, ok := h.endpointScope(w, r)
	if !ok {
		return
	}

	secret, err := h.hub.Endpoints().RotateSecret(r.Context(), tenant, epID)
	if err != nil {
		h.writeEndpointError(w, err)
		return
	}

	// The new secret is shown exactly once.
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (h *Handler) testEndpoint(w http.ResponseWriter, r *http.Request) {
	tenant, epID, ok := h.endpointScope(w, r)
	if !ok {
		return
	}

	result, err := h.hub.SendTest(r.Context(), tenant, epID)
	if err != nil {
		h.writeEndpointError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     result.Success,
		"status_code": result.StatusCode,
		"error":       result.Error,
		"latency_ms":  result.LatencyMs,
	})
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	tenant, epID, ok := h.endpointScope(w, r)
	if !ok {
		return
	}

	// Ownership check before touching delivery history.
	if _, err := h.hub.Endpoints().Get(r.Context(), tenant, epID); err != nil {
		h.writeEndpointError(w, err)
		return
	}

	opts := delivery.ListOpts{
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", delivery.DefaultListLimit),
	}
	if state := queryParam(r, "state"); state != "" {
		st := delivery.State(state)
		opts.State = &st
	}

	ds, err := h.hub.Store().ListByEndpoint(r.Context(), epID, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ds)
}

func (h *Handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	delID, err := id.ParseDeliveryID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery ID")
		return
	}

	d, err := h.hub.Store().GetDelivery(r.Context(), delID)
	if err != nil {
		if errors.Is(err, webhook.ErrDeliveryNotFound) {
			writeError(w, http.StatusNotFound, "delivery not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// endpointScope extracts the tenant and endpoint ID shared by the
// per-endpoint handlers. Writes the error response itself on failure.
func (h *Handler) endpointScope(w http.ResponseWriter, r *http.Request) (string, id.ID, bool) {
	tenant := tenantID(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant_id query parameter is required")
		return "", id.Nil, false
	}

	epID, err := id.ParseEndpointID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid endpoint ID")
		return "", id.Nil, false
	}
	return tenant, epID, true
}

func (h *Handler) writeEndpointError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, webhook.ErrEndpointNotFound),
		errors.Is(err, endpoint.ErrNotOwned):
		writeError(w, http.StatusNotFound, "endpoint not found")
	case errors.Is(err, endpoint.ErrInsecureURL),
		errors.Is(err, endpoint.ErrInvalidEventType),
		errors.Is(err, endpoint.ErrMissingField):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
