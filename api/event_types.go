package api

import (
	"net/http"

	"github.com/lettermill/webhook/catalog"
)

// listEventTypes returns the static event type catalog.
func (h *Handler) listEventTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, catalog.Definitions())
}

func (h *Handler) getEventType(w http.ResponseWriter, r *http.Request) {
	def, ok := catalog.Lookup(catalog.Type(r.PathValue("name")))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown event type")
		return
	}
	writeJSON(w, http.StatusOK, def)
}
