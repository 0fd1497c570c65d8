package api

import (
	"net/http"
)

const serviceName = "frontend"

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Health reports gateway liveness. It never consults the upstream services.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Service: serviceName})
}
