package api

import (
	"encoding/json"
	"net/http"
)

// Version identifies the tracker build in the health payload.
const Version = "1.0.0"

// HealthResponse reports tracker liveness. The tracker is the only
// long-lived HTTP process; sender and bouncer are scheduled runs with no
// serving surface.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// HealthHandler answers load-balancer and uptime probes.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "healthy",
			Service: "tracker",
			Version: Version,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}
}
