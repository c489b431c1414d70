package api

import (
	"net/http"
	"time"

	"label-print-service/internal/domain"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status    string                   `json:"status"`
	Catalogs  map[domain.LabelKind]int `json:"catalogs"`
	Timestamp string                   `json:"timestamp"`
}

// HealthHandler reports "healthy" when at least one catalog holds products and "degraded"
// with 503 otherwise.
func HealthHandler(catalogs CatalogCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:    "healthy",
			Catalogs:  map[domain.LabelKind]int{},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if catalogs != nil {
			resp.Catalogs = catalogs.Counts()
		}
		code := http.StatusOK
		if !catalogsLoaded(catalogs) {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		respondWithJSON(w, code, resp)
	}
}
