package usage

import (
	"encoding/json"
	"net/http"
	"time"

	"encore.app/pkg/middleware"
	"encore.app/pkg/models"
)

// dashboardPayload is the raw JSON document served to dashboards and
// scrapers.
type dashboardPayload struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Summary     SummaryResponse       `json:"summary"`
	QueryStats  map[string]QueryStats `json:"query_stats"`
	Alerts      BudgetAlertsResponse  `json:"alerts"`
	Metrics     map[string]float64    `json:"metrics"`
}

// Dashboard serves the full usage view as one JSON document. Raw endpoint
// so the structured request-logging middleware (with correlation IDs) wraps
// it the way external scrapers expect.
//
//encore:api public raw method=GET path=/usage/dashboard
func Dashboard(w http.ResponseWriter, req *http.Request) {
	middleware.RequestLogger(http.HandlerFunc(serveDashboard)).ServeHTTP(w, req)
}

func serveDashboard(w http.ResponseWriter, req *http.Request) {
	if svc == nil {
		http.Error(w, "service not initialized", http.StatusServiceUnavailable)
		return
	}

	snapshot := svc.tracker.Snapshot()
	summary, _ := svc.GetSummary(req.Context())
	alerts, _ := svc.GetBudgetAlerts(req.Context())

	payload := dashboardPayload{
		GeneratedAt: time.Now(),
		Summary:     *summary,
		QueryStats:  svc.collector.AllStats(),
		Alerts:      *alerts,
		Metrics:     models.ToMetricsFormat(snapshot, "docstore_usage"),
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		http.Error(w, "failed to encode dashboard payload", http.StatusInternalServerError)
	}
}
