package integration

import (
	"net/http"
	"testing"
)

type dedupStatsResponse struct {
	Pending     int     `json:"pending"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Swept       int64   `json:"swept"`
	Failures    int64   `json:"failures"`
	SweepActive bool    `json:"sweep_active"`
}

type dedupCleanupResponse struct {
	Removed int `json:"removed"`
}

type dedupClearResponse struct {
	Success bool `json:"success"`
}

func TestQueryDedupEndpoints(t *testing.T) {
	requireService(t)

	t.Run("GET /api/query-dedup/stats", func(t *testing.T) {
		status, body := doJSON(t, http.MethodGet, "/api/query-dedup/stats", nil)
		assertStatusIn(t, status, 200)

		var resp dedupStatsResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.Pending < 0 {
			t.Fatalf("expected non-negative pending, got %d", resp.Pending)
		}
		if resp.Hits < 0 || resp.Misses < 0 {
			t.Fatalf("expected non-negative hits/misses")
		}
		if resp.HitRate < 0 || resp.HitRate > 1 {
			t.Fatalf("expected hit_rate in [0,1], got %v", resp.HitRate)
		}
		if !resp.SweepActive {
			t.Fatalf("expected background sweep to be running")
		}
	})

	t.Run("POST /api/query-dedup/cleanup", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/api/query-dedup/cleanup", nil)
		assertStatusIn(t, status, 200)

		var resp dedupCleanupResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.Removed < 0 {
			t.Fatalf("expected removed >= 0, got %d", resp.Removed)
		}
	})

	t.Run("POST /api/query-dedup/clear", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/api/query-dedup/clear", map[string]any{
			"reason": "integration test",
		})
		assertStatusIn(t, status, 200)

		var resp dedupClearResponse
		mustUnmarshalJSON(t, body, &resp)
		if !resp.Success {
			t.Fatalf("expected success=true")
		}
	})

	t.Run("stats after clear", func(t *testing.T) {
		status, body := doJSON(t, http.MethodGet, "/api/query-dedup/stats", nil)
		assertStatusIn(t, status, 200)

		var resp dedupStatsResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.Pending != 0 {
			t.Fatalf("expected 0 pending queries after clear, got %d", resp.Pending)
		}
	})
}
