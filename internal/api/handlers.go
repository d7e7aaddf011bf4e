package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/danielpatrickdp/dbheal/internal/eval"
	"github.com/danielpatrickdp/dbheal/internal/store"
	"github.com/danielpatrickdp/dbheal/internal/stream"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// RunResponse is one evaluation run. Undefined metrics are null.
type RunResponse struct {
	RunID       string     `json:"run_id"`
	CreatedAt   time.Time  `json:"created_at"`
	Source      string     `json:"source"`
	Granularity string     `json:"granularity"`
	Steps       int        `json:"steps"`
	Episodes    int        `json:"episodes"`
	TotalReward float64    `json:"total_reward"`
	MTTR        eval.Value `json:"mean_time_to_recovery"`
	ZDSR        eval.Value `json:"zero_downtime_success_rate"`
	ARA         eval.Value `json:"anomaly_resolution_accuracy"`
	UptimeRatio eval.Value `json:"uptime_ratio"`
}

// AnomalyResponse is a flagged stream buffer row.
type AnomalyResponse struct {
	SpillNumber  string        `json:"spill_number"`
	SpillDate    *time.Time    `json:"spill_date"`
	MaterialName string        `json:"material_name"`
	Quantity     *float64      `json:"quantity"`
	Recovered    *float64      `json:"recovered"`
	AnomalyFlag  bool          `json:"spill_anomaly_flag"`
	StreamedAt   time.Time     `json:"streamed_at"`
	Flags        []stream.Flag `json:"flags"`
}

// handleHealth reports whether the database answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		errorResponse(w, http.StatusServiceUnavailable, "database unavailable: "+err.Error())
		return
	}
	successResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, defaultLimit)
	if !ok {
		return
	}
	rows, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "list runs: "+err.Error())
		return
	}
	out := make([]RunResponse, len(rows))
	for i, row := range rows {
		out[i] = RunResponse{
			RunID:       row.RunID,
			CreatedAt:   row.CreatedAt,
			Source:      row.Source,
			Granularity: row.Granularity,
			Steps:       row.Steps,
			Episodes:    row.Episodes,
			TotalReward: row.TotalReward,
			MTTR:        eval.FromNull(row.MTTR),
			ZDSR:        eval.FromNull(row.ZDSR),
			ARA:         eval.FromNull(row.ARA),
			UptimeRatio: eval.FromNull(row.UptimeRatio),
		}
	}
	successResponse(w, map[string]interface{}{"runs": out, "count": len(out)})
}

func (s *Server) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, defaultLimit)
	if !ok {
		return
	}
	rows, err := s.store.ListEpisodes(r.Context(), limit)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "list episodes: "+err.Error())
		return
	}
	if rows == nil {
		rows = []store.EpisodeRow{}
	}
	successResponse(w, map[string]interface{}{"episodes": rows, "count": len(rows)})
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	steps, err := s.store.LoadSteps(r.Context(), id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "load steps: "+err.Error())
		return
	}
	if len(steps) == 0 {
		errorResponse(w, http.StatusNotFound, "episode not found: "+id)
		return
	}
	successResponse(w, map[string]interface{}{
		"episode_id": id,
		"steps":      steps,
		"summary":    eval.Evaluate(steps, eval.DefaultEvalConfig()),
	})
}

func (s *Server) handleStreamAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, defaultLimit)
	if !ok {
		return
	}
	rows, err := s.store.RecentStream(r.Context(), limit)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "recent stream: "+err.Error())
		return
	}

	out := make([]AnomalyResponse, 0, len(rows))
	for _, row := range rows {
		found := stream.Inspect([]store.Incident{row.Incident}, s.rules)
		if len(found) == 0 {
			continue
		}
		a := AnomalyResponse{
			SpillNumber:  row.SpillNumber,
			MaterialName: row.MaterialName,
			AnomalyFlag:  row.AnomalyFlag,
			StreamedAt:   row.StreamedAt,
			Flags:        found[0].Flags,
		}
		if row.SpillDate.Valid {
			t := row.SpillDate.Time
			a.SpillDate = &t
		}
		if row.Quantity.Valid {
			q := row.Quantity.Float64
			a.Quantity = &q
		}
		if row.Recovered.Valid {
			rec := row.Recovered.Float64
			a.Recovered = &rec
		}
		out = append(out, a)
	}
	successResponse(w, map[string]interface{}{
		"inspected": len(rows),
		"anomalies": out,
		"count":     len(out),
	})
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}
