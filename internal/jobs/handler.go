package jobs

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/warmcache/internal/core/router"
	"github.com/mohammed-shakir/warmcache/internal/schedule"
	"github.com/mohammed-shakir/warmcache/internal/upstream"
	"github.com/mohammed-shakir/warmcache/internal/warm"
)

const ManualSecretHeader = "X-Manual-Secret"

type skippedBody struct {
	Success     bool   `json:"success"`
	Skipped     bool   `json:"skipped"`
	Reason      string `json:"reason"`
	CurrentHour int    `json:"currentHour"`
}

type ranBody struct {
	Success bool         `json:"success"`
	Job     string       `json:"job"`
	TotalMs int64        `json:"totalMs"`
	Warmed  int          `json:"warmed"`
	Failed  int          `json:"failed"`
	Partial int          `json:"partial"`
	Skipped int          `json:"skippedTargets"`
	Results []resultView `json:"results"`
}

type resultView struct {
	EntityID  string   `json:"entityId"`
	OK        bool     `json:"ok"`
	Partial   bool     `json:"partial,omitempty"`
	Skipped   bool     `json:"skipped,omitempty"`
	Cached    bool     `json:"cached"`
	ElapsedMs int64    `json:"elapsedMs"`
	Errors    []string `json:"errors,omitempty"`
}

func view(r warm.Result) resultView {
	v := resultView{
		EntityID:  r.EntityID,
		OK:        r.Succeeded,
		Partial:   r.Partial,
		Skipped:   r.Skipped,
		Cached:    r.Cached,
		ElapsedMs: r.ElapsedMs,
	}
	for _, c := range r.CallResults {
		if !c.OK {
			v.Errors = append(v.Errors, c.Label+": "+c.Error)
		}
	}
	if r.CacheError != "" {
		v.Errors = append(v.Errors, "cache: "+r.CacheError)
	}
	return v
}

// Routes mounts /api/warm/{job} for GET and POST.
func (r *Runner) Routes(rt chi.Router) {
	h := router.Observe("/api/warm/{job}", r.handleWarm)
	rt.Get("/api/warm/{job}", h)
	rt.Post("/api/warm/{job}", h)
}

func (r *Runner) handleWarm(w http.ResponseWriter, req *http.Request) {
	job := chi.URLParam(req, "job")
	force := isTrue(req.URL.Query().Get("force"))

	rep, err := r.Run(req.Context(), job, Trigger{
		Force:  force,
		Secret: req.Header.Get(ManualSecretHeader),
		Source: "http",
	})
	fail := false
	switch {
	case errors.Is(err, ErrUnknownJob):
		router.WriteJSON(w, http.StatusNotFound, router.ErrorBody{Success: &fail, Error: "unknown_job", Detail: job})
		return
	case errors.Is(err, schedule.ErrUnauthorized):
		router.WriteJSON(w, http.StatusUnauthorized, router.ErrorBody{Success: &fail, Error: "unauthorized"})
		return
	case upstream.IsAuthError(err):
		router.WriteJSON(w, http.StatusInternalServerError, router.ErrorBody{Success: &fail, Error: "auth_failure", Detail: err.Error()})
		return
	case err != nil && !errors.Is(err, ErrSweepFailed):
		router.WriteJSON(w, http.StatusInternalServerError, router.ErrorBody{Success: &fail, Error: "warm_failed", Detail: err.Error()})
		return
	}

	if rep.Skipped {
		router.WriteJSON(w, http.StatusOK, skippedBody{
			Success:     true,
			Skipped:     true,
			Reason:      rep.Decision.Reason,
			CurrentHour: rep.Decision.CurrentHour,
		})
		return
	}

	body := ranBody{
		Success: true,
		Job:     rep.Job,
		TotalMs: rep.Summary.TotalMs,
		Warmed:  rep.Summary.Warmed,
		Failed:  rep.Summary.Failed,
		Partial: rep.Summary.Partial,
		Skipped: rep.Summary.Skipped,
		Results: make([]resultView, 0, len(rep.Results)),
	}
	for _, res := range rep.Results {
		body.Results = append(body.Results, view(res))
	}
	router.WriteJSON(w, http.StatusOK, body)
}

func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true":
		return true
	}
	return false
}
