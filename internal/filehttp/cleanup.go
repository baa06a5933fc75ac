package filehttp

import (
	"net/http"

	"github.com/keithlinneman/cfdexchange/internal/log"
	"github.com/keithlinneman/cfdexchange/internal/retention"
)

type sweepFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type sweepSummary struct {
	Removed  []string       `json:"removed"`
	Failures []sweepFailure `json:"failures"`
}

type cleanupResponse struct {
	Cases   sweepSummary `json:"cases"`
	Files   sweepSummary `json:"files"`
	Orphans sweepSummary `json:"orphans"`
}

func summarize(rep retention.Report) sweepSummary {
	s := sweepSummary{Removed: []string{}, Failures: []sweepFailure{}}
	s.Removed = append(s.Removed, rep.Removed...)
	for _, f := range rep.Failures {
		s.Failures = append(s.Failures, sweepFailure{Path: f.Path, Error: f.Err.Error()})
	}
	return s
}

func (api *API) runSweeps(r *http.Request) retention.Result {
	ctx := r.Context()
	res := api.sweeps.Trigger(ctx)
	log.FromContext(ctx).Info(ctx, "cleanup triggered", "removed", res.Removed(), "failed", res.Failed())
	return res
}

func (api *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res := api.runSweeps(r)
	api.writeJSON(r.Context(), w, http.StatusOK, cleanupResponse{
		Cases:   summarize(res.Cases),
		Files:   summarize(res.Files),
		Orphans: summarize(res.Orphans),
	})
}

// handleLegacyCleanup keeps the old GET entry point used by cron jobs, which
// expect to land on the explorer afterwards.
func (api *API) handleLegacyCleanup(w http.ResponseWriter, r *http.Request) {
	api.runSweeps(r)
	http.Redirect(w, r, "/explore/", http.StatusSeeOther)
}
