package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/id/uuid"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// listRuns handles GET /v1/crawls/runs?base_url=&status=&limit=&offset=. It
// returns {"runs": [...]} oldest first, or 400 for invalid filters.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status crawler.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err = parseRunStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	runs, err := s.crawls.ListRuns(r.Context(), r.URL.Query().Get("base_url"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	filtered := make([]crawler.Run, 0, len(runs))
	for _, run := range runs {
		if status == "" || run.Status == status {
			filtered = append(filtered, run)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": page(filtered, limit, offset)})
}

// getRun handles GET /v1/crawls/runs/{run_id}. It returns {"run": {...}},
// 400 for a malformed ID or 404 when the run is unknown.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if !uuid.Valid(runID) {
		writeError(w, http.StatusBadRequest, "invalid run_id")
		return
	}
	run, err := s.crawls.GetRun(r.Context(), runID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseRunStatus(input string) (crawler.RunStatus, error) {
	switch status := crawler.RunStatus(strings.ToLower(input)); status {
	case crawler.RunStatusQueued, crawler.RunStatusRunning, crawler.RunStatusSucceeded,
		crawler.RunStatusFailed, crawler.RunStatusCanceled:
		return status, nil
	case "success":
		return crawler.RunStatusSucceeded, nil
	case "error", "failure":
		return crawler.RunStatusFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}
