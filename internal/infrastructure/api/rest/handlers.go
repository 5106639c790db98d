package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/smilemakc/stepflow/internal/application/tracking"
	"github.com/smilemakc/stepflow/internal/domain"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.List())
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var def domain.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, domain.NewDomainError(domain.ErrCodeInvalidInput, "invalid definition payload", err))
		return
	}
	if err := s.engine.Register(&def); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": def.Name})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string         `json:"name"`
		Inputs map[string]any `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewDomainError(domain.ErrCodeInvalidInput, "invalid start payload", err))
		return
	}
	result, err := s.engine.Start(req.Name, req.Inputs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleNextStep(w http.ResponseWriter, r *http.Request) {
	batch, err := s.engine.GetNextStep(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if batch == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleNextSubAgentStep(w http.ResponseWriter, r *http.Request) {
	resp, err := s.engine.GetNextSubAgentStep(r.PathValue("id"), r.PathValue("task"))
	if err != nil {
		writeError(w, err)
		return
	}
	if resp == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	var result map[string]any
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeError(w, domain.NewDomainError(domain.ErrCodeInvalidInput, "invalid result payload", err))
		return
	}
	applied, err := s.engine.SubmitStepResult(r.PathValue("id"), r.PathValue("step"), result)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tracker := s.engine.Tracker()
	response := map[string]any{
		"errors":  tracker.History.WorkflowErrors(id),
		"summary": tracker.Summarise(id),
	}
	if window := r.URL.Query().Get("recent"); window != "" {
		if d, err := time.ParseDuration(window); err == nil {
			response["recent"] = tracker.History.RecentErrors(d)
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleErrorsExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tracker := s.engine.Tracker()

	switch r.URL.Query().Get("format") {
	case "csv":
		data, err := tracker.ExportCSV(id)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	default:
		data, err := tracker.ExportJSON(id)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

func (s *Server) handleErrorSummary(w http.ResponseWriter, r *http.Request) {
	tracker := s.engine.Tracker()
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":        tracker.Summarise(""),
		"recovery_stats": tracker.RecoveryStats(),
	})
}

func (s *Server) handleErrorPatterns(w http.ResponseWriter, r *http.Request) {
	patterns := s.engine.Tracker().DetectPatterns()
	if patterns == nil {
		patterns = []tracking.Pattern{}
	}
	writeJSON(w, http.StatusOK, patterns)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the {code, message, data?} envelope with an HTTP
// status derived from the taxonomy code.
func writeError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	envelope := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": err.Error(),
		},
	}
	var de *domain.DomainError
	if errors.As(err, &de) && len(de.Data) > 0 {
		envelope["error"].(map[string]any)["data"] = de.Data
	}
	writeJSON(w, httpStatus(code), envelope)
}

func httpStatus(code string) int {
	switch code {
	case domain.ErrCodeNotFound:
		return http.StatusNotFound
	case domain.ErrCodeInvalidInput, domain.ErrCodeInvalidPath, domain.ErrCodeValidationFailed:
		return http.StatusBadRequest
	case domain.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case domain.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
