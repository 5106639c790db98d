package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/stepflow/internal/application/engine"
	"github.com/smilemakc/stepflow/internal/application/tracking"
)

func newTestServer() *Server {
	tracker := tracking.NewTracker(100, 1000, zerolog.Nop())
	eng := engine.New(zerolog.Nop(), nil, tracker, engine.Options{})
	return NewServer(eng, nil, zerolog.Nop())
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func simpleDefinition() map[string]any {
	return map[string]any{
		"name": "greet",
		"steps": []map[string]any{
			{"id": "hello", "type": "user_message", "message": "hello {{inputs.name}}"},
		},
		"inputs": map[string]any{
			"name": map[string]any{"type": "string", "required": true},
		},
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterStartAndAdvance(t *testing.T) {
	s := newTestServer()

	rec := doJSON(t, s, http.MethodPost, "/api/v1/workflows", simpleDefinition())
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/workflows/start", map[string]any{
		"name":   "greet",
		"inputs": map[string]any{"name": "T"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var started struct {
		WorkflowID string `json:"workflow_id"`
		Status     string `json:"status"`
		TotalSteps int    `json:"total_steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, "running", started.Status)
	assert.Equal(t, 1, started.TotalSteps)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/workflows/"+started.WorkflowID+"/next", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var batch struct {
		Steps []struct {
			ID         string         `json:"id"`
			Definition map[string]any `json:"definition"`
		} `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	require.Len(t, batch.Steps, 1)
	assert.Equal(t, "hello T", batch.Steps[0].Definition["message"])

	rec = doJSON(t, s, http.MethodGet, "/api/v1/workflows/"+started.WorkflowID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"completed"`)
}

func TestStartUnknownDefinition(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/api/v1/workflows/start", map[string]any{"name": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestErrorEnvelopeShape(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s, http.MethodGet, "/api/v1/workflows/wf_missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "NOT_FOUND", envelope.Error.Code)
	assert.NotEmpty(t, envelope.Error.Message)
}

func TestListWorkflows(t *testing.T) {
	s := newTestServer()
	doJSON(t, s, http.MethodPost, "/api/v1/workflows", simpleDefinition())
	doJSON(t, s, http.MethodPost, "/api/v1/workflows/start", map[string]any{
		"name":   "greet",
		"inputs": map[string]any{"name": "T"},
	})

	rec := doJSON(t, s, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "greet", list[0]["name"])
}

func TestErrorHistoryEndpoints(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s, http.MethodGet, "/api/v1/errors/summary", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/errors/patterns", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = doJSON(t, s, http.MethodGet, "/api/v1/workflows/wf_x/errors/export?format=csv", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
}
