package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ams/config"
	"ams/core"
	"ams/service"
	"ams/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.API.Port = 8081
	cfg.API.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.API.MaxBodyBytes = 1 << 20
	cfg.API.RateLimit.RequestsPerSecond = 1000
	cfg.API.RateLimit.Burst = 1000
	return cfg
}

// setupTestAPI builds the API over a fresh database seeded with enough reference data
// to create submissions, observables and analyses.
func setupTestAPI(t *testing.T, cfg *config.Config) *API {
	t.Helper()
	logger := zap.NewNop().Sugar()

	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	stores, err := service.NewStores(db, 64, logger)
	require.NoError(t, err)
	services := service.NewServices(stores, core.NewFixedClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), time.Second), nil, logger)

	ctx := context.Background()
	_, _, err = services.References.CreateUser(ctx, core.UserCreate{Username: "analyst"})
	require.NoError(t, err)
	seeds := map[core.ReferenceKind][]string{
		core.ReferenceQueue:              {"default"},
		core.ReferenceSubmissionType:     {"manual"},
		core.ReferenceObservableType:     {"ipv4", "fqdn"},
		core.ReferenceAnalysisModuleType: {"IP Lookup"},
		core.ReferenceTag:                {"a", "b"},
		core.ReferenceRelationshipType:   {"IS_EQUAL"},
	}
	for kind, values := range seeds {
		for _, v := range values {
			_, _, err := services.References.Create(ctx, kind, core.ReferenceCreate{Value: v})
			require.NoError(t, err)
		}
	}

	a := NewAPI(services, cfg, logger)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}

func doJSON(t *testing.T, a *API, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func createSubmission(t *testing.T, a *API) core.Submission {
	t.Helper()
	rr := doJSON(t, a, "POST", "/api/submissions", map[string]interface{}{
		"queue":            "default",
		"submission_type":  "manual",
		"tags":             []string{"a"},
		"observables":      []map[string]interface{}{{"type": "ipv4", "value": "10.1.1.1", "history_username": "analyst"}},
		"history_username": "analyst",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[core.Submission](t, rr)
}

func TestNewAPI_PanicsOnNilDeps(t *testing.T) {
	assert.PanicsWithValue(t, "services are required", func() {
		NewAPI(nil, newTestConfig(), zap.NewNop().Sugar())
	})
}

func TestAPI_SubmissionLifecycle(t *testing.T) {
	a := setupTestAPI(t, newTestConfig())
	sub := createSubmission(t, a)

	rr := doJSON(t, a, "GET", "/api/submissions/"+sub.UUID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[core.Submission](t, rr)
	assert.Equal(t, sub.Version, got.Version)
	assert.Equal(t, []string{"a"}, got.Tags)

	stale := uuid.New()
	rr = doJSON(t, a, "PATCH", "/api/submissions/"+sub.UUID.String(), map[string]interface{}{
		"version": stale, "name": "renamed", "history_username": "analyst",
	})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, a, "PATCH", "/api/submissions/"+sub.UUID.String(), map[string]interface{}{
		"version": sub.Version, "name": "renamed", "tags": []string{"a", "b"}, "history_username": "analyst",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	updated := decode[core.Submission](t, rr)
	assert.Equal(t, "renamed", *updated.Name)
	assert.NotEqual(t, sub.Version, updated.Version)

	rr = doJSON(t, a, "GET", "/api/submissions/"+sub.UUID.String()+"/history", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	history := decode[[]core.HistoryRecord](t, rr)
	require.Len(t, history, 3)
	assert.Equal(t, core.HistoryActionCreate, history[0].Action)

	rr = doJSON(t, a, "GET", "/api/submissions?limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]core.Submission](t, rr), 1)
}

func TestAPI_SubmissionTree(t *testing.T) {
	a := setupTestAPI(t, newTestConfig())
	sub := createSubmission(t, a)

	rr := doJSON(t, a, "GET", "/api/submissions/"+sub.UUID.String()+"/tree", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	tree := decode[core.SubmissionTree](t, rr)
	require.Len(t, tree.Children, 1)
	obs := tree.Children[0]
	assert.Equal(t, "10.1.1.1", obs.Observable.Value)
	assert.False(t, obs.CriticalPath)

	rr = doJSON(t, a, "GET", fmt.Sprintf("/api/submissions/%s/tree?critical_point=%s", sub.UUID, obs.UUID), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[core.SubmissionTree](t, rr).Children[0].CriticalPath)

	rr = doJSON(t, a, "GET", "/api/submissions/"+sub.UUID.String()+"/tree?critical_point=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, a, "GET", "/api/submissions/"+uuid.NewString()+"/tree", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_CreateStatusReflectsIdempotency(t *testing.T) {
	a := setupTestAPI(t, newTestConfig())
	body := map[string]interface{}{"type": "fqdn", "value": "example.com", "history_username": "analyst"}

	first := doJSON(t, a, "POST", "/api/observables", body)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := doJSON(t, a, "POST", "/api/observables", body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, decode[core.Observable](t, first).UUID, decode[core.Observable](t, second).UUID)

	rr := doJSON(t, a, "POST", "/api/observables/batch", []map[string]interface{}{
		body,
		{"type": "ipv4", "value": "192.0.2.1", "history_username": "analyst"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Len(t, decode[[]core.Observable](t, rr), 2)
}

func TestAPI_ErrorMapping(t *testing.T) {
	a := setupTestAPI(t, newTestConfig())

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"unknown queue", "POST", "/api/submissions", map[string]interface{}{"queue": "nope", "submission_type": "manual", "history_username": "analyst"}, http.StatusNotFound},
		{"missing actor", "POST", "/api/submissions", map[string]interface{}{"queue": "default", "submission_type": "manual"}, http.StatusBadRequest},
		{"missing required field", "POST", "/api/submissions", map[string]interface{}{"submission_type": "manual", "history_username": "analyst"}, http.StatusBadRequest},
		{"unknown field", "POST", "/api/observables", `{"type":"fqdn","value":"x.com","colour":"red","history_username":"analyst"}`, http.StatusBadRequest},
		{"malformed json", "POST", "/api/observables", `{"type":`, http.StatusBadRequest},
		{"wrong type", "POST", "/api/observables", `{"type":1}`, http.StatusBadRequest},
		{"missing submission", "GET", "/api/submissions/" + uuid.NewString(), nil, http.StatusNotFound},
		{"missing observable", "PATCH", "/api/observables/" + uuid.NewString(), map[string]interface{}{"context": "x", "history_username": "analyst"}, http.StatusNotFound},
		{"non uuid path", "GET", "/api/submissions/not-a-uuid", nil, http.StatusNotFound},
		{"unknown module", "POST", "/api/analyses", map[string]interface{}{"submission_uuid": uuid.New(), "analysis_module_type": "nope", "target_uuid": uuid.New(), "history_username": "analyst"}, http.StatusNotFound},
		{"cached lookup without module", "GET", "/api/analyses/cached?target=" + uuid.NewString(), nil, http.StatusBadRequest},
		{"empty batch", "PATCH", "/api/submissions", `[]`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, a, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
		})
	}
}

func TestAPI_BatchUpdateReportsIndex(t *testing.T) {
	a := setupTestAPI(t, newTestConfig())
	first := createSubmission(t, a)
	second := createSubmission(t, a)

	rr := doJSON(t, a, "PATCH", "/api/submissions", []map[string]interface{}{
		{"uuid": first.UUID, "version": first.Version, "name": "one", "history_username": "analyst"},
		{"uuid": second.UUID, "version": uuid.New(), "name": "two", "history_username": "analyst"},
	})
	require.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())
	body := decode[errorResponse](t, rr)
	require.NotNil(t, body.Index)
	assert.Equal(t, 1, *body.Index)

	rr = doJSON(t, a, "GET", "/api/submissions/"+first.UUID.String(), nil)
	assert.Equal(t, first.Version, decode[core.Submission](t, rr).Version, "the whole batch rolled back")

	rr = doJSON(t, a, "PATCH", "/api/submissions", []map[string]interface{}{
		{"name": "no uuid", "history_username": "analyst"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_AnalysisAndComments(t *testing.T) {
	a := setupTestAPI(t, newTestConfig())
	sub := createSubmission(t, a)
	tree := decode[core.SubmissionTree](t, doJSON(t, a, "GET", "/api/submissions/"+sub.UUID.String()+"/tree", nil))
	target := tree.Children[0].UUID

	rr := doJSON(t, a, "POST", "/api/analyses", map[string]interface{}{
		"submission_uuid": sub.UUID, "analysis_module_type": "IP Lookup", "target_uuid": target,
		"summary": "clean", "history_username": "analyst",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	analysis := decode[core.Analysis](t, rr)

	obs := decode[core.Observable](t, doJSON(t, a, "POST", "/api/observables", map[string]interface{}{
		"type": "fqdn", "value": "child.example", "history_username": "analyst",
	}))
	rr = doJSON(t, a, "POST", "/api/analyses/"+analysis.UUID.String()+"/observables", map[string]interface{}{
		"observable_uuid": obs.UUID, "history_username": "analyst",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, decode[core.Analysis](t, rr).ChildObservableUUIDs, obs.UUID)

	rr = doJSON(t, a, "POST", "/api/comments", map[string]interface{}{
		"node_uuid": sub.UUID, "username": "analyst", "value": "triaged", "history_username": "analyst",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	comment := decode[core.Comment](t, rr)

	rr = doJSON(t, a, "GET", "/api/nodes/"+sub.UUID.String()+"/comments", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]core.Comment](t, rr), 1)

	rr = doJSON(t, a, "DELETE", "/api/comments/"+comment.UUID.String(), map[string]interface{}{
		"version": comment.Version, "history_username": "analyst",
	})
	assert.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	rr = doJSON(t, a, "GET", "/api/comments/"+comment.UUID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_ReferenceData(t *testing.T) {
	a := setupTestAPI(t, newTestConfig())

	rr := doJSON(t, a, "GET", "/api/reference/colours", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, a, "POST", "/api/reference/disposition", map[string]interface{}{"value": "BENIGN", "rank": 1})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = doJSON(t, a, "POST", "/api/reference/disposition", map[string]interface{}{"value": "BENIGN", "rank": 1})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, a, "POST", "/api/reference/disposition", map[string]interface{}{"value": "MALICIOUS", "rank": 2})
	require.Equal(t, http.StatusCreated, rr.Code)
	malicious := decode[core.ReferenceValue](t, rr)

	rr = doJSON(t, a, "PATCH", "/api/reference/disposition/"+malicious.UUID.String(), map[string]interface{}{"rank": 1})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, a, "PATCH", "/api/reference/disposition/"+malicious.UUID.String(), map[string]interface{}{"rank": 3})
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = doJSON(t, a, "DELETE", "/api/reference/disposition/"+malicious.UUID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = doJSON(t, a, "GET", "/api/reference/disposition", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]core.ReferenceValue](t, rr), 1)

	rr = doJSON(t, a, "POST", "/api/users", map[string]interface{}{"username": "carol"})
	assert.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = doJSON(t, a, "GET", "/api/users", nil)
	assert.Len(t, decode[[]core.User](t, rr), 2)
}

func TestAPI_RateLimit(t *testing.T) {
	cfg := newTestConfig()
	cfg.API.RateLimit.RequestsPerSecond = 1
	cfg.API.RateLimit.Burst = 1
	a := setupTestAPI(t, cfg)

	assert.Equal(t, http.StatusOK, doJSON(t, a, "GET", "/health", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, doJSON(t, a, "GET", "/health", nil).Code)
}

func TestAPI_CORS(t *testing.T) {
	a := setupTestAPI(t, newTestConfig())

	req := httptest.NewRequest("OPTIONS", "/api/submissions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, req)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	a.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestGetRealIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		trust      bool
		networks   []string
		want       string
	}{
		{"direct", "203.0.113.5:1234", "", false, nil, "203.0.113.5"},
		{"untrusted proxy header ignored", "203.0.113.5:1234", "198.51.100.1", false, nil, "203.0.113.5"},
		{"peer outside trusted networks", "203.0.113.5:1234", "198.51.100.1", true, []string{"10.0.0.0/8"}, "203.0.113.5"},
		{"trusted proxy", "10.0.0.2:1234", "198.51.100.1, 10.0.0.2", true, []string{"10.0.0.0/8"}, "198.51.100.1"},
		{"trusted exact ip", "10.0.0.2:1234", "198.51.100.7", true, []string{"10.0.0.2"}, "198.51.100.7"},
		{"garbage header", "10.0.0.2:1234", "not-an-ip", true, []string{"10.0.0.0/8"}, "10.0.0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, getRealIP(r, tt.trust, tt.networks))
		})
	}
}

func TestStatusForError(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		err  error
		want int
	}{
		{core.UUIDNotFound("submission", id), http.StatusNotFound},
		{core.ValueNotFound("tag", "x"), http.StatusNotFound},
		{core.VersionMismatch("submission", id, id, id), http.StatusConflict},
		{core.ErrDuplicateUUID, http.StatusConflict},
		{core.InvalidField("queue", "cannot be null"), http.StatusBadRequest},
		{&service.BatchError{Index: 2, Err: core.ErrInvalidField}, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", storage.ErrConstraintViolation), http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}

func TestSanitizeErrorMessage(t *testing.T) {
	assert.Equal(t, "open [FILE_PATH]: denied", sanitizeErrorMessage("open /var/lib/ams/ams.db: denied"))
	assert.Equal(t, "dial [CONNECTION] failed", sanitizeErrorMessage("dial redis://user@cache:6379 failed"))
	assert.Equal(t, "password=[REDACTED]", sanitizeErrorMessage("password=hunter2"))
	assert.Len(t, sanitizeErrorMessage(strings.Repeat("x", 2000)), maxErrorMessageLength)
}

func TestAPI_InternalErrorsAreGeneric(t *testing.T) {
	a := setupTestAPI(t, newTestConfig())
	rr := httptest.NewRecorder()
	a.writeServiceError(rr, errors.New("sql: database is locked at /tmp/x.db"))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "Internal server error", decode[errorResponse](t, rr).Error)
}
