package jobs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveWarm(t *testing.T, fx *fixture, method, target, secret string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	r := chi.NewRouter()
	fx.runner.Routes(r)

	req := httptest.NewRequest(method, target, nil)
	if secret != "" {
		req.Header.Set(ManualSecretHeader, secret)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestHandler_SkippedOutsideHour(t *testing.T) {
	fx := newFixture(t)
	rec, body := serveWarm(t, fx, http.MethodGet, "/api/warm/sectors", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["skipped"])
	assert.Equal(t, "outside_scheduled_hour", body["reason"])
	assert.Equal(t, float64(9), body["currentHour"])
}

func TestHandler_ForceWithoutSecretIsUnauthorized(t *testing.T) {
	fx := newFixture(t)
	for _, q := range []string{"force=1", "force=true"} {
		rec, body := serveWarm(t, fx, http.MethodPost, "/api/warm/sectors?"+q, "wrong")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "unauthorized", body["error"])
	}
	assert.Zero(t, fx.f.calls.Load())
}

func TestHandler_ForcedRunReportsCounts(t *testing.T) {
	fx := newFixture(t)
	rec, body := serveWarm(t, fx, http.MethodPost, "/api/warm/sectors?force=1", "s3cret")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["warmed"])
	assert.Equal(t, float64(0), body["failed"])
	assert.Contains(t, body, "totalMs")
	results, ok := body["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	first := results[0].(map[string]any)
	assert.Equal(t, "a", first["entityId"])
	assert.Equal(t, true, first["cached"])
}

func TestHandler_ScheduledHourRuns(t *testing.T) {
	fx := newFixture(t)
	fx.runner.now = func() time.Time { return atHour }
	rec, body := serveWarm(t, fx, http.MethodGet, "/api/warm/lists", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), body["warmed"])
}

func TestHandler_AuthFailure(t *testing.T) {
	fx := newFixture(t)
	fx.creds.token = ""
	rec, body := serveWarm(t, fx, http.MethodGet, "/api/warm/all?force=1", "s3cret")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "auth_failure", body["error"])
	assert.Contains(t, body["detail"], "service")
}

func TestHandler_UnknownJob(t *testing.T) {
	fx := newFixture(t)
	rec, body := serveWarm(t, fx, http.MethodGet, "/api/warm/bogus", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_job", body["error"])
}
