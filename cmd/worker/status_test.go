package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/checkextract-worker/internal/storage"
)

type fakeJobs struct {
	pingErr error
}

func (f *fakeJobs) Ping(context.Context) error { return f.pingErr }

func (f *fakeJobs) GetJobByID(_ context.Context, jobID string) (*storage.JobRecord, error) {
	if jobID != "job-1" {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	return &storage.JobRecord{ID: "job-1", Status: "complete", TotalChecks: 3}, nil
}

func (f *fakeJobs) GetStats(context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"postgres": map[string]interface{}{"idle": 1}}, nil
}

type fakeQueue struct{}

func (fakeQueue) Stop() error { return nil }

func (fakeQueue) Stats(context.Context) (interface{}, error) {
	return map[string]int64{"waiting": 2}, nil
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestStatusServer(t *testing.T) {
	h := newStatusServer(":0", &fakeJobs{}, fakeQueue{}).Handler

	code, body := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = get(t, h, "/jobs/job-1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "complete", body["status"])
	assert.Equal(t, float64(3), body["totalChecks"])

	code, _ = get(t, h, "/jobs/job-404")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get(t, h, "/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["queue"].(map[string]interface{})["waiting"])
	assert.Contains(t, body, "storage")
}

func TestStatusServerDegraded(t *testing.T) {
	h := newStatusServer(":0", &fakeJobs{pingErr: errors.New("connection refused")}, nil).Handler
	code, body := get(t, h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])

	noDB := newStatusServer(":0", nil, nil).Handler
	code, _ = get(t, noDB, "/jobs/job-1")
	assert.Equal(t, http.StatusNotImplemented, code)
	code, body = get(t, noDB, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}
