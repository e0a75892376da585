package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cimatrix/internal/ir"
	"github.com/roach88/cimatrix/internal/store"
)

var _ RunReader = (*store.Store)(nil)

// fakeReader serves canned data and remembers the last filter.
type fakeReader struct {
	runs   []ir.RunRecord
	traces map[string]store.RunTrace
	err    error
	filter store.RunFilter
}

func (f *fakeReader) ListRuns(_ context.Context, filter store.RunFilter) ([]ir.RunRecord, error) {
	f.filter = filter
	return f.runs, f.err
}

func (f *fakeReader) ReadTrace(_ context.Context, id string) (store.RunTrace, error) {
	if f.err != nil {
		return store.RunTrace{}, f.err
	}
	t, ok := f.traces[id]
	if !ok {
		return store.RunTrace{}, fmt.Errorf("read trace: %w", store.ErrNotFound)
	}
	return t, nil
}

type response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *errorBody      `json:"error"`
}

func get(t *testing.T, h http.Handler, target string) (int, response) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "body: %s", rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return rec.Code, resp
}

func TestHealthz(t *testing.T) {
	code, resp := get(t, New(&fakeReader{}, nil), "/healthz")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", resp.Status)
	assert.JSONEq(t, `{"version":"`+ir.EngineVersion+`"}`, string(resp.Data))
}

func TestListRuns(t *testing.T) {
	reader := &fakeReader{runs: []ir.RunRecord{
		{ID: "run-2", Pipeline: "ci", Status: ir.StatusFailed},
		{ID: "run-1", Pipeline: "ci", Status: ir.StatusSucceeded},
	}}
	code, resp := get(t, New(reader, nil), "/runs?pipeline=ci&branch=master&status=failed&limit=5")

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, store.RunFilter{Pipeline: "ci", Branch: "master", Status: ir.StatusFailed, Limit: 5}, reader.filter)

	var runs []ir.RunRecord
	require.NoError(t, json.Unmarshal(resp.Data, &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
}

func TestListRunsBadLimit(t *testing.T) {
	for _, limit := range []string{"abc", "-1"} {
		code, resp := get(t, New(&fakeReader{}, nil), "/runs?limit="+limit)

		assert.Equal(t, http.StatusBadRequest, code, limit)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "E400", resp.Error.Code)
	}
}

func TestListRunsStoreError(t *testing.T) {
	code, resp := get(t, New(&fakeReader{err: errors.New("disk gone")}, nil), "/runs")

	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.NotContains(t, resp.Error.Message, "disk gone")
}

func TestGetRun(t *testing.T) {
	reader := &fakeReader{traces: map[string]store.RunTrace{
		"run-1": {
			Run: ir.RunRecord{ID: "run-1", Status: ir.StatusSucceeded},
			JobRuns: []ir.JobRunRecord{
				{JobRunID: "jr-a", Job: "Docs", Entry: "Docs", Status: ir.StatusSucceeded},
				{JobRunID: "jr-b", Job: "Lint", Entry: "Lint", Status: ir.StatusSkipped},
			},
			Steps: []ir.StepRecord{
				{JobRunID: "jr-a", Index: 1, Name: "build"},
				{JobRunID: "jr-a", Index: 0, Name: "install"},
			},
			Artifacts: []ir.ArtifactRecord{{JobRunID: "jr-a", Name: "html_docs"}},
		},
	}}
	code, resp := get(t, New(reader, nil), "/runs/run-1")
	require.Equal(t, http.StatusOK, code)

	var detail struct {
		Run     ir.RunRecord `json:"run"`
		JobRuns []struct {
			JobRunID string          `json:"job_run_id"`
			Steps    []ir.StepRecord `json:"steps"`
		} `json:"job_runs"`
		Artifacts []ir.ArtifactRecord `json:"artifacts"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &detail))

	assert.Equal(t, "run-1", detail.Run.ID)
	require.Len(t, detail.JobRuns, 2)
	assert.Equal(t, "jr-a", detail.JobRuns[0].JobRunID)
	require.Len(t, detail.JobRuns[0].Steps, 2)
	assert.Equal(t, "install", detail.JobRuns[0].Steps[0].Name)
	assert.NotNil(t, detail.JobRuns[1].Steps)
	assert.Empty(t, detail.JobRuns[1].Steps)
	require.Len(t, detail.Artifacts, 1)
	assert.Equal(t, "html_docs", detail.Artifacts[0].Name)
}

func TestGetRunNotFound(t *testing.T) {
	code, resp := get(t, New(&fakeReader{}, nil), "/runs/missing")

	assert.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E404", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "missing")
}

func TestUnknownRoute(t *testing.T) {
	rec := httptest.NewRecorder()
	New(&fakeReader{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	New(&fakeReader{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServesStore(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	run := ir.RunRecord{
		ID:            "run-1",
		Pipeline:      "ci",
		Branch:        "master",
		Status:        ir.StatusRunning,
		StartedAt:     time.Date(2019, 6, 1, 12, 0, 0, 0, time.UTC),
		EngineVersion: ir.EngineVersion,
	}
	require.NoError(t, s.BeginRun(ctx, run))

	srv := httptest.NewServer(New(s, nil))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/runs/run-1")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var resp response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	assert.Contains(t, string(resp.Data), `"id":"run-1"`)
	assert.Contains(t, string(resp.Data), `"job_runs":[]`)
}

func TestListenAndServeShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(&fakeReader{}, nil).ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
