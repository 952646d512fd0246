package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/tripflow/internal/broadcast"
	"github.com/raphaelgruber/tripflow/internal/decode"
	"github.com/raphaelgruber/tripflow/internal/ingest"
	"github.com/raphaelgruber/tripflow/internal/ledger"
	"github.com/raphaelgruber/tripflow/internal/loader"
	"github.com/raphaelgruber/tripflow/internal/metrics"
	"github.com/raphaelgruber/tripflow/internal/models"
	"github.com/raphaelgruber/tripflow/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validRow = "Prague,POINT (14.4973 50.0003),POINT (14.4358 50.0411),2018-05-28 09:03:40,funny_car\n"
const csvHeader = "region,origin_coord,destination_coord,datetime,datasource\n"

type memInserter struct {
	mu   sync.Mutex
	rows []models.Trip
}

func (m *memInserter) InsertTrips(_ context.Context, rows []models.Trip) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	return len(rows), nil
}

type testEnv struct {
	srv    *httptest.Server
	dir    string
	ledger *ledger.Ledger
	orch   *ingest.Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	l := ledger.New(ledger.NewMemoryStore())
	b := broadcast.New()
	collector := metrics.NewCollector()
	ld := loader.New(&memInserter{}, loader.Config{
		ChunkSize:      2,
		MaxAttempts:    1,
		InsertTimeout:  time.Second,
		InitialBackoff: time.Millisecond,
	}, collector)
	orch := ingest.New(l, b, source.NewLocalProvider(dir), ld, decode.PolicySkip, collector)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(l, b, orch, collector, dir, logger)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		orch.Wait()
	})

	return &testEnv{srv: srv, dir: dir, ledger: l, orch: orch}
}

func (e *testEnv) writeSource(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.dir, name), []byte(content), 0o644))
}

func (e *testEnv) postIngest(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.srv.URL+"/ingest", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeJob(t *testing.T, resp *http.Response) models.IngestionJob {
	t.Helper()
	defer resp.Body.Close()
	var job models.IngestionJob
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	return job
}

// waitForTerminal polls /status until the job reaches a terminal state.
func (e *testEnv) waitForTerminal(t *testing.T, jobID string) models.IngestionJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(e.srv.URL + "/status/" + jobID)
		require.NoError(t, err)
		job := decodeJob(t, resp)
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", jobID)
	return models.IngestionJob{}
}

func TestIngestAndStatus(t *testing.T) {
	e := newTestEnv(t)
	e.writeSource(t, "trips.csv", csvHeader+validRow+validRow+validRow)

	resp := e.postIngest(t, `{"job_id":"job-1","source_ref":"trips.csv"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decodeJob(t, resp)
	assert.Equal(t, "job-1", job.JobID)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	done := e.waitForTerminal(t, "job-1")
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, int64(3), done.InsertedCount)
	require.NotNil(t, done.ExpectedCount)
	assert.Equal(t, int64(3), *done.ExpectedCount)
}

func TestIngestGeneratesJobID(t *testing.T) {
	e := newTestEnv(t)
	e.writeSource(t, "trips.csv", csvHeader+validRow)

	resp := e.postIngest(t, `{"source_ref":"trips.csv"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decodeJob(t, resp)
	assert.NotEmpty(t, job.JobID)

	e.waitForTerminal(t, job.JobID)
}

func TestIngestValidation(t *testing.T) {
	e := newTestEnv(t)

	resp := e.postIngest(t, `{"job_id":"job-1"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.postIngest(t, `{not json`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestDuplicateJobID(t *testing.T) {
	e := newTestEnv(t)
	e.writeSource(t, "trips.csv", csvHeader+validRow)

	resp := e.postIngest(t, `{"job_id":"job-1","source_ref":"trips.csv"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = e.postIngest(t, `{"job_id":"job-1","source_ref":"trips.csv"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	e.waitForTerminal(t, "job-1")
}

func TestIngestMultipartUpload(t *testing.T) {
	e := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("job_id", "upload-1"))
	fw, err := mw.CreateFormFile("file", "trips.csv")
	require.NoError(t, err)
	_, err = io.WriteString(fw, csvHeader+validRow+validRow)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.srv.URL+"/ingest", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decodeJob(t, resp)
	assert.Equal(t, "upload-1", job.JobID)
	assert.True(t, strings.HasPrefix(job.SourceRef, "uploads/"), "SourceRef = %q", job.SourceRef)

	done := e.waitForTerminal(t, "upload-1")
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, int64(2), done.InsertedCount)
}

func TestStatusUnknownJob(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.srv.URL + "/status/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobsList(t *testing.T) {
	e := newTestEnv(t)
	e.writeSource(t, "trips.csv", csvHeader+validRow)

	resp, err := http.Get(e.srv.URL + "/jobs")
	require.NoError(t, err)
	var empty struct {
		Jobs []models.IngestionJob `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	resp.Body.Close()
	assert.Empty(t, empty.Jobs)

	r := e.postIngest(t, `{"job_id":"job-1","source_ref":"trips.csv"}`)
	r.Body.Close()
	e.waitForTerminal(t, "job-1")

	resp, err = http.Get(e.srv.URL + "/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got struct {
		Jobs []models.IngestionJob `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, "job-1", got.Jobs[0].JobID)
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func TestWatchStreamsToTerminal(t *testing.T) {
	e := newTestEnv(t)
	e.writeSource(t, "trips.csv", csvHeader+strings.Repeat(validRow, 10))

	resp := e.postIngest(t, `{"job_id":"job-1","source_ref":"trips.csv"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL(e.srv.URL, "/ws/job-1"), nil)
	require.NoError(t, err)
	if wsResp != nil {
		wsResp.Body.Close()
	}
	defer conn.Close()

	var snaps []models.ProgressSnapshot
	for {
		var snap models.ProgressSnapshot
		if err := conn.ReadJSON(&snap); err != nil {
			break
		}
		snaps = append(snaps, snap)
		if snap.Status.Terminal() {
			break
		}
	}

	require.NotEmpty(t, snaps)
	var prev int64
	for _, s := range snaps {
		assert.Equal(t, "job-1", s.JobID)
		assert.GreaterOrEqual(t, s.InsertedCount, prev)
		prev = s.InsertedCount
	}
	last := snaps[len(snaps)-1]
	assert.Equal(t, models.JobStatusCompleted, last.Status)
	assert.Equal(t, int64(10), last.InsertedCount)
}

func TestWatchFinishedJobGetsFinalSnapshot(t *testing.T) {
	e := newTestEnv(t)
	e.writeSource(t, "trips.csv", csvHeader+validRow)

	resp := e.postIngest(t, `{"job_id":"job-1","source_ref":"trips.csv"}`)
	resp.Body.Close()
	e.waitForTerminal(t, "job-1")

	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL(e.srv.URL, "/ws/job-1"), nil)
	require.NoError(t, err)
	if wsResp != nil {
		wsResp.Body.Close()
	}
	defer conn.Close()

	var snap models.ProgressSnapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, models.JobStatusCompleted, snap.Status)
	assert.Equal(t, int64(1), snap.InsertedCount)

	// The stream ends with a normal close after the final snapshot.
	err = conn.ReadJSON(&snap)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "close error = %v", err)
}

func TestWatchUnknownJob(t *testing.T) {
	e := newTestEnv(t)

	_, wsResp, err := websocket.DefaultDialer.Dial(wsURL(e.srv.URL, "/ws/nope"), nil)
	require.Error(t, err)
	require.NotNil(t, wsResp)
	defer wsResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, wsResp.StatusCode)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStats(t *testing.T) {
	e := newTestEnv(t)
	e.writeSource(t, "trips.csv", csvHeader+validRow)

	r := e.postIngest(t, `{"job_id":"job-1","source_ref":"trips.csv"}`)
	r.Body.Close()
	e.waitForTerminal(t, "job-1")

	resp, err := http.Get(e.srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap metrics.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Greater(t, snap.UptimeSeconds, 0.0)
	require.NotNil(t, snap.HTTPRequest)
	assert.Greater(t, snap.HTTPRequest.Count, int64(0))
	require.NotNil(t, snap.BulkInsert)
}
