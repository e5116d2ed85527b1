package adminapi

import (
    "bytes"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "path/filepath"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/mariadb-labs/dbproxy/internal/diff"
    "github.com/mariadb-labs/dbproxy/internal/wcar/capture"
    "github.com/mariadb-labs/dbproxy/internal/wcar/record"
    "github.com/mariadb-labs/dbproxy/internal/workerpool"
)

func newTestServer(t *testing.T, withDiff, withRecorder bool) *Server {
    t.Helper()
    var deps Deps

    if withDiff {
        deps.Diff = diff.NewAdmin(diff.AdminConfig{
            Pool:             workerpool.New(1, 16),
            BelongsToService: func(workerpool.SessionID) bool { return true },
            RestartSession:   func(workerpool.SessionID) {},
        })
    }
    if withRecorder {
        storage, err := record.Create(filepath.Join(t.TempDir(), "capture"))
        require.NoError(t, err)
        deps.Recorder = record.NewRecorder(storage, 16, 4)
        deps.Capture = capture.New(deps.Recorder)
    }

    return NewServer("127.0.0.1:0", deps)
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
    t.Helper()
    var buf bytes.Buffer
    if body != nil {
        require.NoError(t, json.NewEncoder(&buf).Encode(body))
    }
    req := httptest.NewRequest(method, path, &buf)
    rec := httptest.NewRecorder()
    s.srv.Handler.ServeHTTP(rec, req)
    return rec
}

func TestDiffEndpointsReturn503WithoutConfiguredAdmin(t *testing.T) {
    s := newTestServer(t, false, false)
    rec := doRequest(t, s, http.MethodGet, "/admin/diff/status", nil)
    assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDiffPrepareStartStatusStopFlow(t *testing.T) {
    s := newTestServer(t, true, false)

    prepareBody := prepareRequest{
        Main:             "main",
        Other:            []string{"replica1"},
        ComparisonKind:   "read_only",
        ReportPolicy:     "always",
        ErrorPolicy:      "ignore",
        ThresholdPercent: 10,
        ExportKind:       "log",
    }
    rec := doRequest(t, s, http.MethodPost, "/admin/diff/prepare", prepareBody)
    require.Equal(t, http.StatusOK, rec.Code)

    rec = doRequest(t, s, http.MethodPost, "/admin/diff/prepare", prepareBody)
    assert.Equal(t, http.StatusConflict, rec.Code, "preparing twice must fail")

    rec = doRequest(t, s, http.MethodPost, "/admin/diff/start", nil)
    require.Equal(t, http.StatusOK, rec.Code)

    rec = doRequest(t, s, http.MethodGet, "/admin/diff/status", nil)
    require.Equal(t, http.StatusOK, rec.Code)
    var status diff.Status
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
    assert.Equal(t, "synchronizing", status.State)

    rec = doRequest(t, s, http.MethodPost, "/admin/diff/stop", nil)
    require.Equal(t, http.StatusOK, rec.Code)

    rec = doRequest(t, s, http.MethodGet, "/admin/diff/summary", nil)
    require.Equal(t, http.StatusOK, rec.Code)

    rec = doRequest(t, s, http.MethodPost, "/admin/diff/unprepare", nil)
    require.Equal(t, http.StatusOK, rec.Code)
}

func TestDiffPrepareRejectsUnknownPolicy(t *testing.T) {
    s := newTestServer(t, true, false)
    rec := doRequest(t, s, http.MethodPost, "/admin/diff/prepare", prepareRequest{
        Main: "main", ComparisonKind: "read_only", ReportPolicy: "bogus", ErrorPolicy: "ignore", ExportKind: "log",
    })
    assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDiffPrepareRejectsUnknownComparisonKind(t *testing.T) {
    s := newTestServer(t, true, false)
    rec := doRequest(t, s, http.MethodPost, "/admin/diff/prepare", prepareRequest{
        Main: "main", ComparisonKind: "bogus", ReportPolicy: "always", ErrorPolicy: "ignore", ExportKind: "log",
    })
    assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDiffPrepareRejectsKafkaExportKind(t *testing.T) {
    s := newTestServer(t, true, false)
    rec := doRequest(t, s, http.MethodPost, "/admin/diff/prepare", prepareRequest{
        Main: "main", ComparisonKind: "read_only", ReportPolicy: "always", ErrorPolicy: "ignore", ExportKind: "kafka",
    })
    assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCaptureStartStatusAndStop(t *testing.T) {
    s := newTestServer(t, false, true)

    rec := doRequest(t, s, http.MethodPost, "/admin/wcar/capture/start", nil)
    require.Equal(t, http.StatusOK, rec.Code)
    assert.True(t, s.deps.Capture.Armed())

    rec = doRequest(t, s, http.MethodGet, "/admin/wcar/capture/status", nil)
    require.Equal(t, http.StatusOK, rec.Code)
    var status captureStatus
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
    assert.Equal(t, uint64(0), status.Submitted)

    rec = doRequest(t, s, http.MethodPost, "/admin/wcar/capture/stop", nil)
    assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCaptureEndpointsReturn503WithoutConfiguredRecorder(t *testing.T) {
    s := newTestServer(t, false, false)
    rec := doRequest(t, s, http.MethodGet, "/admin/wcar/capture/status", nil)
    assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

    rec = doRequest(t, s, http.MethodPost, "/admin/wcar/capture/start", nil)
    assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
