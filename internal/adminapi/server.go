// Package adminapi exposes the diff router's admin state machine and the
// WCAR recorder's live counters over HTTP, the wire format cmd/dbproxy's
// cobra commands speak to: prepare/start/status/stop/summary/unprepare
// verbs plus capture start/status/stop, since both live as in-process
// state a separate CLI invocation cannot reach any other way.
package adminapi

import (
    "encoding/json"
    "net/http"
    "time"

    "github.com/gorilla/mux"

    "github.com/mariadb-labs/dbproxy/internal/diff"
    "github.com/mariadb-labs/dbproxy/internal/wcar/capture"
    "github.com/mariadb-labs/dbproxy/internal/wcar/record"
    "github.com/mariadb-labs/dbproxy/pkg/logger"
)

// Deps wires the live objects the admin surface reports on and drives.
// Any may be nil if the running process has no comparator configured or
// isn't recording; the affected endpoints reply 503 rather than panic.
type Deps struct {
    Diff     *diff.Admin
    Recorder *record.Recorder
    Capture  *capture.Filter
}

type Server struct {
    deps Deps
    srv  *http.Server
}

func NewServer(addr string, deps Deps) *Server {
    s := &Server{deps: deps}

    r := mux.NewRouter()
    r.HandleFunc("/admin/diff/prepare", s.handleDiffPrepare).Methods("POST")
    r.HandleFunc("/admin/diff/start", s.handleDiffStart).Methods("POST")
    r.HandleFunc("/admin/diff/status", s.handleDiffStatus).Methods("GET")
    r.HandleFunc("/admin/diff/stop", s.handleDiffStop).Methods("POST")
    r.HandleFunc("/admin/diff/summary", s.handleDiffSummary).Methods("GET")
    r.HandleFunc("/admin/diff/unprepare", s.handleDiffUnprepare).Methods("POST")
    r.HandleFunc("/admin/wcar/capture/start", s.handleCaptureStart).Methods("POST")
    r.HandleFunc("/admin/wcar/capture/status", s.handleCaptureStatus).Methods("GET")
    r.HandleFunc("/admin/wcar/capture/stop", s.handleCaptureStop).Methods("POST")

    s.srv = &http.Server{
        Addr:         addr,
        Handler:      r,
        ReadTimeout:  10 * time.Second,
        WriteTimeout: 10 * time.Second,
    }
    return s
}

func (s *Server) Start() error {
    logger.WithField("addr", s.srv.Addr).Info("admin API started")
    err := s.srv.ListenAndServe()
    if err == http.ErrServerClosed {
        return nil
    }
    return err
}

func (s *Server) Stop() error {
    return s.srv.Close()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
    writeJSON(w, status, map[string]string{"error": err.Error()})
}

func notConfigured(name string) error {
    return &configError{name: name}
}

type configError struct{ name string }

func (e *configError) Error() string { return e.name + " is not configured on this process" }

type prepareRequest struct {
    Main             string   `json:"main"`
    Other            []string `json:"other"`
    ComparisonKind   string   `json:"comparison_kind"`
    ReportPolicy     string   `json:"report_policy"`
    ErrorPolicy      string   `json:"error_policy"`
    ThresholdPercent float64  `json:"threshold_percent"`
    ExportKind       string   `json:"export_kind"`
    ExportPath       string   `json:"export_path"`
}

func (s *Server) handleDiffPrepare(w http.ResponseWriter, r *http.Request) {
    if s.deps.Diff == nil {
        writeError(w, http.StatusServiceUnavailable, notConfigured("diff admin"))
        return
    }

    var req prepareRequest
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeError(w, http.StatusBadRequest, err)
        return
    }

    reportPolicy, ok := diff.ParseReportPolicy(req.ReportPolicy)
    if !ok {
        writeError(w, http.StatusBadRequest, &configError{name: "report_policy \"" + req.ReportPolicy + "\""})
        return
    }
    errorPolicy, ok := diff.ParseErrorPolicy(req.ErrorPolicy)
    if !ok {
        writeError(w, http.StatusBadRequest, &configError{name: "error_policy \"" + req.ErrorPolicy + "\""})
        return
    }
    comparisonKind, ok := diff.ParseComparisonKind(req.ComparisonKind)
    if !ok {
        writeError(w, http.StatusBadRequest, &configError{name: "comparison_kind \"" + req.ComparisonKind + "\""})
        return
    }
    exporter, err := diff.NewExporter(req.ExportKind, req.ExportPath)
    if err != nil {
        writeError(w, http.StatusBadRequest, err)
        return
    }

    cfg := &diff.Config{
        Main:             req.Main,
        Other:            req.Other,
        ComparisonKind:   comparisonKind,
        ReportPolicy:     reportPolicy,
        ErrorPolicy:      errorPolicy,
        ThresholdPercent: req.ThresholdPercent,
        Exporter:         exporter,
    }

    if err := s.deps.Diff.Prepare(cfg); err != nil {
        writeError(w, http.StatusConflict, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]string{"status": "prepared"})
}

func (s *Server) handleDiffStart(w http.ResponseWriter, r *http.Request) {
    if s.deps.Diff == nil {
        writeError(w, http.StatusServiceUnavailable, notConfigured("diff admin"))
        return
    }
    if err := s.deps.Diff.Start(); err != nil {
        writeError(w, http.StatusConflict, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]string{"status": "synchronizing"})
}

func (s *Server) handleDiffStatus(w http.ResponseWriter, r *http.Request) {
    if s.deps.Diff == nil {
        writeError(w, http.StatusServiceUnavailable, notConfigured("diff admin"))
        return
    }
    writeJSON(w, http.StatusOK, s.deps.Diff.Status())
}

func (s *Server) handleDiffStop(w http.ResponseWriter, r *http.Request) {
    if s.deps.Diff == nil {
        writeError(w, http.StatusServiceUnavailable, notConfigured("diff admin"))
        return
    }
    if err := s.deps.Diff.Stop(); err != nil {
        writeError(w, http.StatusConflict, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]string{"status": "stop requested"})
}

func (s *Server) handleDiffSummary(w http.ResponseWriter, r *http.Request) {
    if s.deps.Diff == nil {
        writeError(w, http.StatusServiceUnavailable, notConfigured("diff admin"))
        return
    }
    writeJSON(w, http.StatusOK, s.deps.Diff.Summary())
}

func (s *Server) handleDiffUnprepare(w http.ResponseWriter, r *http.Request) {
    if s.deps.Diff == nil {
        writeError(w, http.StatusServiceUnavailable, notConfigured("diff admin"))
        return
    }
    if err := s.deps.Diff.Unprepare(); err != nil {
        writeError(w, http.StatusConflict, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]string{"status": "unprepared"})
}

type captureStatus struct {
    Submitted uint64 `json:"submitted"`
    Dropped   uint64 `json:"dropped"`
}

func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
    if s.deps.Capture == nil {
        writeError(w, http.StatusServiceUnavailable, notConfigured("wcar capture filter"))
        return
    }
    s.deps.Capture.Start()
    writeJSON(w, http.StatusOK, map[string]string{"status": "capturing"})
}

func (s *Server) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
    if s.deps.Recorder == nil {
        writeError(w, http.StatusServiceUnavailable, notConfigured("wcar recorder"))
        return
    }
    submitted, dropped := s.deps.Recorder.Stats()
    writeJSON(w, http.StatusOK, captureStatus{Submitted: submitted, Dropped: dropped})
}

func (s *Server) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
    if s.deps.Recorder == nil {
        writeError(w, http.StatusServiceUnavailable, notConfigured("wcar recorder"))
        return
    }
    if err := s.deps.Recorder.Close(); err != nil {
        writeError(w, http.StatusInternalServerError, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
