package diff

import (
    "encoding/json"
    "time"
)

// ReportPolicy controls when a Round's outcome is exported.
type ReportPolicy int

const (
    ReportAlways ReportPolicy = iota
    ReportOnConflict
)

func ParseReportPolicy(s string) (ReportPolicy, bool) {
    switch s {
    case "always":
        return ReportAlways, true
    case "on_conflict":
        return ReportOnConflict, true
    default:
        return 0, false
    }
}

// TargetReport is one backend's contribution to a Report.
type TargetReport struct {
    Name     string        `json:"name"`
    Checksum uint32        `json:"checksum"`
    Rows     int64         `json:"rows"`
    Warnings int           `json:"warnings"`
    Duration time.Duration `json:"duration_ms"`
    Kind     string        `json:"kind"`
}

// Report is the JSON document handed to an Exporter.
type Report struct {
    Query     string         `json:"query"`
    Command   string         `json:"command"`
    SessionID uint64         `json:"session_id"`
    Targets   []TargetReport `json:"targets"`
}

func BuildReport(main string, r *Round) Report {
    slots := r.Slots()
    targets := make([]TargetReport, 0, len(slots))
    for name, s := range slots {
        targets = append(targets, TargetReport{
            Name:     name,
            Checksum: s.Checksum(),
            Rows:     s.Rows,
            Warnings: s.Warnings,
            Duration: s.Duration() / time.Millisecond,
            Kind:     s.Kind.String(),
        })
    }
    return Report{
        Query:     r.Query,
        Command:   r.Command.Name(),
        SessionID: r.SessionID,
        Targets:   targets,
    }
}

// ShouldReport implements the on_conflict test: any other backend's
// checksum differs from main's, or its duration deviates from main's by
// more than thresholdPercent.
func ShouldReport(main string, r *Round, policy ReportPolicy, thresholdPercent float64) bool {
    if policy == ReportAlways {
        return true
    }

    slots := r.Slots()
    mainSlot, ok := slots[main]
    if !ok {
        return true
    }

    for name, s := range slots {
        if name == main {
            continue
        }
        if s.Checksum() != mainSlot.Checksum() {
            return true
        }
        if deviates(s.Duration(), mainSlot.Duration(), thresholdPercent) {
            return true
        }
    }
    return false
}

func deviates(other, main time.Duration, thresholdPercent float64) bool {
    if main <= 0 {
        return other > 0
    }
    delta := float64(other-main) / float64(main) * 100
    if delta < 0 {
        delta = -delta
    }
    return delta > thresholdPercent
}

func (r Report) MarshalJSONLine() ([]byte, error) {
    b, err := json.Marshal(r)
    if err != nil {
        return nil, err
    }
    return append(b, '\n'), nil
}
