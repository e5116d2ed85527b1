package main

import (
    "net/http"
    "strconv"

    "github.com/spf13/cobra"
)

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

type diffStatus struct {
    State     string `json:"state"`
    SyncState string `json:"sync_state,omitempty"`
    Total     int    `json:"sessions_total"`
    Suspended int    `json:"sessions_suspended"`
}

type diffSummary struct {
    Rounds  int `json:"rounds"`
    Reports int `json:"reports"`
}

func createDiffCommands() *cobra.Command {
    diffCmd := &cobra.Command{
        Use:   "diff",
        Short: "Control the traffic-comparator router on a running dbproxy",
    }
    diffCmd.AddCommand(
        createDiffPrepareCommand(),
        createDiffStartCommand(),
        createDiffStatusCommand(),
        createDiffStopCommand(),
        createDiffSummaryCommand(),
        createDiffUnprepareCommand(),
    )
    return diffCmd
}

func createDiffPrepareCommand() *cobra.Command {
    var req prepareRequest
    cmd := &cobra.Command{
        Use:   "prepare",
        Short: "Configure the comparator's main/other targets and policies",
        RunE: func(cmd *cobra.Command, args []string) error {
            if err := adminRequest(http.MethodPost, "/admin/diff/prepare", req, nil); err != nil {
                return printFailed(err)
            }
            printOK("comparator prepared")
            return nil
        },
    }
    cmd.Flags().StringVar(&req.Main, "main", "", "Name of the main (reference) backend")
    cmd.Flags().StringSliceVar(&req.Other, "other", nil, "Names of the other backends being compared")
    cmd.Flags().StringVar(&req.ComparisonKind, "comparison-kind", "read_only", "Status the other backend must hold: read_only|read_write")
    cmd.Flags().StringVar(&req.ReportPolicy, "report", "on_conflict", "Reporting policy: always|on_conflict")
    cmd.Flags().StringVar(&req.ErrorPolicy, "on-error", "ignore", "Error policy: ignore|close")
    cmd.Flags().Float64Var(&req.ThresholdPercent, "threshold", 20.0, "Duration deviation percentage that counts as a conflict")
    cmd.Flags().StringVar(&req.ExportKind, "export", "log", "Export sink: file|log")
    cmd.Flags().StringVar(&req.ExportPath, "export-path", "", "Path for the file export sink")
    cmd.MarkFlagRequired("main")
    return cmd
}

func createDiffStartCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "start",
        Short: "Begin synchronizing toward capturing state",
        RunE: func(cmd *cobra.Command, args []string) error {
            if err := adminRequest(http.MethodPost, "/admin/diff/start", nil, nil); err != nil {
                return printFailed(err)
            }
            printOK("comparator synchronizing")
            return nil
        },
    }
}

func createDiffStatusCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "status",
        Short: "Show the comparator's administrative state",
        RunE: func(cmd *cobra.Command, args []string) error {
            var st diffStatus
            if err := adminRequest(http.MethodGet, "/admin/diff/status", nil, &st); err != nil {
                return printFailed(err)
            }
            rows := [][2]string{
                {"state", st.State},
                {"sync_state", st.SyncState},
                {"sessions_total", strconv.Itoa(st.Total)},
                {"sessions_suspended", strconv.Itoa(st.Suspended)},
            }
            printResult(st, rows)
            return nil
        },
    }
}

func createDiffStopCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "stop",
        Short: "Stop the comparator, returning it to prepared state",
        RunE: func(cmd *cobra.Command, args []string) error {
            if err := adminRequest(http.MethodPost, "/admin/diff/stop", nil, nil); err != nil {
                return printFailed(err)
            }
            printOK("comparator stop requested")
            return nil
        },
    }
}

func createDiffSummaryCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "summary",
        Short: "Show round/report counters",
        RunE: func(cmd *cobra.Command, args []string) error {
            var s diffSummary
            if err := adminRequest(http.MethodGet, "/admin/diff/summary", nil, &s); err != nil {
                return printFailed(err)
            }
            rows := [][2]string{
                {"rounds", strconv.Itoa(s.Rounds)},
                {"reports", strconv.Itoa(s.Reports)},
            }
            printResult(s, rows)
            return nil
        },
    }
}

func createDiffUnprepareCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "unprepare",
        Short: "Release the comparator's configuration",
        RunE: func(cmd *cobra.Command, args []string) error {
            if err := adminRequest(http.MethodPost, "/admin/diff/unprepare", nil, nil); err != nil {
                return printFailed(err)
            }
            printOK("comparator unprepared")
            return nil
        },
    }
}
