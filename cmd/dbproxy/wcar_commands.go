package main

import (
    "context"
    "fmt"
    "net/http"
    "strconv"
    "time"

    "github.com/spf13/cobra"

    "github.com/mariadb-labs/dbproxy/internal/wcar/record"
    "github.com/mariadb-labs/dbproxy/internal/wcar/replay"
    "github.com/mariadb-labs/dbproxy/internal/wcar/transform"
)

type captureStatus struct {
    Submitted uint64 `json:"submitted"`
    Dropped   uint64 `json:"dropped"`
}

func createWCARCommands() *cobra.Command {
    wcarCmd := &cobra.Command{
        Use:   "wcar",
        Short: "Workload capture and replay",
    }
    wcarCmd.AddCommand(
        createCaptureStartCommand(),
        createCaptureStatusCommand(),
        createCaptureStopCommand(),
        createReplayCommand(),
    )
    return wcarCmd
}

// createCaptureStartCommand arms the running process's capture filter so
// sessions created from this point on begin recording. prefix/size/duration
// are accepted but not sent to the running process, which has no way to
// apply them; its recorder is configured once, at process startup, from
// wcar.output_dir/wcar.batch_size.
func createCaptureStartCommand() *cobra.Command {
    var (
        prefix   string
        size     int
        duration time.Duration
    )

    cmd := &cobra.Command{
        Use:   "capture-start",
        Short: "Arm the running process's capture filter",
        RunE: func(cmd *cobra.Command, args []string) error {
            if err := adminRequest(http.MethodPost, "/admin/wcar/capture/start", nil, nil); err != nil {
                return printFailed(err)
            }
            printOK("capture started")
            return nil
        },
    }

    cmd.Flags().StringVar(&prefix, "prefix", "", "Capture file base name prefix (accepted but not sent to the running process; ignored)")
    cmd.Flags().IntVar(&size, "size", 0, "Capture size limit in bytes (accepted but not sent to the running process; no rotation happens)")
    cmd.Flags().DurationVar(&duration, "duration", 0, "Capture duration limit (accepted but not sent to the running process; capture does not stop on its own)")
    return cmd
}

func createCaptureStatusCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "capture-status",
        Short: "Show the running process's capture counters",
        RunE: func(cmd *cobra.Command, args []string) error {
            var st captureStatus
            if err := adminRequest(http.MethodGet, "/admin/wcar/capture/status", nil, &st); err != nil {
                return printFailed(err)
            }
            rows := [][2]string{
                {"submitted", strconv.FormatUint(st.Submitted, 10)},
                {"dropped", strconv.FormatUint(st.Dropped, 10)},
            }
            printResult(st, rows)
            return nil
        },
    }
}

func createCaptureStopCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "capture-stop",
        Short: "Stop the running process's capture recorder",
        RunE: func(cmd *cobra.Command, args []string) error {
            if err := adminRequest(http.MethodPost, "/admin/wcar/capture/stop", nil, nil); err != nil {
                return printFailed(err)
            }
            printOK("capture stopped")
            return nil
        },
    }
}

// createReplayCommand runs entirely in-process: unlike the diff/wcar
// capture commands above, replay is an offline batch operation against a
// capture file on disk and has no running-process counterpart to talk to.
func createReplayCommand() *cobra.Command {
    var (
        chunkSize   int
        driver      string
        host        string
        port        int
        username    string
        password    string
        database    string
    )

    cmd := &cobra.Command{
        Use:   "replay <capture-base-path>",
        Short: "Transform and replay a capture against a target server",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            basePath := args[0]

            idx, err := transform.Run(basePath, chunkSize)
            if err != nil {
                return printFailed(fmt.Errorf("transforming capture: %w", err))
            }

            events, err := record.ReadEvents(basePath)
            if err != nil {
                return printFailed(fmt.Errorf("reading sorted events: %w", err))
            }
            txns, err := transform.ReadTransactions(basePath)
            if err != nil {
                return printFailed(fmt.Errorf("reading transactions: %w", err))
            }

            replyStorage, err := replay.CreateReplyStorage(basePath)
            if err != nil {
                return printFailed(err)
            }
            defer replyStorage.Close()

            backendCfg := replay.SQLBackendConfig{
                Driver:        driver,
                Host:          host,
                Port:          port,
                Username:      username,
                Password:      password,
                Database:      database,
                RetryAttempts: 3,
                RetryDelay:    time.Second,
            }
            dialer := func(ctx context.Context) (replay.Backend, error) {
                return replay.DialSQLBackend(ctx, backendCfg)
            }

            deadlock := replay.NewDeadlockMonitor(time.Second, 30*time.Second)
            deadlock.Start()
            defer deadlock.Stop()

            player := replay.NewPlayer(events, txns, idx, dialer, replyStorage, deadlock)

            if err := player.Run(cmd.Context()); err != nil {
                return printFailed(fmt.Errorf("replaying capture: %w", err))
            }

            summary := struct {
                Events             int    `json:"events"`
                Transactions       int    `json:"transactions"`
                Refused            uint64 `json:"refused"`
                KilledForDeadlock  uint64 `json:"killed_for_deadlock"`
            }{
                Events:            len(events),
                Transactions:      len(txns),
                Refused:           player.RefusedCount(),
                KilledForDeadlock: deadlock.Killed(),
            }
            rows := [][2]string{
                {"events", strconv.Itoa(summary.Events)},
                {"transactions", strconv.Itoa(summary.Transactions)},
                {"refused", strconv.FormatUint(summary.Refused, 10)},
                {"killed_for_deadlock", strconv.FormatUint(summary.KilledForDeadlock, 10)},
            }
            printResult(summary, rows)
            return nil
        },
    }

    cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "External-sort chunk size in events (0 = default of 4096; a capture no larger than one chunk is sorted in memory)")
    cmd.Flags().StringVar(&driver, "driver", "mysql", "Target server driver")
    cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Target server host")
    cmd.Flags().IntVar(&port, "port", 3306, "Target server port")
    cmd.Flags().StringVar(&username, "username", "", "Target server username")
    cmd.Flags().StringVar(&password, "password", "", "Target server password")
    cmd.Flags().StringVar(&database, "database", "", "Target server database")
    cmd.MarkFlagRequired("database")
    return cmd
}
