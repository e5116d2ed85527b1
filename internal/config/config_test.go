package config

import (
    "os"
    "path/filepath"
    "testing"

    "github.com/spf13/viper"
)

func viperReset() {
    viper.Reset()
}

func TestLoadDefaults(t *testing.T) {
    viperReset()

    cfg, err := Load("")
    if err != nil {
        t.Fatalf("Load: %v", err)
    }
    if cfg.App.Name != "dbproxy" {
        t.Errorf("expected default app name dbproxy, got %q", cfg.App.Name)
    }
    if cfg.Workers.Count != 4 {
        t.Errorf("expected default workers.count 4, got %d", cfg.Workers.Count)
    }
    if cfg.Diff.Report != "on_conflict" {
        t.Errorf("expected default diff.report on_conflict, got %q", cfg.Diff.Report)
    }
    if cfg.Health.Port != 8080 {
        t.Errorf("expected default health.port 8080, got %d", cfg.Health.Port)
    }
    if cfg.Diff.MainDSN != "" || cfg.Diff.OtherDSN != "" {
        t.Errorf("expected diff DSNs to default blank, got %q/%q", cfg.Diff.MainDSN, cfg.Diff.OtherDSN)
    }
}

func TestLoadFromFile(t *testing.T) {
    dir := t.TempDir()
    viperReset()

    path := filepath.Join(dir, "dbproxy.yaml")
    body := `
app:
  name: test-proxy
workers:
  count: 16
  queue_size: 2048
diff:
  report: always
  main_dsn: "user:pass@tcp(main:3306)/db"
  other_dsn: "user:pass@tcp(other:3306)/db"
`
    if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
        t.Fatalf("write config: %v", err)
    }

    cfg, err := Load(path)
    if err != nil {
        t.Fatalf("Load: %v", err)
    }
    if cfg.App.Name != "test-proxy" {
        t.Errorf("expected app name test-proxy, got %q", cfg.App.Name)
    }
    if cfg.Workers.Count != 16 {
        t.Errorf("expected workers.count 16, got %d", cfg.Workers.Count)
    }
    if cfg.Diff.MainDSN == "" || cfg.Diff.OtherDSN == "" {
        t.Errorf("expected diff DSNs to load from file, got %q/%q", cfg.Diff.MainDSN, cfg.Diff.OtherDSN)
    }
}

func TestValidateRejectsBadWorkerCount(t *testing.T) {
    dir := t.TempDir()
    viperReset()

    path := filepath.Join(dir, "dbproxy.yaml")
    if err := os.WriteFile(path, []byte("workers:\n  count: 0\n"), 0o644); err != nil {
        t.Fatalf("write config: %v", err)
    }

    if _, err := Load(path); err == nil {
        t.Fatal("expected an error for workers.count: 0")
    }
}

func TestValidateRejectsBadExportSink(t *testing.T) {
    dir := t.TempDir()
    viperReset()

    path := filepath.Join(dir, "dbproxy.yaml")
    if err := os.WriteFile(path, []byte("diff:\n  export_sink: kafka\n"), 0o644); err != nil {
        t.Fatalf("write config: %v", err)
    }

    if _, err := Load(path); err == nil {
        t.Fatal("expected an error for an unwired export sink")
    }
}

func TestIsProduction(t *testing.T) {
    app := &AppConfig{Environment: "Production"}
    if !app.IsProduction() {
        t.Error("expected IsProduction to be case-insensitive")
    }
    app.Environment = "staging"
    if app.IsProduction() {
        t.Error("expected staging to not be production")
    }
}
