package monitoring

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestHealthChecker_Basic(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	status := hc.CheckHealth()
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy")
	}
}

func TestHealthChecker_DegradedAndUnhealthy(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	hc.AddCheck("meh", func() CheckResult { return CheckResult{Status: StatusDegraded} })
	if got := hc.CheckHealth().Status; got != StatusDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}
	hc.AddCheck("bad", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })
	if got := hc.CheckHealth().Status; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", got)
	}
}

func TestFileHealthCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	if res := FileHealthCheck("rules", path)(); res.Status != StatusDegraded {
		t.Fatalf("expected degraded for missing file, got %s", res.Status)
	}
	if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}
	if res := FileHealthCheck("rules", path)(); res.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", res.Status)
	}
	if res := FileHealthCheck("rules", dir)(); res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for directory, got %s", res.Status)
	}
}

func TestProbeHealthCheck(t *testing.T) {
	if res := ProbeHealthCheck("net", func() error { return nil })(); res.Status != StatusHealthy {
		t.Fatalf("expected healthy")
	}
	if res := ProbeHealthCheck("net", func() error { return errors.New("down") })(); res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy")
	}
}
