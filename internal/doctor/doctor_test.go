package doctor

import (
	"context"
	"testing"

	"github.com/outpost-sys/outpost/internal/config"
)

func result(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, res := range d.Results {
		if res.Name == name {
			return res
		}
	}
	t.Fatalf("no %q check in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_HealthyLocalSetup(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	d := Run(context.Background(), &cfg, "test")

	if res := result(t, d, "Data dir"); res.Status != "PASS" {
		t.Fatalf("data dir check = %+v", res)
	}
	if res := result(t, d, "Database"); res.Status != "PASS" {
		t.Fatalf("database check = %+v", res)
	}
	if res := result(t, d, "Server"); res.Status != "SKIP" {
		t.Fatalf("server check without URL = %+v", res)
	}
	if res := result(t, d, "Config"); res.Status != "WARN" {
		t.Fatalf("config check without URL = %+v", res)
	}
}

func TestRun_MissingConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if res := result(t, d, "Config"); res.Status != "FAIL" {
		t.Fatalf("config check = %+v", res)
	}
	if !d.Failed() {
		t.Fatal("diagnosis with a failed check not reported as failed")
	}
}

func TestRun_InvalidServerURL(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Server.URL = "://not-a-url"

	d := Run(context.Background(), &cfg, "test")
	if res := result(t, d, "Server"); res.Status != "FAIL" {
		t.Fatalf("server check = %+v", res)
	}
}
