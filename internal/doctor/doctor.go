// Package doctor runs local diagnostic checks: configuration, data
// directory, database health, management server reachability, script
// interpreters. Used by the doctor CLI subcommand.
package doctor

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/outpost-sys/outpost/internal/config"
	"github.com/outpost-sys/outpost/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDataDir,
		checkDatabase,
		checkServer,
		checkInterpreters,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, res := range d.Results {
		if res.Status == "FAIL" {
			return true
		}
	}
	return false
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Invalid configuration", Detail: err.Error()}
	}
	if cfg.Server.URL == "" {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "No server URL configured",
			Detail:  "Set server.url in config.yaml or OUTPOST_URL; the agent cannot exchange without one",
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Data dir %s", cfg.DataDir)}
}

func checkDataDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Data dir", Status: "SKIP", Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return CheckResult{Name: "Data dir", Status: "FAIL", Message: "Cannot create data dir", Detail: err.Error()}
	}
	probe := filepath.Join(cfg.DataDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Data dir", Status: "FAIL", Message: "Data dir not writable", Detail: err.Error()}
	}
	os.Remove(probe)
	return CheckResult{Name: "Data dir", Status: "PASS", Message: cfg.DataDir + " is writable"}
}

func checkDatabase(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	path := filepath.Join(cfg.DataDir, "outpost.db")
	db, err := persistence.Open(path)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "Cannot open database", Detail: err.Error()}
	}
	defer db.Close()
	return CheckResult{Name: "Database", Status: "PASS", Message: path + " opened, schema current"}
}

func checkServer(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Server.URL == "" {
		return CheckResult{Name: "Server", Status: "SKIP", Message: "No server URL configured"}
	}
	u, err := url.Parse(cfg.Server.URL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Server", Status: "FAIL", Message: "Invalid server URL", Detail: cfg.Server.URL}
	}
	host := u.Host
	if u.Port() == "" {
		port := "443"
		if u.Scheme == "http" {
			port = "80"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	if u.Scheme == "https" {
		conn, err := tls.DialWithDialer(dialer, "tcp", host, &tls.Config{MinVersion: tls.VersionTLS12})
		if err != nil {
			return CheckResult{Name: "Server", Status: "FAIL", Message: "TLS connection failed", Detail: err.Error()}
		}
		conn.Close()
		return CheckResult{Name: "Server", Status: "PASS", Message: "TLS connection to " + host + " succeeded"}
	}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return CheckResult{Name: "Server", Status: "FAIL", Message: "Connection failed", Detail: err.Error()}
	}
	conn.Close()
	return CheckResult{Name: "Server", Status: "PASS", Message: "Connection to " + host + " succeeded"}
}

func checkInterpreters(_ context.Context, _ *config.Config) CheckResult {
	// /bin/sh is the one interpreter server-side scripts can always assume.
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		return CheckResult{Name: "Interpreters", Status: "FAIL", Message: "/bin/sh not found", Detail: err.Error()}
	}
	return CheckResult{Name: "Interpreters", Status: "PASS", Message: "/bin/sh available"}
}
