// ABOUTME: Tests for the tollgate command line helpers
// ABOUTME: Covers config path resolution, password hashing and client management

package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/tollgate/internal/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("TOLLGATE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")

	if got := getConfigPath("/flag.yaml"); got != "/flag.yaml" {
		t.Errorf("flag path = %q", got)
	}
	if got := getConfigPath(""); got != filepath.Join("/xdg", "tollgate", "config.yaml") {
		t.Errorf("xdg path = %q", got)
	}

	t.Setenv("TOLLGATE_CONFIG", "/env.toml")
	if got := getConfigPath(""); got != "/env.toml" {
		t.Errorf("env path = %q", got)
	}
}

func TestRunHashPassword(t *testing.T) {
	var out bytes.Buffer
	if err := runHashPassword(strings.NewReader("hunter2\n"), &out); err != nil {
		t.Fatalf("runHashPassword() failed: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")); err != nil {
		t.Errorf("hash does not match input: %v", err)
	}

	if err := runHashPassword(strings.NewReader("\n"), &out); err == nil {
		t.Error("empty secret should be rejected")
	}
}

func TestHealthURL(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{HTTPAddr: "127.0.0.1:8080"}}
	if got := healthURL(cfg); got != "http://127.0.0.1:8080/health/ready" {
		t.Errorf("healthURL() = %q", got)
	}
	cfg.Server.Issuer = "https://auth.example/"
	if got := healthURL(cfg); got != "https://auth.example/health/ready" {
		t.Errorf("healthURL() = %q", got)
	}
}

func writeConfig(t *testing.T, driver string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `server:
  http_addr: "127.0.0.1:0"
database:
  driver: "` + driver + `"
  path: "` + filepath.Join(dir, "tollgate.db") + `"
oauth:
  round_trip_secret: "` + strings.Repeat("s", 40) + `"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestClientsCommands(t *testing.T) {
	ctx := context.Background()
	path := writeConfig(t, config.DriverSQLite)

	var out bytes.Buffer
	err := runClientsAdd(ctx, []string{"--config", path, "--name", "Example", "--redirect-uri", "https://app/cb"}, &out)
	if err != nil {
		t.Fatalf("clients add failed: %v", err)
	}
	m := regexp.MustCompile(`client_id:\s+(\S+)`).FindStringSubmatch(out.String())
	if m == nil {
		t.Fatalf("no client_id in output: %q", out.String())
	}
	id := m[1]
	if !strings.Contains(out.String(), "client_secret:") {
		t.Error("confidential client should print its secret")
	}

	out.Reset()
	if err := runClientsAdd(ctx, []string{"--config", path, "--public", "--redirect-uri", "http://127.0.0.1:9000/cb"}, &out); err != nil {
		t.Fatalf("clients add --public failed: %v", err)
	}
	if strings.Contains(out.String(), "client_secret:") {
		t.Error("public client should not print a secret")
	}

	out.Reset()
	if err := runClientsList(ctx, []string{"--config", path}, &out); err != nil {
		t.Fatalf("clients list failed: %v", err)
	}
	if !strings.Contains(out.String(), id) || !strings.Contains(out.String(), "Example") {
		t.Errorf("list output missing client: %q", out.String())
	}

	out.Reset()
	if err := runClientsRevoke(ctx, []string{"--config", path, id}, &out); err != nil {
		t.Fatalf("clients revoke failed: %v", err)
	}
	if err := runClientsRevoke(ctx, []string{"--config", path, "nobody"}, &out); err == nil {
		t.Error("revoking an unknown client should fail")
	}

	out.Reset()
	if err := runClientsList(ctx, []string{"--config", path}, &out); err != nil {
		t.Fatalf("clients list failed: %v", err)
	}
	if !strings.Contains(out.String(), "revoked") {
		t.Errorf("revoked client not marked: %q", out.String())
	}
}

func TestClientsCommands_Errors(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer

	memPath := writeConfig(t, config.DriverMemory)
	if err := runClientsList(ctx, []string{"--config", memPath}, &out); err == nil {
		t.Error("memory store should be refused")
	}

	path := writeConfig(t, config.DriverSQLite)
	if err := runClientsAdd(ctx, []string{"--config", path}, &out); err == nil {
		t.Error("add without redirect uri should fail")
	}
	if err := runClientsAdd(ctx, []string{"--config", path, "--redirect-uri", "http://example.com/cb"}, &out); err == nil {
		t.Error("add with a non-loopback http redirect should fail")
	}
	if err := runClients(ctx, []string{"rename"}); err == nil {
		t.Error("unknown subcommand should fail")
	}
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&colorHandler{out: &buf, level: slog.LevelInfo})

	logger.Debug("hidden")
	logger.With("component", "tokens").WithGroup("req").Info("issued", "client_id", "c1")

	line := buf.String()
	if strings.Contains(line, "hidden") {
		t.Error("debug record should be filtered")
	}
	for _, want := range []string{"issued", "component=", "tokens", "req.client_id=", "c1"} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %q", line, want)
		}
	}
}
