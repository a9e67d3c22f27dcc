package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"hansard/internal/runlock"
	"hansard/internal/store"
	"hansard/internal/testsupport"
)

type cliTestEnv struct {
	configPath string
	store      *store.Store
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	encoded, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, encoded, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	st := testsupport.MustOpenStore(t, cfg)
	return &cliTestEnv{configPath: configPath, store: st}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("output %q does not contain %q", haystack, needle)
	}
}

func TestConfigInit(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")

	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("second init without --overwrite should fail")
	}
}

func TestConfigShow(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"config", "show"}, env.configPath)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "Config path")
	requireContains(t, out, "rivervale")
}

func TestStatusEmptyStore(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "No meetings stored yet")
}

func TestStatusListsMeetings(t *testing.T) {
	env := setupCLITestEnv(t)
	testsupport.NewMeeting(t, env.store, "rivervale", "M-2026-101", "Regular Council")

	out, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "M-2026-101")
	requireContains(t, out, "Regular Council")
	requireContains(t, out, "pending")
}

func TestRunRejectsUnknownPhase(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"run", "--force-phase", "transmogrify"}, env.configPath)
	if err == nil {
		t.Fatal("unknown phase should be rejected")
	}
	requireContains(t, err.Error(), "unknown phase")
}

func TestBackfillRequiresMunicipality(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"backfill", "--phase", "embed"}, env.configPath)
	if err == nil {
		t.Fatal("backfill without municipality should fail")
	}
}

func TestBackfillRejectsUnknownPhase(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"backfill", "-m", "rivervale", "--phase", "diarize"}, env.configPath)
	if err == nil {
		t.Fatal("diarize cannot be backfilled from stored inputs")
	}
	requireContains(t, err.Error(), "cannot be backfilled")
}

func TestRunLockBusyTouchesNoDatabase(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	encoded, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, encoded, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	guard := runlock.New(cfg)
	if err := guard.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer guard.Release()

	_, _, err = runCLI(t, []string{"run"}, configPath)
	if !errors.Is(err, runlock.ErrBusy) {
		t.Fatalf("error = %v, want lock busy", err)
	}
	// A second invocation that loses the lock race must exit before
	// any database work, including first-run schema creation.
	if _, statErr := os.Stat(cfg.Paths.DBPath); !os.IsNotExist(statErr) {
		t.Fatalf("database file touched while the lock was held: %v", statErr)
	}
}
