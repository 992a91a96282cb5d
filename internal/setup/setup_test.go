package setup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/njoerd114/emotionsync/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Prompter ----------------------------------------------------------------

func TestPrompter_StringDefaultAndRequired(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("\n\nvalue\n"), &out)

	if got := p.String("with default", "dflt"); got != "dflt" {
		t.Errorf("String with default = %q, want dflt", got)
	}
	if got := p.String("required", ""); got != "value" {
		t.Errorf("String required = %q, want value", got)
	}
	if !strings.Contains(out.String(), "a value is required") {
		t.Errorf("expected re-prompt, got output %q", out.String())
	}
}

func TestPrompter_SecretKeepsCurrent(t *testing.T) {
	p := NewPrompter(strings.NewReader("\nnew-token\n"), io.Discard)

	if got := p.Secret("token", "old-token"); got != "old-token" {
		t.Errorf("Secret = %q, want old-token", got)
	}
	if got := p.Secret("token", "old-token"); got != "new-token" {
		t.Errorf("Secret = %q, want new-token", got)
	}
}

func TestPrompter_Confirm(t *testing.T) {
	p := NewPrompter(strings.NewReader("\nY\nno\n"), io.Discard)

	if !p.Confirm("a", true) {
		t.Error("empty answer should take default yes")
	}
	if !p.Confirm("b", false) {
		t.Error("Y should confirm")
	}
	if p.Confirm("c", true) {
		t.Error("no should decline")
	}
}

func TestPrompter_Select(t *testing.T) {
	p := NewPrompter(strings.NewReader("7\nabc\n2\n\n"), io.Discard)
	opts := []string{"one", "two", "three"}

	idx, err := p.Select("pick", opts, -1)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if idx != 1 {
		t.Errorf("Select = %d, want 1", idx)
	}

	idx, err = p.Select("pick", opts, 2)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if idx != 2 {
		t.Errorf("Select with default = %d, want 2", idx)
	}

	if _, err := p.Select("pick", opts, -1); err == nil {
		t.Error("expected error at end of input")
	}
	if _, err := p.Select("pick", nil, 0); err == nil {
		t.Error("expected error for no options")
	}
}

func TestPrompter_Duration(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("soon\n10s\n45m\n"), &out)

	if got := p.Duration("interval", 30*time.Minute, time.Minute); got != 45*time.Minute {
		t.Errorf("Duration = %v, want 45m", got)
	}
	if c := strings.Count(out.String(), "enter a duration"); c != 2 {
		t.Errorf("re-prompted %d times, want 2", c)
	}
}

// --- Wizard ------------------------------------------------------------------

func TestWizard_WritesConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	input := strings.Join([]string{
		"https://example-rtdb.firebaseio.com", // url
		"secret",                              // token
		"user-0001",                           // user id
		"5",                                   // Manual
		"1h",                                  // interval
		"y",                                   // wifi only
		"n",                                   // backups
		"n",                                   // no daemon install
	}, "\n") + "\n"

	var pinged []string
	wiz := NewWizard(strings.NewReader(input), io.Discard, testLogger())
	wiz.ConfigPath = cfgPath
	wiz.Ping = func(_ context.Context, url, token, userID string) error {
		pinged = []string{url, token, userID}
		return nil
	}
	wiz.Install = func(io.Writer, string) error {
		t.Error("install must not run when declined")
		return nil
	}

	if err := wiz.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pinged) != 3 || pinged[2] != "user-0001" {
		t.Errorf("ping args = %v", pinged)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UserID != "user-0001" || cfg.Remote.AuthToken != "secret" {
		t.Errorf("identity = %q/%q", cfg.UserID, cfg.Remote.AuthToken)
	}
	if cfg.Sync.ConflictStrategy != "Manual" {
		t.Errorf("strategy = %q, want Manual", cfg.Sync.ConflictStrategy)
	}
	if cfg.Sync.Interval != time.Hour {
		t.Errorf("interval = %v, want 1h", cfg.Sync.Interval)
	}
	if !cfg.Sync.WifiOnly {
		t.Error("wifi only not saved")
	}
	if cfg.Sync.BackupEnabled == nil || *cfg.Sync.BackupEnabled {
		t.Error("backups should be explicitly disabled")
	}
}

func TestWizard_PingFailureWritesNothing(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	input := "https://example-rtdb.firebaseio.com\nsecret\nuser-0001\n"

	wiz := NewWizard(strings.NewReader(input), io.Discard, testLogger())
	wiz.ConfigPath = cfgPath
	wiz.Ping = func(context.Context, string, string, string) error {
		return errors.New("401 unauthorized")
	}

	if err := wiz.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(cfgPath); !os.IsNotExist(err) {
		t.Errorf("config must not exist, stat err = %v", err)
	}
}

func TestWizard_KeepExistingOffersInstall(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("user_id: x\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var installed string
	wiz := NewWizard(strings.NewReader("n\ny\n"), io.Discard, testLogger())
	wiz.ConfigPath = cfgPath
	wiz.Install = func(_ io.Writer, p string) error {
		installed = p
		return nil
	}

	if err := wiz.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if installed != cfgPath {
		t.Errorf("installed with %q, want %q", installed, cfgPath)
	}
}

// --- install -----------------------------------------------------------------

func TestRenderUnit(t *testing.T) {
	body, err := RenderUnit("/home/ada", "/home/ada/.local/bin/emotionsync", "/home/ada/.config/emotionsync/config.yaml")
	if err != nil {
		t.Fatalf("RenderUnit: %v", err)
	}
	s := string(body)
	for _, want := range []string{
		"ExecStart=/home/ada/.local/bin/emotionsync daemon --config /home/ada/.config/emotionsync/config.yaml",
		"Environment=HOME=/home/ada",
		"WantedBy=default.target",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("unit missing %q:\n%s", want, s)
		}
	}
}

func TestWriteAndRemoveUnit(t *testing.T) {
	home := t.TempDir()
	if err := WriteUnit(home, "/cfg.yaml"); err != nil {
		t.Fatalf("WriteUnit: %v", err)
	}
	if _, err := os.Stat(UnitPath(home)); err != nil {
		t.Fatalf("unit not written: %v", err)
	}
	if err := RemoveUnit(home); err != nil {
		t.Fatalf("RemoveUnit: %v", err)
	}
	if err := RemoveUnit(home); err != nil {
		t.Errorf("second RemoveUnit: %v", err)
	}
}

func TestPurgeUserData(t *testing.T) {
	home := t.TempDir()
	dirs := []string{
		filepath.Join(home, ".config", BinaryName),
		filepath.Join(home, ".local", "share", BinaryName),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := PurgeUserData(home); err != nil {
		t.Fatalf("PurgeUserData: %v", err)
	}
	for _, d := range dirs {
		if _, err := os.Stat(d); !os.IsNotExist(err) {
			t.Errorf("%s still exists", d)
		}
	}
}
