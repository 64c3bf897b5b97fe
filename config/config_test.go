package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseHelpers(t *testing.T) {
	if got := parseInt("", 7); got != 7 {
		t.Errorf("parseInt empty = %d, want 7", got)
	}
	if got := parseInt("abc", 7); got != 7 {
		t.Errorf("parseInt invalid = %d, want 7", got)
	}
	if got := parseInt("12", 7); got != 12 {
		t.Errorf("parseInt = %d, want 12", got)
	}
	if got := parseDuration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("parseDuration = %v, want 250ms", got)
	}
	if got := parseBool("maybe", true); !got {
		t.Errorf("parseBool invalid should keep default")
	}
	if got := parseBool("false", true); got {
		t.Errorf("parseBool(false) = true")
	}
}

func TestApplyFileOverlaysCampaign(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaign.yaml")
	content := `campaign:
  bitmap_size: 4096
  kickstart: true
  busy_timeout: 3s
backend:
  command: ["qemu-run", "--fast"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := &AppConfig{
		CampaignConfig: CampaignConfig{
			BitmapSize:          65536,
			MaxFileSize:         32768,
			ValidateDeterminism: true,
		},
	}
	if err := cfg.ApplyFile(path); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}

	if cfg.CampaignConfig.BitmapSize != 4096 {
		t.Errorf("BitmapSize = %d, want 4096", cfg.CampaignConfig.BitmapSize)
	}
	if cfg.CampaignConfig.MaxFileSize != 32768 {
		t.Errorf("MaxFileSize changed to %d", cfg.CampaignConfig.MaxFileSize)
	}
	if !cfg.CampaignConfig.Kickstart {
		t.Errorf("Kickstart not applied")
	}
	if !cfg.CampaignConfig.ValidateDeterminism {
		t.Errorf("ValidateDeterminism lost its default")
	}
	if cfg.CampaignConfig.BusyTimeout != 3*time.Second {
		t.Errorf("BusyTimeout = %v, want 3s", cfg.CampaignConfig.BusyTimeout)
	}
	if len(cfg.BackendConfig.Command) != 2 || cfg.BackendConfig.Command[0] != "qemu-run" {
		t.Errorf("Command = %v", cfg.BackendConfig.Command)
	}
}

func TestApplyFileMissing(t *testing.T) {
	cfg := &AppConfig{}
	if err := cfg.ApplyFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
