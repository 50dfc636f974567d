package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxa-labs/callbridge/pkg/core/audio"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.Backend != BackendRealtime {
		t.Errorf("Backend = %q, want realtime", cfg.Backend)
	}
	if cfg.Transport != TransportSocket {
		t.Errorf("Transport = %q, want socket", cfg.Transport)
	}
	if cfg.WireEncoding != audio.EncodingMuLaw || cfg.WireSampleRate != 8000 {
		t.Errorf("wire leg = %q/%d, want pcm_mulaw/8000", cfg.WireEncoding, cfg.WireSampleRate)
	}
	if cfg.MaxToolFollowUps != 1 {
		t.Errorf("MaxToolFollowUps = %d, want 1", cfg.MaxToolFollowUps)
	}
	if cfg.TurnDetection != "" {
		t.Errorf("TurnDetection = %q, want unset", cfg.TurnDetection)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("CALLBRIDGE_BACKEND", "pipeline")
	t.Setenv("CALLBRIDGE_TRANSPORT", "rtp")
	t.Setenv("CALLBRIDGE_WIRE_ENCODING", "pcm_alaw")
	t.Setenv("CALLBRIDGE_BACKEND_SAMPLE_RATE", "24000")
	t.Setenv("CALLBRIDGE_SHUTDOWN_GRACE", "30s")
	t.Setenv("CALLBRIDGE_MAX_TOOL_FOLLOWUPS", "3")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Backend != BackendPipeline {
		t.Errorf("Backend = %q, want pipeline", cfg.Backend)
	}
	if cfg.Transport != TransportMediaStream {
		t.Errorf("Transport = %q, want rtp", cfg.Transport)
	}
	if cfg.WireEncoding != audio.EncodingALaw {
		t.Errorf("WireEncoding = %q, want pcm_alaw", cfg.WireEncoding)
	}
	if cfg.BackendSampleRate != 24000 {
		t.Errorf("BackendSampleRate = %d, want 24000", cfg.BackendSampleRate)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Errorf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
	if cfg.MaxToolFollowUps != 3 {
		t.Errorf("MaxToolFollowUps = %d, want 3", cfg.MaxToolFollowUps)
	}
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown backend", "CALLBRIDGE_BACKEND", "telepathy"},
		{"unknown transport", "CALLBRIDGE_TRANSPORT", "carrier-pigeon"},
		{"unknown encoding", "CALLBRIDGE_WIRE_ENCODING", "mp3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("LoadFromEnv accepted %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestBargeInProfileResolution(t *testing.T) {
	cfg := Config{BargeInProfile: "quiet_office"}
	bc, err := cfg.BargeIn()
	if err != nil {
		t.Fatalf("BargeIn: %v", err)
	}
	if bc.MinTriggerMs != 100 {
		t.Errorf("quiet_office MinTriggerMs = %d, want 100", bc.MinTriggerMs)
	}

	// Unknown names fall back to defaults rather than failing the call.
	cfg = Config{BargeInProfile: "submarine"}
	bc, err = cfg.BargeIn()
	if err != nil {
		t.Fatalf("BargeIn: %v", err)
	}
	if bc.MinTriggerMs != 120 {
		t.Errorf("fallback MinTriggerMs = %d, want default 120", bc.MinTriggerMs)
	}
}

func TestBargeInProfilesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	data := []byte("drive_through:\n  initial_protection_ms: 300\n  min_trigger_ms: 180\n  energy_threshold: 0.05\n  cooldown_ms: 600\n  post_speech_protection_ms: 200\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Config{BargeInProfile: "drive_through", BargeInProfilesFile: path}
	bc, err := cfg.BargeIn()
	if err != nil {
		t.Fatalf("BargeIn: %v", err)
	}
	if bc.MinTriggerMs != 180 || bc.EnergyThreshold != 0.05 {
		t.Errorf("loaded profile = %+v", bc)
	}

	cfg.BargeInProfile = "missing"
	if _, err := cfg.BargeIn(); err == nil {
		t.Error("missing named profile in explicit file did not error")
	}
}
