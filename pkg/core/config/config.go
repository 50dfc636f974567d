package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/voxa-labs/callbridge/pkg/core/audio"
	"github.com/voxa-labs/callbridge/pkg/core/bargein"
)

// Backend selects which provider adapter handles calls.
type Backend string

const (
	BackendRealtime Backend = "realtime"
	BackendPipeline Backend = "pipeline"
)

// TransportKind selects the wire leg toward the PBX.
type TransportKind string

const (
	TransportSocket      TransportKind = "socket"
	TransportMediaStream TransportKind = "rtp"
)

type Config struct {
	// Diagnostics HTTP surface.
	Addr                string
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	// Provider backend.
	Backend             Backend
	ProviderURL         string
	ProviderAPIKey      string
	Model               string
	Voice               string
	Instructions        string
	BackendSampleRate   int
	MaxToolFollowUps    int
	FallbackFarewell    string
	ProviderTimeout     time.Duration

	// TurnDetection, when non-empty, overrides the provider's own activity
	// detection. Experimental; the provider default is preferred.
	TurnDetection string

	// Transport leg. MediaAddr is the intake listener: an HTTP address for
	// the socket transport, a UDP address for RTP.
	Transport      TransportKind
	MediaAddr      string
	WireEncoding   audio.Encoding
	WireSampleRate int

	// Barge-in tuning.
	BargeInProfile      string
	BargeInProfilesFile string

	// Telephony control plane. Empty SID selects the no-op plane.
	TwilioAccountSID string
	TwilioAuthToken  string
}

// LoadFromEnv reads configuration from CALLBRIDGE_* environment variables,
// applying defaults for anything unset.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("CALLBRIDGE_ADDR", ":8080"),
		ReadHeaderTimeout:   envDurationOr("CALLBRIDGE_READ_HEADER_TIMEOUT", 5*time.Second),
		ShutdownGracePeriod: envDurationOr("CALLBRIDGE_SHUTDOWN_GRACE", 15*time.Second),
		Backend:             Backend(envOr("CALLBRIDGE_BACKEND", string(BackendRealtime))),
		ProviderURL:         envOr("CALLBRIDGE_PROVIDER_URL", ""),
		ProviderAPIKey:      envOr("CALLBRIDGE_PROVIDER_API_KEY", ""),
		Model:               envOr("CALLBRIDGE_MODEL", ""),
		Voice:               envOr("CALLBRIDGE_VOICE", ""),
		Instructions:        envOr("CALLBRIDGE_INSTRUCTIONS", ""),
		BackendSampleRate:   envIntOr("CALLBRIDGE_BACKEND_SAMPLE_RATE", 16000),
		MaxToolFollowUps:    envIntOr("CALLBRIDGE_MAX_TOOL_FOLLOWUPS", 1),
		FallbackFarewell:    envOr("CALLBRIDGE_FALLBACK_FAREWELL", "Thank you for calling. Goodbye."),
		ProviderTimeout:     envDurationOr("CALLBRIDGE_PROVIDER_TIMEOUT", 10*time.Second),
		TurnDetection:       envOr("CALLBRIDGE_TURN_DETECTION", ""),
		Transport:           TransportKind(envOr("CALLBRIDGE_TRANSPORT", string(TransportSocket))),
		MediaAddr:           envOr("CALLBRIDGE_MEDIA_ADDR", ":8081"),
		WireEncoding:        audio.Encoding(envOr("CALLBRIDGE_WIRE_ENCODING", string(audio.EncodingMuLaw))),
		WireSampleRate:      envIntOr("CALLBRIDGE_WIRE_SAMPLE_RATE", 8000),
		BargeInProfile:      envOr("CALLBRIDGE_BARGEIN_PROFILE", ""),
		BargeInProfilesFile: envOr("CALLBRIDGE_BARGEIN_PROFILES_FILE", ""),
		TwilioAccountSID:    envOr("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:     envOr("TWILIO_AUTH_TOKEN", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendRealtime, BackendPipeline:
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", c.Backend, BackendRealtime, BackendPipeline)
	}
	switch c.Transport {
	case TransportSocket, TransportMediaStream:
	default:
		return fmt.Errorf("unknown transport %q (want %q or %q)", c.Transport, TransportSocket, TransportMediaStream)
	}
	if !c.WireEncoding.Valid() {
		return fmt.Errorf("unknown wire encoding %q", c.WireEncoding)
	}
	if c.WireSampleRate <= 0 {
		return fmt.Errorf("wire sample rate must be positive, got %d", c.WireSampleRate)
	}
	if c.BackendSampleRate <= 0 {
		return fmt.Errorf("backend sample rate must be positive, got %d", c.BackendSampleRate)
	}
	if c.MaxToolFollowUps < 0 {
		return fmt.Errorf("max tool follow-ups must not be negative, got %d", c.MaxToolFollowUps)
	}
	return nil
}

// BargeIn resolves the configured barge-in profile, consulting the external
// profiles file when one is set.
func (c Config) BargeIn() (bargein.Config, error) {
	if c.BargeInProfilesFile != "" {
		profiles, err := bargein.LoadProfilesFile(c.BargeInProfilesFile)
		if err != nil {
			return bargein.Config{}, fmt.Errorf("load barge-in profiles: %w", err)
		}
		if c.BargeInProfile != "" {
			p, ok := profiles[c.BargeInProfile]
			if !ok {
				return bargein.Config{}, fmt.Errorf("barge-in profile %q not found in %s", c.BargeInProfile, c.BargeInProfilesFile)
			}
			return p, nil
		}
		return bargein.DefaultConfig(), nil
	}
	return bargein.ProfileOrDefault(c.BargeInProfile), nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
