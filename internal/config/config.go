// Package config loads and validates the proxy's environment-driven configuration.
package config

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/cerebras-proxy/cerebras-proxy/internal/netutil"
)

// Credential is a single named upstream secret read from CEREBRAS_API_KEYS.
type Credential struct {
	Name   string
	Secret string
}

// RescueUpstream describes one of the two alternative chat-completion upstreams.
type RescueUpstream struct {
	Name         string
	BaseURL      string
	APIKey       string
	DefaultModel string
	VisionModel  string // empty when the upstream has no distinct vision model
}

// Enabled reports whether this rescue upstream has a credential configured.
func (r RescueUpstream) Enabled() bool {
	return r.APIKey != ""
}

// Config is the fully parsed, immutable process configuration.
type Config struct {
	ListenAddr string

	PrimaryBaseURL string
	Credentials    []Credential
	Cooldown       time.Duration

	AlternativeA RescueUpstream
	AlternativeB RescueUpstream

	FallbackOnCooldown bool

	IncomingAuthEnabled bool
	IncomingKeyDBDSN    string

	LogRequests bool
	LogDir      string

	OversizeThresholdBytes int64

	MetricsEnabled bool
	TracingEnabled bool
	OTLPEndpoint   string
	ServiceName    string
}

const (
	defaultPrimaryBaseURL     = "https://api.cerebras.ai/v1/"
	defaultAlternativeABase   = "https://api.synthetic.new/openai/v1/"
	defaultAlternativeAModel  = "hf:zai-org/GLM-4.6"
	defaultAlternativeAVision = "hf:Qwen/Qwen3-VL-235B-A22B-Instruct"
	defaultAlternativeBBase   = "https://api.z.ai/api/coding/paas/v4/"
	defaultAlternativeBModel  = "glm-4.6"

	// defaultOversizeThresholdBytes approximates 120,000 tokens at 4.7 bytes/token.
	defaultOversizeThresholdBytes = 564000

	defaultCooldownSeconds = 60
)

// Load reads configuration from the process environment.
//
// Returns an error when CEREBRAS_API_KEYS is present but not valid JSON, or
// when incoming auth is enabled without an INCOMING_KEY_DB path.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:             envOr("LISTEN_ADDR", ":3000"),
		PrimaryBaseURL:         envOr("CEREBRAS_BASE_URL", defaultPrimaryBaseURL),
		Cooldown:               time.Duration(envIntOr("CEREBRAS_COOLDOWN", defaultCooldownSeconds)) * time.Second,
		FallbackOnCooldown:     envBool("FALLBACK_ON_COOLDOWN"),
		IncomingAuthEnabled:    envBool("ENABLE_INCOMING_AUTH"),
		IncomingKeyDBDSN:       os.Getenv("INCOMING_KEY_DB"),
		LogRequests:            envBool("LOG_REQUESTS"),
		LogDir:                 envOr("LOG_DIR", "./logs"),
		OversizeThresholdBytes: int64(envIntOr("OVERSIZE_THRESHOLD_BYTES", defaultOversizeThresholdBytes)),
		MetricsEnabled:         !envBool("DISABLE_METRICS"),
		TracingEnabled:         envBool("ENABLE_TRACING"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:            envOr("OTEL_SERVICE_NAME", "cerebras-proxy"),
	}

	creds, err := parseCredentials(os.Getenv("CEREBRAS_API_KEYS"))
	if err != nil {
		return nil, errors.Wrap(err, "parse CEREBRAS_API_KEYS")
	}
	cfg.Credentials = creds

	cfg.AlternativeA = RescueUpstream{
		Name:         "synthetic",
		BaseURL:      envOr("SYNTHETIC_BASE_URL", defaultAlternativeABase),
		APIKey:       os.Getenv("SYNTHETIC_API_KEY"),
		DefaultModel: envOr("SYNTHETIC_MODEL", defaultAlternativeAModel),
		VisionModel:  envOr("SYNTHETIC_VISION_MODEL", defaultAlternativeAVision),
	}
	cfg.AlternativeB = RescueUpstream{
		Name:         "zai",
		BaseURL:      envOr("ZAI_BASE_URL", defaultAlternativeBBase),
		APIKey:       os.Getenv("ZAI_API_KEY"),
		DefaultModel: envOr("ZAI_MODEL", defaultAlternativeBModel),
	}

	if cfg.IncomingAuthEnabled && cfg.IncomingKeyDBDSN == "" {
		return nil, errors.New("ENABLE_INCOMING_AUTH is set but INCOMING_KEY_DB is empty")
	}

	if err := validateUpstreamBaseURLs(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateUpstreamBaseURLs rejects misconfigured base URLs before the
// process starts serving, catching typos that would otherwise send traffic
// to an unintended scheme or a private/loopback address.
func validateUpstreamBaseURLs(cfg *Config) error {
	ctx := context.Background()
	if _, err := netutil.ValidateUpstreamBaseURL(ctx, cfg.PrimaryBaseURL); err != nil {
		return errors.Wrap(err, "validate CEREBRAS_BASE_URL")
	}
	if cfg.AlternativeA.Enabled() {
		if _, err := netutil.ValidateUpstreamBaseURL(ctx, cfg.AlternativeA.BaseURL); err != nil {
			return errors.Wrap(err, "validate SYNTHETIC_BASE_URL")
		}
	}
	if cfg.AlternativeB.Enabled() {
		if _, err := netutil.ValidateUpstreamBaseURL(ctx, cfg.AlternativeB.BaseURL); err != nil {
			return errors.Wrap(err, "validate ZAI_BASE_URL")
		}
	}
	return nil
}

// parseCredentials decodes the CEREBRAS_API_KEYS JSON object ({name: secret, ...})
// into an ordered slice. JSON object key order is not guaranteed by the decoder, so
// the resulting order is sorted by name for determinism across process restarts.
func parseCredentials(raw string) ([]Credential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var asMap map[string]string
	if err := json.Unmarshal([]byte(raw), &asMap); err != nil {
		return nil, errors.Wrap(err, "unmarshal credential map")
	}

	names := make([]string, 0, len(asMap))
	for name := range asMap {
		names = append(names, name)
	}
	sort.Strings(names)

	creds := make([]Credential, 0, len(names))
	for _, name := range names {
		creds = append(creds, Credential{Name: name, Secret: asMap[name]})
	}
	return creds, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
