// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string // "" or ":memory:" keeps snapshots in process memory
	StaticDir   string // built frontend to serve; empty serves API only
	SessionTTL  time.Duration
	Search      SearchConfig
	Voice       VoiceConfig
	Telemetry   TelemetryConfig
}

// TelemetryConfig controls trace export.
type TelemetryConfig struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string // empty disables export; spans stay in-process
	OTLPInsecure bool
}

// SearchConfig controls the product search backend.
type SearchConfig struct {
	Backend       string // "http" or "grpc"
	BaseURL       string
	GRPCAddr      string
	PageSize      int
	Timeout       time.Duration
	RateLimit     float64 // requests per second, 0 = unlimited
	ForceOriginal bool
}

// VoiceConfig controls speech capture and recognition.
type VoiceConfig struct {
	Provider      string // "deepgram" or "" (voice disabled)
	APIKey        string
	BaseURL       string
	Model         string
	Language      string
	Languages     []string
	SilenceWindow time.Duration
	AudioSource   string // "relay" (browser frames) or "ffmpeg" (host microphone)
	FFmpegPath    string
	FFmpegFormat  string
	FFmpegInput   string
	SampleRate    int
}

const (
	// DefaultPageSize mirrors the search service's default limit.
	DefaultPageSize = 20
	// MaxPageSize is the largest page the search service accepts.
	MaxPageSize = 80
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	ttlMinutes := getEnvInt("SESSION_TTL_MINUTES", 60)
	if ttlMinutes <= 0 {
		ttlMinutes = 60
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/shoplens.db"),
		StaticDir:   getEnv("STATIC_DIR", ""),
		SessionTTL:  time.Duration(ttlMinutes) * time.Minute,
		Search: SearchConfig{
			Backend:       strings.ToLower(getEnv("SEARCH_BACKEND", "http")),
			BaseURL:       strings.TrimRight(getEnv("SEARCH_BASE_URL", "http://localhost:8000"), "/"),
			GRPCAddr:      getEnv("SEARCH_GRPC_ADDR", ""),
			PageSize:      getEnvInt("SEARCH_PAGE_SIZE", DefaultPageSize),
			Timeout:       time.Duration(getEnvInt("SEARCH_TIMEOUT_MS", 15000)) * time.Millisecond,
			RateLimit:     getEnvFloat("SEARCH_RATE_LIMIT", 0),
			ForceOriginal: getEnvBool("SEARCH_FORCE_ORIGINAL", false),
		},
		Voice: VoiceConfig{
			Provider:      strings.ToLower(getEnv("VOICE_PROVIDER", "deepgram")),
			APIKey:        getEnv("DEEPGRAM_API_KEY", ""),
			BaseURL:       getEnv("DEEPGRAM_BASE_URL", "wss://api.deepgram.com/v1/listen"),
			Model:         getEnv("DEEPGRAM_MODEL", "nova-2"),
			Language:      getEnv("VOICE_LANGUAGE", "en"),
			Languages:     getEnvList("VOICE_LANGUAGES", []string{"en", "hi"}),
			SilenceWindow: time.Duration(getEnvInt("VOICE_SILENCE_WINDOW_MS", 1500)) * time.Millisecond,
			AudioSource:   strings.ToLower(getEnv("VOICE_AUDIO_SOURCE", "relay")),
			FFmpegPath:    getEnv("FFMPEG_PATH", "ffmpeg"),
			FFmpegFormat:  getEnv("FFMPEG_INPUT_FORMAT", "pulse"),
			FFmpegInput:   getEnv("FFMPEG_INPUT", "default"),
			SampleRate:    getEnvInt("VOICE_SAMPLE_RATE", 16000),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "shoplens"),
			Environment:  getEnv("APP_ENV", "development"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Search.Backend {
	case "http":
		if c.Search.BaseURL == "" {
			return fmt.Errorf("SEARCH_BASE_URL cannot be empty")
		}
	case "grpc":
		if c.Search.GRPCAddr == "" {
			return fmt.Errorf("SEARCH_GRPC_ADDR cannot be empty when SEARCH_BACKEND=grpc")
		}
	default:
		return fmt.Errorf("SEARCH_BACKEND must be http or grpc, got %q", c.Search.Backend)
	}
	if c.Search.PageSize <= 0 || c.Search.PageSize > MaxPageSize {
		return fmt.Errorf("SEARCH_PAGE_SIZE must be between 1 and %d", MaxPageSize)
	}
	if c.Search.Timeout <= 0 {
		return fmt.Errorf("SEARCH_TIMEOUT_MS must be > 0")
	}
	if c.Search.RateLimit < 0 {
		return fmt.Errorf("SEARCH_RATE_LIMIT must be >= 0")
	}
	if c.Voice.SilenceWindow <= 0 {
		return fmt.Errorf("VOICE_SILENCE_WINDOW_MS must be > 0")
	}
	if !c.Voice.LanguageAllowed(c.Voice.Language) {
		return fmt.Errorf("VOICE_LANGUAGE %q is not one of %v", c.Voice.Language, c.Voice.Languages)
	}
	switch c.Voice.AudioSource {
	case "relay", "ffmpeg":
	default:
		return fmt.Errorf("VOICE_AUDIO_SOURCE must be relay or ffmpeg, got %q", c.Voice.AudioSource)
	}
	if c.Voice.SampleRate <= 0 {
		return fmt.Errorf("VOICE_SAMPLE_RATE must be > 0")
	}
	return nil
}

// VoiceEnabled reports whether a recognition provider can be constructed.
func (c *Config) VoiceEnabled() bool {
	return c.Voice.Provider == "deepgram" && c.Voice.APIKey != ""
}

// LanguageAllowed reports whether lang is an accepted transcription language.
func (v VoiceConfig) LanguageAllowed(lang string) bool {
	for _, l := range v.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
