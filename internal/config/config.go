package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AgentType selects which upstream a browser session is relayed to.
type AgentType string

const (
	AgentRealtime AgentType = "realtime"
	AgentExternal AgentType = "agent"
)

const (
	DefaultAssistantInstructions = "Eres un asistente de voz amigable y útil. Habla con acento español de España."
	DefaultGreetingInstructions  = "Tan solo di la frase 'Hola, cual es tu número para saber quién eres, por favor'. No digas nada más"
	DefaultCaricaturePrompt      = "Convierte a la persona de esta foto en una caricatura divertida y amable, estilo ilustración a color, " +
		"exagerando ligeramente sus rasgos y manteniendo que sea reconocible. Fondo sencillo y limpio."
	DefaultSummaryInstructions = "Resume en español, en un párrafo breve y en tercera persona, lo que el usuario ha dicho en esta conversación. " +
		"No inventes datos ni incluyas números de pedido."
)

// Config contains all runtime settings for the relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogDevelopment   bool

	AllowAnyOrigin   bool
	CORSOrigins      []string
	CORSOriginRegex  string
	CORSOriginRegexp *regexp.Regexp

	AgentType       AgentType
	ManualResponses bool

	AzureEndpoint         string
	AzureAPIKey           string
	AzureAPIVersion       string
	ModelName             string
	Voice                 string
	TranscriptionModel    string
	VADThreshold          float64
	VADPrefixPaddingMS    int
	VADSilenceDurationMS  int
	AssistantInstructions string
	GreetingInstructions  string

	AgentWSURL string

	ImageEndpoint   string
	ImageAPIKey     string
	ImageAPIVersion string
	ImageDeployment string
	ImageSize       string
	ImageCount      int
	ImagePrompt     string

	UserStore         string
	FirebaseURL       string
	FirebaseAuthToken string
	DatabaseURL       string
	StoreTimeout      time.Duration

	NotifyURL     string
	NotifyTimeout time.Duration
	NotifyRetries int

	SummaryTimeout      time.Duration
	SummaryInstructions string
}

// RealtimeConfigured reports whether the cloud realtime upstream can be dialed.
func (c Config) RealtimeConfigured() bool {
	return c.AzureEndpoint != "" && c.AzureAPIKey != ""
}

// ImageConfigured reports whether caricature generation has credentials.
func (c Config) ImageConfigured() bool {
	return c.ImageEndpoint != "" && c.ImageAPIKey != ""
}

// SessionInstructions is the base instruction text sent in the opening
// session.update.
func (c Config) SessionInstructions() string {
	parts := make([]string, 0, 2)
	for _, p := range []string{c.AssistantInstructions, c.GreetingInstructions} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// Load reads an optional dotenv file and then the environment, applying safe
// defaults. Variables already present in the environment win over the file.
func Load() (Config, error) {
	envFile := envOrDefault("APP_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("APP_ENV_FILE load error: %w", err)
	}

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "fulgencio"),
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		ShutdownTimeout:  15 * time.Second,
		CORSOrigins: []string{
			"http://localhost:3000",
			"http://localhost:8080",
			"http://127.0.0.1:3000",
			"http://127.0.0.1:8080",
		},
		CORSOriginRegex: stringsTrimSpace("CORS_ORIGIN_REGEX"),

		ManualResponses: true,

		AzureEndpoint:         strings.TrimRight(stringsTrimSpace("AZURE_OPENAI_ENDPOINT"), "/"),
		AzureAPIKey:           stringsTrimSpace("AZURE_OPENAI_API_KEY"),
		AzureAPIVersion:       envOrDefault("AZURE_OPENAI_API_VERSION", "2024-10-01-preview"),
		ModelName:             envOrDefault("MODEL_NAME", "gpt-realtime"),
		Voice:                 envOrDefault("REALTIME_VOICE", "nova"),
		TranscriptionModel:    envOrDefault("REALTIME_TRANSCRIPTION_MODEL", "whisper-1"),
		VADThreshold:          0.5,
		VADPrefixPaddingMS:    300,
		VADSilenceDurationMS:  500,
		AssistantInstructions: envOrDefault("ASSISTANT_INSTRUCTIONS", DefaultAssistantInstructions),
		GreetingInstructions:  envOrDefault("GREETING_INSTRUCTIONS", DefaultGreetingInstructions),

		AgentWSURL: stringsTrimSpace("AGENT_WS_URL"),

		ImageAPIVersion: envOrDefault("AZURE_OPENAI_IMAGE_API_VERSION", "2025-04-01-preview"),
		ImageDeployment: envOrDefault("AZURE_OPENAI_IMAGE_DEPLOYMENT", "gpt-image-1"),
		ImageSize:       envOrDefault("CARICATURE_IMAGE_SIZE", "1024x1024"),
		ImageCount:      1,
		ImagePrompt:     envOrDefault("CARICATURE_PROMPT", DefaultCaricaturePrompt),

		UserStore:         strings.ToLower(envOrDefault("USER_STORE", "auto")),
		FirebaseURL:       strings.TrimRight(stringsTrimSpace("FIREBASE_DATABASE_URL"), "/"),
		FirebaseAuthToken: stringsTrimSpace("FIREBASE_AUTH_TOKEN"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		StoreTimeout:      3 * time.Second,

		NotifyURL:     stringsTrimSpace("NOTIFY_URL"),
		NotifyTimeout: 2 * time.Second,
		NotifyRetries: 1,

		SummaryTimeout:      30 * time.Second,
		SummaryInstructions: envOrDefault("SUMMARY_INSTRUCTIONS", DefaultSummaryInstructions),
	}
	// Image generation reuses the realtime resource unless pointed elsewhere.
	cfg.ImageEndpoint = strings.TrimRight(envOrDefault("AZURE_OPENAI_IMAGE_ENDPOINT", cfg.AzureEndpoint), "/")
	cfg.ImageAPIKey = envOrDefault("AZURE_OPENAI_IMAGE_API_KEY", cfg.AzureAPIKey)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LogDevelopment, err = boolFromEnv("APP_LOG_DEV", cfg.LogDevelopment)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.CORSOrigins = listFromEnv("CORS_ORIGINS", cfg.CORSOrigins)
	if cfg.CORSOriginRegex != "" {
		cfg.CORSOriginRegexp, err = regexp.Compile(cfg.CORSOriginRegex)
		if err != nil {
			return Config{}, fmt.Errorf("CORS_ORIGIN_REGEX parse error: %w", err)
		}
	}

	cfg.AgentType, err = parseAgentType(envOrDefault("AGENT_TYPE", string(AgentRealtime)))
	if err != nil {
		return Config{}, err
	}
	cfg.ManualResponses, err = boolFromEnv("RELAY_MANUAL_RESPONSES", cfg.ManualResponses)
	if err != nil {
		return Config{}, err
	}

	cfg.VADThreshold, err = floatFromEnv("REALTIME_VAD_THRESHOLD", cfg.VADThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADPrefixPaddingMS, err = intFromEnv("REALTIME_VAD_PREFIX_PADDING_MS", cfg.VADPrefixPaddingMS)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSilenceDurationMS, err = intFromEnv("REALTIME_VAD_SILENCE_DURATION_MS", cfg.VADSilenceDurationMS)
	if err != nil {
		return Config{}, err
	}

	cfg.ImageCount, err = intFromEnv("CARICATURE_IMAGE_COUNT", cfg.ImageCount)
	if err != nil {
		return Config{}, err
	}

	cfg.StoreTimeout, err = durationFromEnv("USER_STORE_TIMEOUT", cfg.StoreTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.NotifyTimeout, err = durationFromEnv("NOTIFY_TIMEOUT", cfg.NotifyTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.NotifyRetries, err = intFromEnv("NOTIFY_RETRIES", cfg.NotifyRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.SummaryTimeout, err = durationFromEnv("SUMMARY_TIMEOUT", cfg.SummaryTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("REALTIME_VAD_THRESHOLD must be between 0 and 1")
	}
	if cfg.ImageCount <= 0 {
		return Config{}, fmt.Errorf("CARICATURE_IMAGE_COUNT must be positive")
	}
	if cfg.NotifyRetries < 0 {
		return Config{}, fmt.Errorf("NOTIFY_RETRIES must be >= 0")
	}
	if cfg.StoreTimeout <= 0 {
		return Config{}, fmt.Errorf("USER_STORE_TIMEOUT must be positive")
	}
	switch cfg.UserStore {
	case "auto", "firebase", "postgres", "memory":
	default:
		return Config{}, fmt.Errorf("USER_STORE must be one of auto, firebase, postgres, memory")
	}
	if cfg.AgentType == AgentExternal && cfg.AgentWSURL == "" {
		return Config{}, fmt.Errorf("AGENT_WS_URL is required when AGENT_TYPE=agent")
	}

	return cfg, nil
}

func parseAgentType(v string) (AgentType, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "realtime", "gpt_realtime":
		return AgentRealtime, nil
	case "agent", "erni_agent":
		return AgentExternal, nil
	default:
		return "", fmt.Errorf("AGENT_TYPE %q is not supported", v)
	}
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key string, fallback []string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
