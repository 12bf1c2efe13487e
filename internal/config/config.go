package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Engine modes for speech recognition
const (
	EngineDeepgram = "deepgram" // cloud streaming recognition
	EngineExec     = "exec"     // local recognizer command
	EngineMock     = "mock"     // placeholder transcripts, no model needed
)

// Config holds all configuration for the recorder
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Storage
	RecordingsDir string `envconfig:"RECORDINGS_DIR" default:"./data/recordings"` // side files, one <uuid>.wav per session
	DatabasePath  string `envconfig:"DATABASE_PATH" default:"./data/meetings.db"`

	// Recognition
	Locale            string `envconfig:"RECOGNITION_LOCALE" default:"en-US"`
	STTEngine         string `envconfig:"STT_ENGINE" default:"mock"` // deepgram, exec, mock
	AudioOnlyFallback bool   `envconfig:"AUDIO_ONLY_FALLBACK" default:"false"`
	FinishTimeout     int    `envconfig:"FINISH_TIMEOUT" default:"10"` // seconds to wait for the engine to flush

	// Deepgram streaming configuration
	DeepgramAPIKey     string   `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel      string   `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLocales    []string `envconfig:"DEEPGRAM_LOCALES" default:"en-US,en-GB,es-ES,fr-FR,de-DE,it-IT,pt-BR,ja-JP"`
	DeepgramFlushQuiet int      `envconfig:"DEEPGRAM_FLUSH_QUIET" default:"500"`    // ms without results before a flush is considered done
	DeepgramFinalize   int      `envconfig:"DEEPGRAM_FINALIZE_WAIT" default:"3000"` // ms of quiet allowed while waiting for the finalize response

	// Local recognizer configuration
	STTCommand      string   `envconfig:"STT_COMMAND" default:""`
	STTPartialEvery int      `envconfig:"STT_PARTIAL_EVERY" default:"800"` // ms of speech between partial results
	LocaleModelsDir string   `envconfig:"LOCALE_MODELS_DIR" default:"./data/models"`
	LocaleModelURL  string   `envconfig:"LOCALE_MODEL_URL" default:""` // template, {locale} is replaced
	LocaleSupported []string `envconfig:"LOCALE_SUPPORTED" default:"en-US"`

	// Audio processing configuration
	CaptureChannels        int     `envconfig:"CAPTURE_CHANNELS" default:"1"`
	CaptureFramesPerBuffer int     `envconfig:"CAPTURE_FRAMES_PER_BUFFER" default:"4096"`
	VADEnergyThreshold     float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	VADSilenceFrames       int     `envconfig:"VAD_SILENCE_FRAMES" default:"25"`      // 20ms frames of silence to mark speech end

	// Session behaviour
	DurationTick        int `envconfig:"DURATION_TICK" default:"1000"`         // ms between duration recomputations
	SessionReleaseDelay int `envconfig:"SESSION_RELEASE_DELAY" default:"1000"` // ms a stopped session stays reachable

	// Host capabilities
	MicrophoneGranted bool `envconfig:"PERMISSION_MICROPHONE" default:"true"`
	SpeechGranted     bool `envconfig:"PERMISSION_SPEECH" default:"true"`

	// Summaries
	OpenAIAPIKey       string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIBaseURL      string `envconfig:"OPENAI_BASE_URL" default:""`
	SummaryModel       string `envconfig:"SUMMARY_MODEL" default:"gpt-4o-mini"`
	SummaryMaxAttempts int    `envconfig:"SUMMARY_MAX_ATTEMPTS" default:"3"`

	// Event fan-out
	NATSURL     string `envconfig:"NATS_URL" default:""`
	NATSSubject string `envconfig:"NATS_SUBJECT_PREFIX" default:"recorder"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	TracingEnabled bool   `envconfig:"TRACING_ENABLED" default:"false"`
	OTLPEndpoint   string `envconfig:"OTLP_ENDPOINT" default:""` // empty exports spans to stdout
	OTLPInsecure   bool   `envconfig:"OTLP_INSECURE" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks settings that depend on each other
func (c *Config) Validate() error {
	switch c.STTEngine {
	case EngineDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when STT_ENGINE=%s", EngineDeepgram)
		}
	case EngineExec:
		if strings.TrimSpace(c.STTCommand) == "" {
			return fmt.Errorf("STT_COMMAND is required when STT_ENGINE=%s", EngineExec)
		}
	case EngineMock:
	default:
		return fmt.Errorf("unknown STT_ENGINE %q", c.STTEngine)
	}

	if c.CaptureChannels <= 0 {
		return fmt.Errorf("CAPTURE_CHANNELS must be positive")
	}
	if c.SummaryMaxAttempts <= 0 {
		return fmt.Errorf("SUMMARY_MAX_ATTEMPTS must be positive")
	}
	if c.DurationTick <= 0 {
		return fmt.Errorf("DURATION_TICK must be positive")
	}
	return nil
}

// DurationTickInterval returns the duration timer period
func (c *Config) DurationTickInterval() time.Duration {
	return time.Duration(c.DurationTick) * time.Millisecond
}

// ReleaseDelay returns how long a stopped session stays reachable
func (c *Config) ReleaseDelay() time.Duration {
	return time.Duration(c.SessionReleaseDelay) * time.Millisecond
}

// FinishTimeoutDuration returns the upper bound for flushing a transcription stream
func (c *Config) FinishTimeoutDuration() time.Duration {
	return time.Duration(c.FinishTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
