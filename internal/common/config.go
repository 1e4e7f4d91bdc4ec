package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server"`
	Pipeline    PipelineConfig    `toml:"pipeline"`
	Dedup       DedupConfig       `toml:"dedup"`
	Messaging   MessagingConfig   `toml:"messaging"`
	Media       MediaConfig       `toml:"media"`
	LLM         LLMConfig         `toml:"llm"`
	Gemini      GeminiConfig      `toml:"gemini"`
	Claude      ClaudeConfig      `toml:"claude"`
	Opencode    OpencodeConfig    `toml:"opencode"`
	Reply       ReplyConfig       `toml:"reply"`
	Storage     StorageConfig     `toml:"storage"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Logging     LoggingConfig     `toml:"logging"`
}

// ServerConfig controls the status HTTP server
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port" validate:"min=0,max=65535"`
	Host    string `toml:"host"`
}

// PipelineConfig contains job orchestration settings
type PipelineConfig struct {
	Workers       int                    `toml:"workers" validate:"min=1"`        // Size of the worker pool
	MaxHeavyJobs  int                    `toml:"max_heavy_jobs" validate:"min=1"` // Global cap on jobs in download..summarize combined
	JobBudget     string                 `toml:"job_budget"`                      // Wall-clock budget per job, e.g. "20m"
	Retention     string                 `toml:"retention"`                       // How long terminal jobs stay in the job store for idempotency checks
	WorkDir       string                 `toml:"work_dir" validate:"required"`    // Root of per-job scratch directories
	KeepArtifacts bool                   `toml:"keep_artifacts"`                  // Keep media files after a job finishes
	Stages        map[string]StageConfig `toml:"stages"`                          // Keyed by step name: download, extract, transcribe, summarize, reply
}

// StageConfig contains timeout and retry settings for one step
type StageConfig struct {
	Timeout     string `toml:"timeout"`      // e.g. "5m"
	MaxAttempts int    `toml:"max_attempts"` // Total attempts including the first
	BackoffBase string `toml:"backoff_base"` // First retry delay
	BackoffMax  string `toml:"backoff_max"`  // Cap on retry delay
	BackoffKind string `toml:"backoff_kind"` // "exponential" or "fixed"
	Concurrency int    `toml:"concurrency"`  // Per-step cap, 0 = only the global cap applies
}

// DedupConfig controls suppression of repeated links
type DedupConfig struct {
	Window string `toml:"window"`                                // e.g. "10m"
	Scope  string `toml:"scope" validate:"oneof=sender global"` // Key links per sender or globally
}

// MessagingConfig selects and configures the messaging transport
type MessagingConfig struct {
	Transport      string           `toml:"transport" validate:"oneof=signal-cli signal-rest"`
	Account        string           `toml:"account"`         // Phone number the bot runs as
	AllowedSenders []string         `toml:"allowed_senders"` // Empty allows everyone
	SendRate       float64          `toml:"send_rate"`       // Outbound messages per second
	SendBurst      int              `toml:"send_burst"`
	SignalCLI      SignalCLIConfig  `toml:"signal_cli"`
	SignalREST     SignalRESTConfig `toml:"signal_rest"`
}

// SignalCLIConfig configures the signal-cli jsonRpc subprocess transport
type SignalCLIConfig struct {
	Path        string   `toml:"path"`
	ConfigDir   string   `toml:"config_dir"`
	ExtraArgs   []string `toml:"extra_args"`
	SendTimeout string   `toml:"send_timeout"` // How long to wait for the JSON-RPC response to a send
}

// SignalRESTConfig configures the signal-cli-rest-api transport
type SignalRESTConfig struct {
	BaseURL        string `toml:"base_url"`
	ReconnectDelay string `toml:"reconnect_delay"`
	RequestTimeout string `toml:"request_timeout"`
}

// MediaConfig contains paths and tuning for the media tools
type MediaConfig struct {
	YtDlpPath       string                    `toml:"ytdlp_path"`
	FFmpegPath      string                    `toml:"ffmpeg_path"`
	WhisperPath     string                    `toml:"whisper_path"` // Empty transcribes from downloaded subtitles only
	WhisperModel    string                    `toml:"whisper_model"`
	WhisperLanguage string                    `toml:"whisper_language"`
	SubtitleLangs   []string                  `toml:"subtitle_langs"`
	FrameFPS        float64                   `toml:"frame_fps" validate:"gt=0"`
	FrameWidth      int                       `toml:"frame_width"`
	MaxFrames       int                       `toml:"max_frames" validate:"min=1"`
	Platforms       map[string]PlatformConfig `toml:"platforms"` // Keyed by platform: tiktok, instagram
}

// PlatformConfig adds per-platform downloader arguments
type PlatformConfig struct {
	CookiesFile string   `toml:"cookies_file"`
	ExtraArgs   []string `toml:"extra_args"`
}

// LLMProvider represents the AI provider type
type LLMProvider string

const (
	// LLMProviderGemini uses Google Gemini API
	LLMProviderGemini LLMProvider = "gemini"
	// LLMProviderClaude uses Anthropic Claude API
	LLMProviderClaude LLMProvider = "claude"
	// LLMProviderOpencode shells out to the opencode CLI
	LLMProviderOpencode LLMProvider = "opencode"
)

// LLMConfig contains settings shared by all summarizer providers
type LLMConfig struct {
	Provider  LLMProvider `toml:"provider" validate:"oneof=gemini claude opencode"`
	MaxFrames int         `toml:"max_frames"` // Frames attached to the request
	RateLimit string      `toml:"rate_limit"` // Minimum interval between requests, e.g. "4s"
}

// GeminiConfig contains Google Gemini API configuration
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Temperature float32 `toml:"temperature"`
}

// ClaudeConfig contains Anthropic Claude API configuration
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float32 `toml:"temperature"`
}

// OpencodeConfig configures the opencode CLI summarizer
type OpencodeConfig struct {
	Path  string `toml:"path"`
	Model string `toml:"model"`
}

// ReplyConfig controls reply rendering
type ReplyConfig struct {
	MaxLength int  `toml:"max_length" validate:"min=100"` // Longer replies are truncated
	Quote     bool `toml:"quote"`                         // Quote the original message when the transport supports it
}

// StorageConfig configures the optional job archive
type StorageConfig struct {
	Badger           BadgerConfig `toml:"badger"`
	ArchiveRetention string       `toml:"archive_retention"` // e.g. "720h"
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Enabled        bool   `toml:"enabled"`
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup
}

// MaintenanceConfig schedules the background sweeps
type MaintenanceConfig struct {
	SweepSchedule   string `toml:"sweep_schedule"`   // Cron spec for budget/retention/dedup sweeps
	ArchiveSchedule string `toml:"archive_schedule"` // Cron spec for archive pruning
}

type LoggingConfig struct {
	Level  string   `toml:"level" validate:"oneof=debug info warn error"`
	Format string   `toml:"format" validate:"omitempty,oneof=text json"`
	Output []string `toml:"output" validate:"dive,oneof=stdout console file"`
	File   string   `toml:"file"` // Log file name, resolved against Dir unless absolute
	Dir    string   `toml:"dir"`  // Log and crash report directory, defaults to logs/ next to the executable
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Enabled: true,
			Port:    8086,
			Host:    "localhost",
		},
		Pipeline: PipelineConfig{
			Workers:      4,
			MaxHeavyJobs: 2,
			JobBudget:    "20m",
			Retention:    "10m",
			WorkDir:      "./data/work",
			Stages: map[string]StageConfig{
				"download":   {Timeout: "3m", MaxAttempts: 3, BackoffBase: "5s", BackoffMax: "1m", BackoffKind: "exponential", Concurrency: 2},
				"extract":    {Timeout: "2m", MaxAttempts: 2, BackoffBase: "2s", BackoffMax: "30s", BackoffKind: "exponential"},
				"transcribe": {Timeout: "5m", MaxAttempts: 2, BackoffBase: "5s", BackoffMax: "1m", BackoffKind: "exponential", Concurrency: 1},
				"summarize":  {Timeout: "3m", MaxAttempts: 3, BackoffBase: "10s", BackoffMax: "2m", BackoffKind: "exponential"},
				"reply":      {Timeout: "30s", MaxAttempts: 3, BackoffBase: "2s", BackoffMax: "30s", BackoffKind: "exponential"},
			},
		},
		Dedup: DedupConfig{
			Window: "10m",
			Scope:  "sender",
		},
		Messaging: MessagingConfig{
			Transport: "signal-cli",
			SendRate:  1,
			SendBurst: 3,
			SignalCLI: SignalCLIConfig{
				Path:        "signal-cli",
				SendTimeout: "30s",
			},
			SignalREST: SignalRESTConfig{
				BaseURL:        "http://localhost:8080",
				ReconnectDelay: "5s",
				RequestTimeout: "30s",
			},
		},
		Media: MediaConfig{
			YtDlpPath:     "yt-dlp",
			FFmpegPath:    "ffmpeg",
			WhisperPath:   "whisper",
			WhisperModel:  "base",
			SubtitleLangs: []string{"en"},
			FrameFPS:      0.5,
			FrameWidth:    720,
			MaxFrames:     30,
		},
		LLM: LLMConfig{
			Provider:  LLMProviderGemini,
			MaxFrames: 12,
			RateLimit: "4s", // 15 RPM free tier
		},
		Gemini: GeminiConfig{
			Model:       "gemini-3-flash-preview",
			Temperature: 0.4,
		},
		Claude: ClaudeConfig{
			Model:       "claude-sonnet-4-5",
			MaxTokens:   2048,
			Temperature: 0.4,
		},
		Opencode: OpencodeConfig{
			Path:  "opencode",
			Model: "opencode/gemini-3-pro",
		},
		Reply: ReplyConfig{
			MaxLength: 3000,
			Quote:     true,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Enabled: false,
				Path:    "./data/archive",
			},
			ArchiveRetention: "720h",
		},
		Maintenance: MaintenanceConfig{
			SweepSchedule:   "@every 30s",
			ArchiveSchedule: "0 3 * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout"},
			File:   "brainrot.log",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied afterwards with ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("BRAINROT_ENV"); env != "" {
		config.Environment = env
	}

	// Server
	if port := os.Getenv("BRAINROT_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("BRAINROT_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Pipeline
	if workers := os.Getenv("BRAINROT_PIPELINE_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			config.Pipeline.Workers = w
		}
	}
	if heavy := os.Getenv("BRAINROT_PIPELINE_MAX_HEAVY_JOBS"); heavy != "" {
		if h, err := strconv.Atoi(heavy); err == nil {
			config.Pipeline.MaxHeavyJobs = h
		}
	}
	if budget := os.Getenv("BRAINROT_PIPELINE_JOB_BUDGET"); budget != "" {
		if _, err := time.ParseDuration(budget); err == nil {
			config.Pipeline.JobBudget = budget
		}
	}
	if workDir := os.Getenv("BRAINROT_PIPELINE_WORK_DIR"); workDir != "" {
		config.Pipeline.WorkDir = workDir
	}
	if keep := os.Getenv("BRAINROT_PIPELINE_KEEP_ARTIFACTS"); keep != "" {
		if k, err := strconv.ParseBool(keep); err == nil {
			config.Pipeline.KeepArtifacts = k
		}
	}

	// Dedup
	if window := os.Getenv("BRAINROT_DEDUP_WINDOW"); window != "" {
		if _, err := time.ParseDuration(window); err == nil {
			config.Dedup.Window = window
		}
	}
	if scope := os.Getenv("BRAINROT_DEDUP_SCOPE"); scope != "" {
		config.Dedup.Scope = scope
	}

	// Messaging
	if transport := os.Getenv("BRAINROT_MESSAGING_TRANSPORT"); transport != "" {
		config.Messaging.Transport = transport
	}
	if account := os.Getenv("BRAINROT_SIGNAL_ACCOUNT"); account != "" {
		config.Messaging.Account = account
	}
	if allowed := os.Getenv("BRAINROT_ALLOWED_SENDERS"); allowed != "" {
		config.Messaging.AllowedSenders = splitList(allowed)
	}
	if baseURL := os.Getenv("BRAINROT_SIGNAL_REST_URL"); baseURL != "" {
		config.Messaging.SignalREST.BaseURL = baseURL
	}

	// Media tools
	if path := os.Getenv("BRAINROT_YTDLP_PATH"); path != "" {
		config.Media.YtDlpPath = path
	}
	if path := os.Getenv("BRAINROT_FFMPEG_PATH"); path != "" {
		config.Media.FFmpegPath = path
	}
	if path := os.Getenv("BRAINROT_WHISPER_PATH"); path != "" {
		config.Media.WhisperPath = path
	}
	if model := os.Getenv("BRAINROT_WHISPER_MODEL"); model != "" {
		config.Media.WhisperModel = model
	}

	// LLM
	if provider := os.Getenv("BRAINROT_LLM_PROVIDER"); provider != "" {
		config.LLM.Provider = LLMProvider(provider)
	}
	if apiKey := os.Getenv("BRAINROT_GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	}
	if model := os.Getenv("BRAINROT_GEMINI_MODEL"); model != "" {
		config.Gemini.Model = model
	}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey
	}
	if apiKey := os.Getenv("BRAINROT_CLAUDE_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey
	}
	if model := os.Getenv("BRAINROT_CLAUDE_MODEL"); model != "" {
		config.Claude.Model = model
	}
	if model := os.Getenv("BRAINROT_OPENCODE_MODEL"); model != "" {
		config.Opencode.Model = model
	}

	// Storage
	if path := os.Getenv("BRAINROT_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}
	if enabled := os.Getenv("BRAINROT_BADGER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Storage.Badger.Enabled = e
		}
	}

	// Logging
	if level := os.Getenv("BRAINROT_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("BRAINROT_LOG_OUTPUT"); output != "" {
		config.Logging.Output = splitList(output)
	}
	if format := os.Getenv("BRAINROT_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if dir := os.Getenv("BRAINROT_LOG_DIR"); dir != "" {
		config.Logging.Dir = dir
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks struct tags, duration strings and cron specs
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"pipeline.job_budget":                   c.Pipeline.JobBudget,
		"pipeline.retention":                    c.Pipeline.Retention,
		"dedup.window":                          c.Dedup.Window,
		"llm.rate_limit":                        c.LLM.RateLimit,
		"storage.archive_retention":             c.Storage.ArchiveRetention,
		"messaging.signal_cli.send_timeout":     c.Messaging.SignalCLI.SendTimeout,
		"messaging.signal_rest.reconnect_delay": c.Messaging.SignalREST.ReconnectDelay,
		"messaging.signal_rest.request_timeout": c.Messaging.SignalREST.RequestTimeout,
	}
	for step, sc := range c.Pipeline.Stages {
		durations["pipeline.stages."+step+".timeout"] = sc.Timeout
		durations["pipeline.stages."+step+".backoff_base"] = sc.BackoffBase
		durations["pipeline.stages."+step+".backoff_max"] = sc.BackoffMax
		if sc.BackoffKind != "" && sc.BackoffKind != "exponential" && sc.BackoffKind != "fixed" {
			return fmt.Errorf("invalid configuration: pipeline.stages.%s.backoff_kind must be exponential or fixed, got %q", step, sc.BackoffKind)
		}
		if sc.MaxAttempts < 0 || sc.Concurrency < 0 {
			return fmt.Errorf("invalid configuration: pipeline.stages.%s has a negative limit", step)
		}
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", name, err)
		}
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"maintenance.sweep_schedule":   c.Maintenance.SweepSchedule,
		"maintenance.archive_schedule": c.Maintenance.ArchiveSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", name, err)
		}
	}

	return nil
}

// ParseDurationOr parses s, returning fallback when s is empty or invalid
func ParseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ResolveAPIKey resolves an API key with environment variable priority.
// Resolution order: environment variables → config value → error
func ResolveAPIKey(name string, configFallback string) (string, error) {
	keyToEnvMapping := map[string][]string{
		"gemini_api_key": {"BRAINROT_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"claude_api_key": {"BRAINROT_CLAUDE_API_KEY", "ANTHROPIC_API_KEY"},
	}

	if envVarNames, ok := keyToEnvMapping[name]; ok {
		for _, envVarName := range envVarNames {
			if envValue := os.Getenv(envVarName); envValue != "" {
				return envValue, nil
			}
		}
	}

	if configFallback != "" {
		return configFallback, nil
	}

	return "", fmt.Errorf("API key '%s' not found in environment or config", name)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
