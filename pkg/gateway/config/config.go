package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/vai-callbridge/pkg/gateway/agents"
)

type Config struct {
	Server     Server           `yaml:"server"`
	Log        Log              `yaml:"log"`
	Database   Database         `yaml:"database"`
	Deepgram   Deepgram         `yaml:"deepgram"`
	ElevenLabs ElevenLabs       `yaml:"elevenlabs"`
	LLM        LLM              `yaml:"llm"`
	Live       Live             `yaml:"live"`
	Calendar   Calendar         `yaml:"calendar"`
	Google     Google           `yaml:"google"`
	Agents     []agents.Profile `yaml:"agents"`

	// DefaultAgent answers calls whose agent id is unknown. Empty rejects them.
	DefaultAgent string `yaml:"default_agent"`
}

type Server struct {
	Addr string `yaml:"addr"`
	// PublicHost is the host Twilio reaches the media stream on. Empty uses the request Host.
	PublicHost        string        `yaml:"public_host"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	MetricsPath       string        `yaml:"metrics_path"`
	// MaxCalls caps concurrent calls across all agents. Zero is unlimited.
	MaxCalls int `yaml:"max_calls"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Database struct {
	URL            string `yaml:"url"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

type Deepgram struct {
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

type ElevenLabs struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	VoiceID string `yaml:"voice_id"`
	ModelID string `yaml:"model_id"`
}

type LLM struct {
	// Provider is "openai" or "gemini".
	Provider     string  `yaml:"provider"`
	Model        string  `yaml:"model"`
	OpenAIKey    string  `yaml:"openai_api_key"`
	OpenAIURL    string  `yaml:"openai_base_url"`
	GeminiKey    string  `yaml:"gemini_api_key"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	MaxHistory   int     `yaml:"max_history_turns"`
	SystemPrompt string  `yaml:"system_prompt"`
}

// Live holds the per-session timing and sizing knobs.
type Live struct {
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	TurnTimeout        time.Duration `yaml:"turn_timeout"`
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
	ToolDrainGrace     time.Duration `yaml:"tool_drain_grace"`
	ToolQueueSize      int           `yaml:"tool_queue_size"`
	DrainUnits         int           `yaml:"drain_units"`
	HangupDelay        time.Duration `yaml:"hangup_delay"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	MaxMessageBytes    int64         `yaml:"max_message_bytes"`
	MarkSlack          time.Duration `yaml:"mark_slack"`
	MaxSessionDuration time.Duration `yaml:"max_session_duration"`
	OutboundQueueSize  int           `yaml:"outbound_queue_size"`
	InboundMaxFPS      int           `yaml:"inbound_max_fps"`
	InboundBurst       int           `yaml:"inbound_burst"`
	ProviderRetries    int           `yaml:"provider_retries"`
	ProviderRetryBase  time.Duration `yaml:"provider_retry_base"`
	PacingFactor       float64       `yaml:"pacing_factor"`
	InterimRepeats     int           `yaml:"interim_repeat_threshold"`
	SilenceCommit      time.Duration `yaml:"silence_commit"`
	AckPhrase          string        `yaml:"ack_phrase"`
	ApologyPhrase      string        `yaml:"apology_phrase"`
}

type Calendar struct {
	StartHour   int    `yaml:"start_hour"`
	EndHour     int    `yaml:"end_hour"`
	SlotMinutes int    `yaml:"slot_minutes"`
	MaxSlots    int    `yaml:"max_slots"`
	Timezone    string `yaml:"timezone"`
}

// Google holds the OAuth client used to refresh stored calendar grants.
type Google struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	// AccessToken, when set, is used for every subject instead of stored grants.
	AccessToken string `yaml:"access_token"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownGrace:     30 * time.Second,
			MetricsPath:       "/metrics",
		},
		Log: Log{Level: "info", Format: "text"},
		Deepgram: Deepgram{
			BaseURL:  "wss://api.deepgram.com/v1/listen",
			Model:    "nova-3",
			Language: "en-US",
		},
		ElevenLabs: ElevenLabs{
			BaseURL: "wss://api.elevenlabs.io",
			VoiceID: "21m00Tcm4TlvDq8ikWAM",
			ModelID: "eleven_turbo_v2_5",
		},
		LLM: LLM{
			Provider:    "openai",
			Model:       "gpt-4o",
			OpenAIURL:   "https://api.openai.com/v1",
			Temperature: 0.8,
			MaxTokens:   512,
			MaxHistory:  40,
			SystemPrompt: "You are a friendly phone receptionist. Keep replies short and conversational " +
				"because they are spoken aloud. Never use markdown or lists.",
		},
		Live: Live{
			HandshakeTimeout:   10 * time.Second,
			TurnTimeout:        20 * time.Second,
			ToolTimeout:        15 * time.Second,
			ToolDrainGrace:     5 * time.Second,
			ToolQueueSize:      16,
			DrainUnits:         0,
			HangupDelay:        2 * time.Second,
			WriteTimeout:       5 * time.Second,
			PingInterval:       20 * time.Second,
			ReadTimeout:        30 * time.Second,
			MaxMessageBytes:    64 << 10,
			MarkSlack:          3 * time.Second,
			MaxSessionDuration: 30 * time.Minute,
			OutboundQueueSize:  256,
			InboundMaxFPS:      100,
			InboundBurst:       200,
			ProviderRetries:    3,
			ProviderRetryBase:  200 * time.Millisecond,
			PacingFactor:       0.7,
			InterimRepeats:     3,
			SilenceCommit:      1500 * time.Millisecond,
			AckPhrase:          "Let me check on that.",
			ApologyPhrase:      "Sorry, I ran into an issue with that request. Please try again.",
		},
		Calendar: Calendar{StartHour: 9, EndHour: 17, SlotMinutes: 60, MaxSlots: 8, Timezone: "UTC"},
		Google:   Google{TokenURL: "https://oauth2.googleapis.com/token"},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = envOr("CALLBRIDGE_ADDR", cfg.Server.Addr)
	cfg.Server.PublicHost = envOr("CALLBRIDGE_PUBLIC_HOST", cfg.Server.PublicHost)
	cfg.Server.ShutdownGrace = envDurationOr("CALLBRIDGE_SHUTDOWN_GRACE", cfg.Server.ShutdownGrace)
	cfg.Server.MaxCalls = envIntOr("CALLBRIDGE_MAX_CALLS", cfg.Server.MaxCalls)

	cfg.Log.Level = envOr("CALLBRIDGE_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOr("CALLBRIDGE_LOG_FORMAT", cfg.Log.Format)

	cfg.Database.URL = envOr("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MigrateOnStart = envBoolOr("CALLBRIDGE_MIGRATE_ON_START", cfg.Database.MigrateOnStart)

	cfg.Deepgram.APIKey = envOr("DEEPGRAM_API_KEY", cfg.Deepgram.APIKey)
	cfg.ElevenLabs.APIKey = envOr("ELEVENLABS_API_KEY", cfg.ElevenLabs.APIKey)
	cfg.ElevenLabs.VoiceID = envOr("ELEVENLABS_VOICE_ID", cfg.ElevenLabs.VoiceID)

	cfg.LLM.Provider = envOr("CALLBRIDGE_LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = envOr("CALLBRIDGE_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.OpenAIKey = envOr("OPENAI_API_KEY", cfg.LLM.OpenAIKey)
	cfg.LLM.GeminiKey = envOr("GEMINI_API_KEY", cfg.LLM.GeminiKey)
	cfg.LLM.Temperature = envFloat64Or("CALLBRIDGE_LLM_TEMPERATURE", cfg.LLM.Temperature)

	cfg.Live.HandshakeTimeout = envDurationOr("CALLBRIDGE_HANDSHAKE_TIMEOUT", cfg.Live.HandshakeTimeout)
	cfg.Live.TurnTimeout = envDurationOr("CALLBRIDGE_TURN_TIMEOUT", cfg.Live.TurnTimeout)
	cfg.Live.ToolTimeout = envDurationOr("CALLBRIDGE_TOOL_TIMEOUT", cfg.Live.ToolTimeout)
	cfg.Live.ToolDrainGrace = envDurationOr("CALLBRIDGE_TOOL_DRAIN_GRACE", cfg.Live.ToolDrainGrace)
	cfg.Live.DrainUnits = envIntOr("CALLBRIDGE_DRAIN_UNITS", cfg.Live.DrainUnits)
	cfg.Live.HangupDelay = envDurationOr("CALLBRIDGE_HANGUP_DELAY", cfg.Live.HangupDelay)
	cfg.Live.ReadTimeout = envDurationOr("CALLBRIDGE_READ_TIMEOUT", cfg.Live.ReadTimeout)
	cfg.Live.MaxSessionDuration = envDurationOr("CALLBRIDGE_MAX_SESSION_DURATION", cfg.Live.MaxSessionDuration)
	cfg.Live.ProviderRetries = envIntOr("CALLBRIDGE_PROVIDER_RETRIES", cfg.Live.ProviderRetries)
	cfg.Live.PacingFactor = envFloat64Or("CALLBRIDGE_PACING_FACTOR", cfg.Live.PacingFactor)

	cfg.Google.ClientID = envOr("GOOGLE_CLIENT_ID", cfg.Google.ClientID)
	cfg.Google.ClientSecret = envOr("GOOGLE_CLIENT_SECRET", cfg.Google.ClientSecret)
	cfg.Google.AccessToken = envOr("GOOGLE_ACCESS_TOKEN", cfg.Google.AccessToken)

	cfg.DefaultAgent = envOr("CALLBRIDGE_DEFAULT_AGENT", cfg.DefaultAgent)
}

// Validate reports the first invalid setting, named by its environment variable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("CALLBRIDGE_ADDR must not be empty")
	}
	if c.Server.ShutdownGrace <= 0 {
		return errors.New("CALLBRIDGE_SHUTDOWN_GRACE must be > 0")
	}
	if c.Server.MaxCalls < 0 {
		return errors.New("CALLBRIDGE_MAX_CALLS must be >= 0")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("CALLBRIDGE_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.New("CALLBRIDGE_LOG_FORMAT must be one of text|json")
	}
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		return errors.New("CALLBRIDGE_LLM_PROVIDER must be one of openai|gemini")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return errors.New("CALLBRIDGE_LLM_TEMPERATURE must be within [0, 2]")
	}
	if c.LLM.MaxHistory < 0 {
		return errors.New("llm.max_history_turns must be >= 0")
	}

	l := c.Live
	if l.HandshakeTimeout <= 0 {
		return errors.New("CALLBRIDGE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if l.TurnTimeout <= 0 {
		return errors.New("CALLBRIDGE_TURN_TIMEOUT must be > 0")
	}
	if l.ToolTimeout <= 0 {
		return errors.New("CALLBRIDGE_TOOL_TIMEOUT must be > 0")
	}
	if l.ToolDrainGrace < 0 {
		return errors.New("CALLBRIDGE_TOOL_DRAIN_GRACE must be >= 0")
	}
	if l.ToolQueueSize <= 0 {
		return errors.New("live.tool_queue_size must be > 0")
	}
	if l.DrainUnits < 0 {
		return errors.New("CALLBRIDGE_DRAIN_UNITS must be >= 0")
	}
	if l.HangupDelay < 0 {
		return errors.New("CALLBRIDGE_HANGUP_DELAY must be >= 0")
	}
	if l.WriteTimeout <= 0 || l.PingInterval <= 0 {
		return errors.New("live.write_timeout and live.ping_interval must be > 0")
	}
	if l.ReadTimeout < 0 {
		return errors.New("CALLBRIDGE_READ_TIMEOUT must be >= 0")
	}
	if l.MaxMessageBytes <= 0 {
		return errors.New("live.max_message_bytes must be > 0")
	}
	if l.MarkSlack < 0 {
		return errors.New("live.mark_slack must be >= 0")
	}
	if l.MaxSessionDuration <= 0 {
		return errors.New("CALLBRIDGE_MAX_SESSION_DURATION must be > 0")
	}
	if l.OutboundQueueSize <= 0 {
		return errors.New("live.outbound_queue_size must be > 0")
	}
	if l.InboundMaxFPS < 0 || l.InboundBurst < 0 {
		return errors.New("live.inbound_max_fps and live.inbound_burst must be >= 0")
	}
	if l.InboundMaxFPS > 0 && l.InboundBurst < 1 {
		return errors.New("live.inbound_burst must be >= 1 when live.inbound_max_fps is set")
	}
	if l.ProviderRetries < 0 {
		return errors.New("CALLBRIDGE_PROVIDER_RETRIES must be >= 0")
	}
	if l.ProviderRetryBase <= 0 {
		return errors.New("live.provider_retry_base must be > 0")
	}
	if l.PacingFactor < 0 || l.PacingFactor > 1 {
		return errors.New("CALLBRIDGE_PACING_FACTOR must be within [0, 1]")
	}
	if l.InterimRepeats < 0 {
		return errors.New("live.interim_repeat_threshold must be >= 0")
	}
	if l.SilenceCommit <= 0 {
		return errors.New("live.silence_commit must be > 0")
	}
	if strings.TrimSpace(l.ApologyPhrase) == "" {
		return errors.New("live.apology_phrase must not be empty")
	}

	if c.Calendar.StartHour < 0 || c.Calendar.EndHour > 24 || c.Calendar.StartHour >= c.Calendar.EndHour {
		return errors.New("calendar.start_hour must be before calendar.end_hour within 0..24")
	}
	if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
		return fmt.Errorf("calendar.timezone: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Agents))
	for i, a := range c.Agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("agents[%d].id must not be empty", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("agents[%d].id %q is duplicated", i, id)
		}
		seen[id] = struct{}{}
		if a.Timezone != "" {
			if _, err := time.LoadLocation(a.Timezone); err != nil {
				return fmt.Errorf("agents[%d].timezone: %w", i, err)
			}
		}
	}
	if c.DefaultAgent != "" && c.Database.URL == "" {
		if _, ok := seen[c.DefaultAgent]; !ok {
			return fmt.Errorf("CALLBRIDGE_DEFAULT_AGENT %q is not a configured agent", c.DefaultAgent)
		}
	}
	return nil
}

// Providers reports missing provider credentials. Serving calls needs all of them.
func (c Config) Providers() error {
	var missing []string
	if c.Deepgram.APIKey == "" {
		missing = append(missing, "DEEPGRAM_API_KEY")
	}
	if c.ElevenLabs.APIKey == "" {
		missing = append(missing, "ELEVENLABS_API_KEY")
	}
	switch c.LLM.Provider {
	case "openai":
		if c.LLM.OpenAIKey == "" {
			missing = append(missing, "OPENAI_API_KEY")
		}
	case "gemini":
		if c.LLM.GeminiKey == "" {
			missing = append(missing, "GEMINI_API_KEY")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing provider credentials: %s", strings.Join(missing, ", "))
	}
	return nil
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

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
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
