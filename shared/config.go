package shared

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// Environment variable keys that override the config file.
const (
	EnvKeyConfigFile        = "CONVAI_CONFIG"
	EnvKeyAgentID           = "CONVAI_AGENT_ID"
	EnvKeyAPIKey            = "CONVAI_API_KEY"
	EnvKeyAgentURL          = "CONVAI_AGENT_URL"
	EnvKeyRecognitionURL    = "CONVAI_RECOGNITION_URL"
	EnvKeyOutputSampleRate  = "CONVAI_OUTPUT_SAMPLE_RATE"
	EnvKeyLogFile           = "CONVAI_LOG_FILE"
	EnvKeyContextUpdateType = "CONVAI_CONTEXT_UPDATE_TYPE"
)

// Tool actions understood by the conversation orchestrator.
const (
	ToolActionNavigate = "navigate"
	ToolActionImage    = "image"
	ToolActionVideo    = "video"
)

const (
	DefaultAgentURL             = "wss://api.elevenlabs.io/v1/convai/conversation"
	DefaultAPIBaseURL           = "https://api.elevenlabs.io/v1"
	DefaultRecognitionURL       = "ws://localhost:8000/ws/recognize"
	DefaultSampleRate           = 16000
	DefaultPlaybackBufferMs     = 100
	DefaultCaptureChunkMs       = 100
	DefaultHandshakeTimeoutMs   = 10000
	DefaultWriteTimeoutMs       = 10000
	DefaultRobotsURL            = "https://robots.educabot.com/bloques-75401"
	DefaultContextUpdateType    = "contextual_update"
	DefaultContextUpdateMessage = "The speaker changed. {current} is talking now, {previous} was talking before. Greet {current} and call them by name."
)

type Config struct {
	Log         LogConfig         `yaml:"log"`
	Agent       AgentConfig       `yaml:"agent"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Playback    PlaybackConfig    `yaml:"playback"`
	Capture     CaptureConfig     `yaml:"capture"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type AgentConfig struct {
	ID                  string                 `yaml:"id"`
	APIKey              string                 `yaml:"api_key"`
	URL                 string                 `yaml:"url"`
	APIBaseURL          string                 `yaml:"api_base_url"`
	HandshakeTimeoutMs  int                    `yaml:"handshake_timeout_ms"`
	WriteTimeoutMs      int                    `yaml:"write_timeout_ms"`
	OutputSampleRate    int                    `yaml:"output_sample_rate"`
	ReplyToPing         bool                   `yaml:"reply_to_ping"`
	FlushOnInterruption bool                   `yaml:"flush_on_interruption"`
	SendToolResults     bool                   `yaml:"send_tool_results"`
	ContextualUpdate    ContextualUpdateConfig `yaml:"contextual_update"`
	Tools               map[string]ToolConfig  `yaml:"tools"`
}

// ContextualUpdateConfig shapes the speaker-change notice. Template may use
// the {previous} and {current} placeholders.
type ContextualUpdateConfig struct {
	Type     string `yaml:"type"`
	Template string `yaml:"template"`
}

// ToolConfig maps an agent tool to a UI action. A navigate tool routes to
// Target and, when URL is set, also opens that external page.
type ToolConfig struct {
	Action string `yaml:"action"`
	Target string `yaml:"target,omitempty"`
	URL    string `yaml:"url,omitempty"`
}

type RecognitionConfig struct {
	URL                string `yaml:"url"`
	HandshakeTimeoutMs int    `yaml:"handshake_timeout_ms"`
	WriteTimeoutMs     int    `yaml:"write_timeout_ms"`
}

type PlaybackConfig struct {
	SampleRate int `yaml:"sample_rate"`
	BufferMs   int `yaml:"buffer_ms"`
}

type CaptureConfig struct {
	SampleRate int `yaml:"sample_rate"`
	ChunkMs    int `yaml:"chunk_ms"`
}

func DefaultTools() map[string]ToolConfig {
	return map[string]ToolConfig{
		"onNavigateRobots": {Action: ToolActionNavigate, Target: "/robots", URL: DefaultRobotsURL},
		"onSetImageUrl":    {Action: ToolActionImage},
		"onSetVideoUrl":    {Action: ToolActionVideo},
	}
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
		Agent: AgentConfig{
			URL:                DefaultAgentURL,
			APIBaseURL:         DefaultAPIBaseURL,
			HandshakeTimeoutMs: DefaultHandshakeTimeoutMs,
			WriteTimeoutMs:     DefaultWriteTimeoutMs,
			OutputSampleRate:   DefaultSampleRate,
			ReplyToPing:        true,
			ContextualUpdate: ContextualUpdateConfig{
				Type:     DefaultContextUpdateType,
				Template: DefaultContextUpdateMessage,
			},
			Tools: DefaultTools(),
		},
		Recognition: RecognitionConfig{
			URL:                DefaultRecognitionURL,
			HandshakeTimeoutMs: DefaultHandshakeTimeoutMs,
			WriteTimeoutMs:     DefaultWriteTimeoutMs,
		},
		Playback: PlaybackConfig{
			SampleRate: DefaultSampleRate,
			BufferMs:   DefaultPlaybackBufferMs,
		},
		Capture: CaptureConfig{
			SampleRate: DefaultSampleRate,
			ChunkMs:    DefaultCaptureChunkMs,
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig and applies
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() (err error) {
	if c.Agent.ID, err = Getenv(GetenvString, EnvKeyAgentID, false, c.Agent.ID); err != nil {
		return err
	}
	if c.Agent.APIKey, err = Getenv(GetenvString, EnvKeyAPIKey, false, c.Agent.APIKey); err != nil {
		return err
	}
	if c.Agent.URL, err = Getenv(GetenvString, EnvKeyAgentURL, false, c.Agent.URL); err != nil {
		return err
	}
	if c.Agent.OutputSampleRate, err = Getenv(GetenvInt, EnvKeyOutputSampleRate, false, c.Agent.OutputSampleRate); err != nil {
		return err
	}
	if c.Agent.ContextualUpdate.Type, err = Getenv(GetenvString, EnvKeyContextUpdateType, false, c.Agent.ContextualUpdate.Type); err != nil {
		return err
	}
	if c.Recognition.URL, err = Getenv(GetenvString, EnvKeyRecognitionURL, false, c.Recognition.URL); err != nil {
		return err
	}
	if c.Log.File, err = Getenv(GetenvString, EnvKeyLogFile, false, c.Log.File); err != nil {
		return err
	}
	return nil
}

// fillDefaults restores zero values a partial YAML file may have produced.
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Agent.URL == "" {
		c.Agent.URL = def.Agent.URL
	}
	if c.Agent.APIBaseURL == "" {
		c.Agent.APIBaseURL = def.Agent.APIBaseURL
	}
	if c.Agent.HandshakeTimeoutMs == 0 {
		c.Agent.HandshakeTimeoutMs = def.Agent.HandshakeTimeoutMs
	}
	if c.Agent.WriteTimeoutMs == 0 {
		c.Agent.WriteTimeoutMs = def.Agent.WriteTimeoutMs
	}
	if c.Agent.OutputSampleRate == 0 {
		c.Agent.OutputSampleRate = def.Agent.OutputSampleRate
	}
	if c.Agent.ContextualUpdate.Type == "" {
		c.Agent.ContextualUpdate.Type = def.Agent.ContextualUpdate.Type
	}
	if c.Agent.ContextualUpdate.Template == "" {
		c.Agent.ContextualUpdate.Template = def.Agent.ContextualUpdate.Template
	}
	if len(c.Agent.Tools) == 0 {
		c.Agent.Tools = def.Agent.Tools
	}
	if c.Recognition.URL == "" {
		c.Recognition.URL = def.Recognition.URL
	}
	if c.Recognition.HandshakeTimeoutMs == 0 {
		c.Recognition.HandshakeTimeoutMs = def.Recognition.HandshakeTimeoutMs
	}
	if c.Recognition.WriteTimeoutMs == 0 {
		c.Recognition.WriteTimeoutMs = def.Recognition.WriteTimeoutMs
	}
	if c.Playback.SampleRate == 0 {
		c.Playback.SampleRate = def.Playback.SampleRate
	}
	if c.Playback.BufferMs == 0 {
		c.Playback.BufferMs = def.Playback.BufferMs
	}
	if c.Capture.SampleRate == 0 {
		c.Capture.SampleRate = def.Capture.SampleRate
	}
	if c.Capture.ChunkMs == 0 {
		c.Capture.ChunkMs = def.Capture.ChunkMs
	}
}

func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return ErrNoAgentID
	}
	if c.Agent.URL == "" || c.Recognition.URL == "" {
		return ErrNoEndpoint
	}
	if c.Agent.OutputSampleRate <= 0 || c.Playback.SampleRate <= 0 || c.Capture.SampleRate <= 0 {
		return errors.New("sample rates must be positive")
	}
	if !strings.Contains(c.Agent.ContextualUpdate.Template, "{current}") {
		return errors.New("contextual update template must reference {current}")
	}
	for name, tool := range c.Agent.Tools {
		switch tool.Action {
		case ToolActionNavigate:
			if tool.Target == "" && tool.URL == "" {
				return fmt.Errorf("tool %s: navigate needs a target or a url", name)
			}
		case ToolActionImage, ToolActionVideo:
		default:
			return fmt.Errorf("tool %s: unknown action %q", name, tool.Action)
		}
	}
	return nil
}

// YAML renders the config with the API key masked.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	if len(masked.Agent.APIKey) > 6 {
		masked.Agent.APIKey = masked.Agent.APIKey[:6] + "..."
	}
	return yaml.Marshal(&masked)
}
