package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Signaling   SignalingConfig `yaml:"signaling"`
	STT         STTConfig       `yaml:"stt"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
	Dialer      DialerConfig    `yaml:"dialer"`
	CallLog     CallLogConfig   `yaml:"call_log"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type SignalingConfig struct {
	Variant           string `yaml:"variant"` // sip, bridge
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	RegisterTimeoutMS int    `yaml:"register_timeout_ms"`
	DialTimeoutMS     int    `yaml:"dial_timeout_ms"`
	AllowDegraded     bool   `yaml:"allow_degraded"`
}

type STTConfig struct {
	Mode       string `yaml:"mode"` // mock, deepgram, exec
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Language   string `yaml:"language"`
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type LLMConfig struct {
	Mode         string  `yaml:"mode"` // mock, ollama, exec
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	TimeoutMS    int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Mode      string `yaml:"mode"` // mock, elevenlabs, exec
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Voice     string `yaml:"voice"`
	Model     string `yaml:"model"`
	Command   string `yaml:"command"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type DialerConfig struct {
	MaxTurns         int    `yaml:"max_turns"`
	Concurrency      int    `yaml:"concurrency"`
	InterCallSpacing int    `yaml:"inter_call_spacing_ms"`
	Greeting         string `yaml:"greeting"`
	RecordMaxSeconds int    `yaml:"record_max_seconds"`
	RecordSilence    int    `yaml:"record_silence_seconds"`
}

type CallLogConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxCalls      int    `yaml:"max_calls"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "voxline-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Signaling: SignalingConfig{
			Variant:           "bridge",
			Host:              "localhost",
			Port:              5038,
			RegisterTimeoutMS: 10000,
			DialTimeoutMS:     30000,
			AllowDegraded:     true,
		},
		STT: STTConfig{
			Mode:       "mock",
			BaseURL:    "https://api.deepgram.com",
			Model:      "nova-2",
			SampleRate: 16000,
			Channels:   1,
			TimeoutMS:  30000,
		},
		LLM: LLMConfig{
			Mode:         "mock",
			Endpoint:     "http://localhost:11434",
			Model:        "llama3.2:latest",
			SystemPrompt: "You are a friendly phone assistant. Answer naturally and helpfully.",
			MaxTokens:    150,
			Temperature:  0.7,
			TimeoutMS:    30000,
		},
		TTS: TTSConfig{
			Mode:      "mock",
			BaseURL:   "https://api.elevenlabs.io",
			Model:     "eleven_multilingual_v2",
			TimeoutMS: 30000,
		},
		Dialer: DialerConfig{
			MaxTurns:         5,
			Concurrency:      1,
			InterCallSpacing: 2000,
			Greeting:         "Hello, this is your virtual assistant. How can I help you?",
			RecordMaxSeconds: 10,
			RecordSilence:    3,
		},
		CallLog: CallLogConfig{
			Path:          "./data/voxline-calls.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxCalls:      10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOXLINE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOXLINE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOXLINE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOXLINE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOXLINE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOXLINE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOXLINE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOXLINE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "VOXLINE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOXLINE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOXLINE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOXLINE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOXLINE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOXLINE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOXLINE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOXLINE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOXLINE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOXLINE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Signaling.Variant, "VOXLINE_SIGNALING_VARIANT")
	overrideString(&cfg.Signaling.Host, "VOXLINE_SIGNALING_HOST")
	overrideInt(&cfg.Signaling.Port, "VOXLINE_SIGNALING_PORT")
	overrideString(&cfg.Signaling.Username, "VOXLINE_SIGNALING_USERNAME")
	overrideString(&cfg.Signaling.Password, "VOXLINE_SIGNALING_PASSWORD")
	overrideInt(&cfg.Signaling.RegisterTimeoutMS, "VOXLINE_SIGNALING_REGISTER_TIMEOUT_MS")
	overrideInt(&cfg.Signaling.DialTimeoutMS, "VOXLINE_SIGNALING_DIAL_TIMEOUT_MS")
	overrideBool(&cfg.Signaling.AllowDegraded, "VOXLINE_SIGNALING_ALLOW_DEGRADED")
	overrideString(&cfg.STT.Mode, "VOXLINE_STT_MODE")
	overrideString(&cfg.STT.APIKey, "VOXLINE_STT_API_KEY")
	overrideString(&cfg.STT.BaseURL, "VOXLINE_STT_BASE_URL")
	overrideString(&cfg.STT.Model, "VOXLINE_STT_MODEL")
	overrideString(&cfg.STT.Language, "VOXLINE_STT_LANGUAGE")
	overrideString(&cfg.STT.Command, "VOXLINE_STT_COMMAND")
	overrideInt(&cfg.STT.SampleRate, "VOXLINE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "VOXLINE_STT_CHANNELS")
	overrideInt(&cfg.STT.TimeoutMS, "VOXLINE_STT_TIMEOUT_MS")
	overrideString(&cfg.LLM.Mode, "VOXLINE_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "VOXLINE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "VOXLINE_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "VOXLINE_LLM_MODEL")
	overrideString(&cfg.LLM.SystemPrompt, "VOXLINE_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.MaxTokens, "VOXLINE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "VOXLINE_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "VOXLINE_LLM_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "VOXLINE_TTS_MODE")
	overrideString(&cfg.TTS.APIKey, "VOXLINE_TTS_API_KEY")
	overrideString(&cfg.TTS.BaseURL, "VOXLINE_TTS_BASE_URL")
	overrideString(&cfg.TTS.Voice, "VOXLINE_TTS_VOICE")
	overrideString(&cfg.TTS.Model, "VOXLINE_TTS_MODEL")
	overrideString(&cfg.TTS.Command, "VOXLINE_TTS_COMMAND")
	overrideInt(&cfg.TTS.TimeoutMS, "VOXLINE_TTS_TIMEOUT_MS")
	overrideInt(&cfg.Dialer.MaxTurns, "VOXLINE_DIALER_MAX_TURNS")
	overrideInt(&cfg.Dialer.Concurrency, "VOXLINE_DIALER_CONCURRENCY")
	overrideInt(&cfg.Dialer.InterCallSpacing, "VOXLINE_DIALER_INTER_CALL_SPACING_MS")
	overrideString(&cfg.Dialer.Greeting, "VOXLINE_DIALER_GREETING")
	overrideInt(&cfg.Dialer.RecordMaxSeconds, "VOXLINE_DIALER_RECORD_MAX_SECONDS")
	overrideInt(&cfg.Dialer.RecordSilence, "VOXLINE_DIALER_RECORD_SILENCE_SECONDS")
	overrideString(&cfg.CallLog.Path, "VOXLINE_CALL_LOG_PATH")
	overrideString(&cfg.CallLog.RetentionMode, "VOXLINE_CALL_LOG_RETENTION_MODE")
	overrideInt(&cfg.CallLog.RetentionDays, "VOXLINE_CALL_LOG_RETENTION_DAYS")
	overrideInt(&cfg.CallLog.MaxCalls, "VOXLINE_CALL_LOG_MAX_CALLS")
	overrideBool(&cfg.CallLog.VacuumOnStart, "VOXLINE_CALL_LOG_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Signaling.Variant {
	case "sip", "bridge":
	default:
		return errors.New("signaling.variant must be one of sip|bridge")
	}
	if cfg.Signaling.Host == "" {
		return errors.New("signaling.host must not be empty")
	}
	if cfg.Signaling.Port <= 0 || cfg.Signaling.Port > 65535 {
		return errors.New("signaling.port must be between 1 and 65535")
	}
	if cfg.Signaling.Variant == "sip" && cfg.Signaling.Username == "" {
		return errors.New("signaling.username must be set for the sip variant")
	}
	if cfg.Signaling.RegisterTimeoutMS <= 0 {
		return errors.New("signaling.register_timeout_ms must be positive")
	}
	if cfg.Signaling.DialTimeoutMS <= 0 {
		return errors.New("signaling.dial_timeout_ms must be positive")
	}
	switch cfg.STT.Mode {
	case "mock", "deepgram", "exec":
	default:
		return errors.New("stt.mode must be one of mock|deepgram|exec")
	}
	if cfg.STT.Mode == "deepgram" && cfg.STT.APIKey == "" {
		return errors.New("stt.api_key must be set when mode=deepgram")
	}
	if cfg.STT.Mode == "exec" {
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "elevenlabs", "exec":
	default:
		return errors.New("tts.mode must be one of mock|elevenlabs|exec")
	}
	if cfg.TTS.Mode == "elevenlabs" {
		if cfg.TTS.APIKey == "" {
			return errors.New("tts.api_key must be set when mode=elevenlabs")
		}
		if cfg.TTS.Voice == "" {
			return errors.New("tts.voice must be set when mode=elevenlabs")
		}
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.Dialer.MaxTurns <= 0 {
		return errors.New("dialer.max_turns must be >= 1")
	}
	if cfg.Dialer.Concurrency <= 0 {
		return errors.New("dialer.concurrency must be >= 1")
	}
	if cfg.Dialer.InterCallSpacing < 0 {
		return errors.New("dialer.inter_call_spacing_ms must be >= 0")
	}
	if cfg.Dialer.RecordMaxSeconds <= 0 {
		return errors.New("dialer.record_max_seconds must be positive")
	}
	if cfg.Dialer.RecordSilence < 0 {
		return errors.New("dialer.record_silence_seconds must be >= 0")
	}
	if cfg.CallLog.Path == "" {
		return errors.New("call_log.path must not be empty")
	}
	switch cfg.CallLog.RetentionMode {
	case "ephemeral", "persistent":
	default:
		return errors.New("call_log.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.CallLog.RetentionDays < 0 {
		return errors.New("call_log.retention_days must be >= 0")
	}
	return nil
}
