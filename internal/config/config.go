package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	TraceExporter  string `yaml:"trace_exporter"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type Config struct {
	Name      string                  `yaml:"name"`
	Lesson    LessonConfig            `yaml:"lesson"`
	Audio     AudioConfig             `yaml:"audio"`
	Output    OutputConfig            `yaml:"output"`
	TTS       TTSConfig               `yaml:"tts"`
	Voices    map[string]VoiceProfile `yaml:"voices"`
	Journal   JournalConfig           `yaml:"journal"`
	Bus       BusConfig               `yaml:"bus"`
	Telemetry TelemetryConfig         `yaml:"telemetry"`
}

type LessonConfig struct {
	Input       string `yaml:"input"`
	OutputRoot  string `yaml:"output_root"`
	Speak       string `yaml:"speak"` // source, target, both
	SourceVoice string `yaml:"source_voice"`
	TargetVoice string `yaml:"target_voice"`
}

type AudioConfig struct {
	SampleRate              int     `yaml:"sample_rate"`
	Channels                int     `yaml:"channels"`
	SilenceBetweenPhrasesMS int     `yaml:"silence_between_phrases_ms"`
	SilenceTargetSectionMS  int     `yaml:"silence_target_section_ms"`
	SilenceMode             string  `yaml:"silence_mode"` // fixed, dynamic
	DynamicExtraMS          int     `yaml:"dynamic_extra_ms"`
	PairGapMS               int     `yaml:"pair_gap_ms"`
	SlowFactor              float64 `yaml:"slow_factor"` // within [MinSlowFactor, MaxSlowFactor]
}

// Bounds accepted for audio.slow_factor. 0.1 renders ten times longer than
// full_normal and 4 renders four times faster.
const (
	MinSlowFactor = 0.1
	MaxSlowFactor = 4.0
)

// OutputConfig selects the container written for every file of a lesson.
// The default is wav, written in-process. mp3 needs output.format: mp3 and an
// encoder_command whose binary is installed; the default command calls ffmpeg
// with {input} replaced by a temporary wav and {output} by the target path.
type OutputConfig struct {
	Format         string `yaml:"format"`
	EncoderCommand string `yaml:"encoder_command"`
}

type TTSConfig struct {
	Mode              string  `yaml:"mode"`
	Model             string  `yaml:"model"`
	Voice             string  `yaml:"voice"`
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	Command           string  `yaml:"command"`
	TimeoutMS         int     `yaml:"timeout_ms"`
	Concurrency       int     `yaml:"concurrency"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxAttempts       int     `yaml:"max_attempts"`
	OnError           string  `yaml:"on_error"` // abort, skip
}

// VoiceProfile names a reusable voice setup for one language.
type VoiceProfile struct {
	Language     string `yaml:"language"`
	Model        string `yaml:"model"`
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	ReuseClips    bool   `yaml:"reuse_clips"`
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

	WorkerID            string `yaml:"worker_id"`
	HeartbeatInterval   int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout    int    `yaml:"heartbeat_timeout_ms"`
	WorkerWaitTimeoutMS int    `yaml:"worker_wait_timeout_ms"`
}

func DefaultVoices() map[string]VoiceProfile {
	return map[string]VoiceProfile{
		"english_teacher_alloy": {
			Language:     "en",
			Model:        "gpt-4o-mini-tts",
			Voice:        "alloy",
			Instructions: "Speak in clear, friendly English, natural tone, teaching style.",
		},
		"english_teacher_ballad": {
			Language:     "en",
			Model:        "gpt-4o-mini-tts",
			Voice:        "ballad",
			Instructions: "Speak in calm English, smoother tone, classroom teaching vibe.",
		},
		"spanish_teacher_nova": {
			Language:     "es",
			Model:        "gpt-4o-mini-tts",
			Voice:        "nova",
			Instructions: "Habla en español europeo, tono claro, articulación precisa.",
		},
		"spanish_teacher_shimmer": {
			Language:     "es",
			Model:        "gpt-4o-mini-tts",
			Voice:        "shimmer",
			Instructions: "Habla en español con claridad y suavidad, estilo educativo.",
		},
	}
}

func Default() Config {
	return Config{
		Name: "loqa-lessons",
		Lesson: LessonConfig{
			Input:       "./Txts/text1.txt",
			OutputRoot:  "./lesson_output",
			Speak:       "source",
			SourceVoice: "english_teacher_alloy",
			TargetVoice: "spanish_teacher_nova",
		},
		Audio: AudioConfig{
			SampleRate:              24000,
			Channels:                1,
			SilenceBetweenPhrasesMS: 3500,
			SilenceTargetSectionMS:  2200,
			SilenceMode:             "fixed",
			DynamicExtraMS:          1000,
			PairGapMS:               800,
			SlowFactor:              0.85,
		},
		Output: OutputConfig{
			Format:         "wav",
			EncoderCommand: "ffmpeg -hide_banner -loglevel error -y -i {input} {output}",
		},
		TTS: TTSConfig{
			Mode:              "openai",
			Model:             "gpt-4o-mini-tts",
			Voice:             "onyx",
			TimeoutMS:         45000,
			Concurrency:       4,
			RequestsPerSecond: 3,
			MaxAttempts:       4,
			OnError:           "abort",
		},
		Voices: DefaultVoices(),
		Journal: JournalConfig{
			Path:          "./data/loqa-lessons.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRuns:       500,
			ReuseClips:    true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,

			HeartbeatInterval:   2000,
			HeartbeatTimeout:    6000,
			WorkerWaitTimeoutMS: 10000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "json",
			TraceExporter: "none",
			OTLPInsecure:  true,
		},
	}
}

// Load builds a Config from defaults, the optional YAML file at path, a .env file in
// the working directory and LOQA_* environment variables, in that order.
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

	// .env only fills variables that are not already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	if len(cfg.Voices) == 0 {
		cfg.Voices = DefaultVoices()
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Voice resolves a profile name or raw voice id into a full profile. Unknown names are
// treated as raw voice ids spoken with the default model.
func (c Config) Voice(name string) VoiceProfile {
	if name == "" {
		name = c.TTS.Voice
	}
	if profile, ok := c.Voices[name]; ok {
		if profile.Model == "" {
			profile.Model = c.TTS.Model
		}
		return profile
	}
	return VoiceProfile{Model: c.TTS.Model, Voice: name}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Name, "LOQA_NAME")
	overrideString(&cfg.Lesson.Input, "LOQA_LESSON_INPUT")
	overrideString(&cfg.Lesson.OutputRoot, "LOQA_LESSON_OUTPUT_ROOT")
	overrideString(&cfg.Lesson.Speak, "LOQA_LESSON_SPEAK")
	overrideString(&cfg.Lesson.SourceVoice, "LOQA_LESSON_SOURCE_VOICE")
	overrideString(&cfg.Lesson.TargetVoice, "LOQA_LESSON_TARGET_VOICE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.SilenceBetweenPhrasesMS, "LOQA_AUDIO_SILENCE_BETWEEN_PHRASES_MS")
	overrideInt(&cfg.Audio.SilenceTargetSectionMS, "LOQA_AUDIO_SILENCE_TARGET_SECTION_MS")
	overrideString(&cfg.Audio.SilenceMode, "LOQA_AUDIO_SILENCE_MODE")
	overrideInt(&cfg.Audio.DynamicExtraMS, "LOQA_AUDIO_DYNAMIC_EXTRA_MS")
	overrideInt(&cfg.Audio.PairGapMS, "LOQA_AUDIO_PAIR_GAP_MS")
	overrideFloat(&cfg.Audio.SlowFactor, "LOQA_AUDIO_SLOW_FACTOR")
	overrideString(&cfg.Output.Format, "LOQA_OUTPUT_FORMAT")
	overrideString(&cfg.Output.EncoderCommand, "LOQA_OUTPUT_ENCODER_COMMAND")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.BaseURL, "LOQA_TTS_BASE_URL")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideInt(&cfg.TTS.Concurrency, "LOQA_TTS_CONCURRENCY")
	overrideFloat(&cfg.TTS.RequestsPerSecond, "LOQA_TTS_REQUESTS_PER_SECOND")
	overrideInt(&cfg.TTS.MaxAttempts, "LOQA_TTS_MAX_ATTEMPTS")
	overrideString(&cfg.TTS.OnError, "LOQA_TTS_ON_ERROR")
	overrideString(&cfg.Journal.Path, "LOQA_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "LOQA_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "LOQA_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxRuns, "LOQA_JOURNAL_MAX_RUNS")
	overrideBool(&cfg.Journal.VacuumOnStart, "LOQA_JOURNAL_VACUUM_ON_START")
	overrideBool(&cfg.Journal.ReuseClips, "LOQA_JOURNAL_REUSE_CLIPS")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.WorkerID, "LOQA_BUS_WORKER_ID")
	overrideInt(&cfg.Bus.HeartbeatInterval, "LOQA_BUS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Bus.HeartbeatTimeout, "LOQA_BUS_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.WorkerWaitTimeoutMS, "LOQA_BUS_WORKER_WAIT_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
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
	if cfg.Name == "" {
		return errors.New("name must not be empty")
	}
	if cfg.Lesson.OutputRoot == "" {
		return errors.New("lesson.output_root must not be empty")
	}
	switch cfg.Lesson.Speak {
	case "source", "target", "both":
	default:
		return errors.New("lesson.speak must be one of source|target|both")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.SilenceBetweenPhrasesMS < 0 || cfg.Audio.SilenceTargetSectionMS < 0 {
		return errors.New("audio silence durations must be >= 0")
	}
	if cfg.Audio.DynamicExtraMS < 0 || cfg.Audio.PairGapMS < 0 {
		return errors.New("audio.dynamic_extra_ms and audio.pair_gap_ms must be >= 0")
	}
	switch cfg.Audio.SilenceMode {
	case "fixed", "dynamic":
	default:
		return errors.New("audio.silence_mode must be one of fixed|dynamic")
	}
	if !(cfg.Audio.SlowFactor >= MinSlowFactor && cfg.Audio.SlowFactor <= MaxSlowFactor) {
		return fmt.Errorf("audio.slow_factor must be within [%g, %g]", MinSlowFactor, MaxSlowFactor)
	}
	switch cfg.Output.Format {
	case "wav":
	case "mp3":
		if strings.TrimSpace(cfg.Output.EncoderCommand) == "" {
			return errors.New("output.encoder_command must be set when format=mp3")
		}
	default:
		return errors.New("output.format must be one of wav|mp3")
	}
	switch cfg.TTS.Mode {
	case "openai", "exec", "bus", "mock":
	default:
		return errors.New("tts.mode must be one of openai|exec|bus|mock")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Mode == "bus" && !cfg.Bus.Enabled {
		return errors.New("bus.enabled must be true when tts.mode=bus")
	}
	if cfg.TTS.TimeoutMS <= 0 {
		return errors.New("tts.timeout_ms must be positive")
	}
	if cfg.TTS.Concurrency <= 0 {
		return errors.New("tts.concurrency must be >= 1")
	}
	if cfg.TTS.RequestsPerSecond < 0 {
		return errors.New("tts.requests_per_second must be >= 0")
	}
	if cfg.TTS.MaxAttempts <= 0 {
		return errors.New("tts.max_attempts must be >= 1")
	}
	switch cfg.TTS.OnError {
	case "abort", "skip":
	default:
		return errors.New("tts.on_error must be one of abort|skip")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionMode != "ephemeral" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.HeartbeatInterval <= 0 || cfg.Bus.HeartbeatTimeout <= cfg.Bus.HeartbeatInterval {
			return errors.New("bus.heartbeat_timeout_ms must exceed a positive bus.heartbeat_interval_ms")
		}
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	return nil
}
