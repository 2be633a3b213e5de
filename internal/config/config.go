package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DeviceAuto      = "auto"
	DevicePortAudio = "portaudio"
	DeviceWAVFile   = "wavfile"
)

// Config contains all runtime settings for the voice client and backend.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	// MetricsAddr, when set, makes the voice client expose /metrics.
	MetricsAddr    string
	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	GeminiAPIKey  string
	GeminiModel   string
	GeminiWSURL   string
	LiveTransport string

	// CredentialURL is the backend credential endpoint. Empty means the
	// client only uses GeminiAPIKey.
	CredentialURL string

	InputSampleRate  int
	OutputSampleRate int
	CaptureFrameSize int
	AnalyserFFTSize  int
	ActivitySource   string
	ActivityInterval time.Duration
	OutputGain       float64
	ConnectTimeout   time.Duration

	AudioDevice     string
	AudioInputFile  string
	// AudioOutputFile records the headless speaker's output as WAV.
	AudioOutputFile string
}

// Load reads .env from the working directory, then the environment, and
// applies defaults.
func Load() (Config, error) {
	return LoadWithEnvFile(".env")
}

// LoadWithEnvFile is Load with an explicit dotenv path. Variables already
// present in the environment win over the file; a missing file is ignored.
func LoadWithEnvFile(path string) (Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicedesk"),
		MetricsAddr:      stringsTrimSpace("APP_METRICS_ADDR"),
		// The widget calls the credential endpoint from another origin.
		AllowAnyOrigin:   true,
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LOG_FORMAT", "console"),
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:      envOrDefault("GEMINI_MODEL", "gemini-2.5-flash-native-audio-preview-09-2025"),
		GeminiWSURL:      envOrDefault("GEMINI_WS_URL", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"),
		LiveTransport:    strings.ToLower(envOrDefault("LIVE_TRANSPORT", "websocket")),
		CredentialURL:    stringsTrimSpace("AGENT_CREDENTIAL_URL"),
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		CaptureFrameSize: 4096,
		AnalyserFFTSize:  256,
		ActivitySource:   strings.ToLower(envOrDefault("AUDIO_ACTIVITY_SOURCE", "input")),
		ActivityInterval: 16 * time.Millisecond,
		OutputGain:       1.0,
		ConnectTimeout:   20 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		AudioDevice:      strings.ToLower(envOrDefault("AUDIO_DEVICE", DeviceAuto)),
		AudioInputFile:   stringsTrimSpace("AUDIO_INPUT_FILE"),
		AudioOutputFile:  stringsTrimSpace("AUDIO_OUTPUT_FILE"),
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.InputSampleRate, err = intFromEnv("AUDIO_INPUT_SAMPLE_RATE", cfg.InputSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.OutputSampleRate, err = intFromEnv("AUDIO_OUTPUT_SAMPLE_RATE", cfg.OutputSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureFrameSize, err = intFromEnv("AUDIO_CAPTURE_FRAME_SIZE", cfg.CaptureFrameSize)
	if err != nil {
		return Config{}, err
	}
	cfg.AnalyserFFTSize, err = intFromEnv("AUDIO_ANALYSER_FFT_SIZE", cfg.AnalyserFFTSize)
	if err != nil {
		return Config{}, err
	}
	cfg.ActivityInterval, err = durationFromEnv("AUDIO_ACTIVITY_INTERVAL", cfg.ActivityInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.OutputGain, err = floatFromEnv("AUDIO_OUTPUT_GAIN", cfg.OutputGain)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("SESSION_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.InputSampleRate <= 0 {
		return fmt.Errorf("AUDIO_INPUT_SAMPLE_RATE must be positive")
	}
	if c.OutputSampleRate <= 0 {
		return fmt.Errorf("AUDIO_OUTPUT_SAMPLE_RATE must be positive")
	}
	// Same range a browser ScriptProcessor accepts.
	if !powerOfTwo(c.CaptureFrameSize) || c.CaptureFrameSize < 256 || c.CaptureFrameSize > 16384 {
		return fmt.Errorf("AUDIO_CAPTURE_FRAME_SIZE must be a power of two in [256, 16384]")
	}
	if !powerOfTwo(c.AnalyserFFTSize) || c.AnalyserFFTSize < 32 || c.AnalyserFFTSize > 32768 {
		return fmt.Errorf("AUDIO_ANALYSER_FFT_SIZE must be a power of two in [32, 32768]")
	}
	if c.ActivitySource != "input" && c.ActivitySource != "output" {
		return fmt.Errorf("AUDIO_ACTIVITY_SOURCE must be input or output")
	}
	if c.ActivityInterval <= 0 {
		return fmt.Errorf("AUDIO_ACTIVITY_INTERVAL must be positive")
	}
	if c.OutputGain <= 0 || c.OutputGain > 4 {
		return fmt.Errorf("AUDIO_OUTPUT_GAIN must be in (0, 4]")
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("SESSION_CONNECT_TIMEOUT must be >= 0")
	}
	switch c.LiveTransport {
	case "websocket", "genai":
	default:
		return fmt.Errorf("LIVE_TRANSPORT must be websocket or genai")
	}
	switch c.AudioDevice {
	case DeviceAuto, DevicePortAudio:
	case DeviceWAVFile:
		if c.AudioInputFile == "" {
			return fmt.Errorf("AUDIO_INPUT_FILE is required when AUDIO_DEVICE=wavfile")
		}
	default:
		return fmt.Errorf("AUDIO_DEVICE must be auto, portaudio or wavfile")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console")
	}
	return nil
}

func powerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
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
