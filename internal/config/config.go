package config

import (
	"errors"
	"fmt"
	log "log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"
)

type Config struct {
	EnvFile  string
	LogLevel string

	// Inference: either a remote backend or a local OpenAI key.
	BackendURL string
	APIKey     string
	Model      string
	Proxy      string

	WhisperModel string
	Language     string

	WakeWord    string
	Sensitivity float64

	TTSVoice string

	FeedAddr string
	Socket   string

	ErrorCooldown  time.Duration
	RequestTimeout time.Duration

	Duck bool
}

var LogLevels = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

// Load parses args into a Config. Values from the env file are loaded
// before defaults are resolved, so flags win over environment.
func Load(args []string) (Config, error) {
	fs := cli.NewFlagSet("yara-daemon", cli.ContinueOnError)

	var c Config
	fs.StringVarP(&c.EnvFile, "env", "e", ".env", "Env file path")
	fs.StringVarP(&c.LogLevel, "log", "l", "info", "Log level")
	fs.StringVarP(&c.BackendURL, "backend", "b", "", "Base URL of the chat/voice service (overrides YARA_BACKEND_URL)")
	fs.StringVar(&c.Model, "model", "gpt-5-nano", "Chat model for the local backend")
	fs.StringVarP(&c.Proxy, "proxy", "p", "", "Socks proxy address")
	fs.StringVarP(&c.WhisperModel, "whisper", "w", "", "Whisper model path (overrides YARA_WHISPER_MODEL)")
	fs.StringVar(&c.Language, "lang", "auto", "Speech recognition language")
	fs.StringVar(&c.WakeWord, "wake-word", "yara", "Wake word phrase")
	fs.Float64Var(&c.Sensitivity, "sensitivity", 0.6, "Wake word sensitivity (0.1-1.0)")
	fs.StringVar(&c.TTSVoice, "voice", "en-us", "espeak-ng voice for the local backend")
	fs.StringVar(&c.FeedAddr, "feed", "127.0.0.1:8093", "Status feed listen address, empty to disable")
	fs.StringVar(&c.Socket, "socket", "/tmp/yara.sock", "Control socket path")
	fs.DurationVar(&c.ErrorCooldown, "error-cooldown", 3*time.Second, "Time spent in the error state")
	fs.DurationVar(&c.RequestTimeout, "timeout", 60*time.Second, "Inference request timeout")
	fs.BoolVar(&c.Duck, "duck", false, "Lower other applications while listening or speaking")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := godotenv.Load(c.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file %q: %w", c.EnvFile, err)
	}

	c.APIKey = os.Getenv("OPENAI_API_KEY")
	if c.BackendURL == "" {
		c.BackendURL = os.Getenv("YARA_BACKEND_URL")
	}
	if c.WhisperModel == "" {
		c.WhisperModel = os.Getenv("YARA_WHISPER_MODEL")
	}

	return c, c.Validate()
}

func (c *Config) Validate() error {
	if _, ok := LogLevels[c.LogLevel]; !ok {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	c.BackendURL = strings.TrimRight(c.BackendURL, "/")
	if c.BackendURL == "" && c.APIKey == "" {
		return errors.New("neither backend url nor OPENAI_API_KEY is set")
	}

	c.WakeWord = strings.ToLower(strings.TrimSpace(c.WakeWord))
	if c.WakeWord == "" {
		return errors.New("wake word is empty")
	}

	c.Sensitivity = ClampSensitivity(c.Sensitivity)

	if c.ErrorCooldown <= 0 {
		return errors.New("error cooldown must be positive")
	}

	return nil
}

func ClampSensitivity(s float64) float64 {
	if s < 0.1 {
		return 0.1
	}
	if s > 1.0 {
		return 1.0
	}
	return s
}
