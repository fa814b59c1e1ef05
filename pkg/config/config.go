package config

import (
	"context"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds all environment-driven settings for the relay server.
// Every credential is required; the process refuses to start without them.
type Config struct {
	Port       int    `env:"PORT, default=8000"`
	PublicHost string `env:"PUBLIC_HOST"`

	// Optional call record store. Left empty, call records are not persisted.
	DatabaseURL string `env:"DATABASE_URL"`

	ElevenLabs ElevenLabsConfig `env:", prefix=ELEVENLABS_"`
	Twilio     TwilioConfig     `env:", prefix=TWILIO_"`
}

// ElevenLabsConfig configures the conversational-AI provider.
type ElevenLabsConfig struct {
	APIKey  string `env:"API_KEY, required"`
	AgentID string `env:"AGENT_ID, required"`
	BaseURL string `env:"BASE_URL, default=https://api.elevenlabs.io"`

	// SetupTimeout bounds the signed-URL fetch plus the AI-side dial.
	SetupTimeout time.Duration `env:"SETUP_TIMEOUT, default=10s"`
}

// TwilioConfig configures the telephony provider.
type TwilioConfig struct {
	AccountSID  string `env:"ACCOUNT_SID, required"`
	AuthToken   string `env:"AUTH_TOKEN, required"`
	PhoneNumber string `env:"PHONE_NUMBER, required"`
}

// LoadEnv loads a .env file into the process environment if one exists.
func LoadEnv() error {
	return godotenv.Load()
}

// NewFromEnv builds a Config from the process environment.
func NewFromEnv(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
