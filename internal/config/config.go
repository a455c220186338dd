// Package config reads process configuration from the environment once at
// startup. Model settings live in the parameter store, not here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	StateTable    string
	ParamPrefix   string
	MaxTextLength int
	MaxImageBytes int
	MaxTurns      int
	TurnTimeout   time.Duration
	SessionTTL    time.Duration
	OpenAIBaseURL string
	Server        ServerConfig
}

// ServerConfig is only used by the local development server.
type ServerConfig struct {
	Addr string
}

// Load reads the configuration. STATE_TABLE and PARAM_PREFIX are required.
func Load() (*Config, error) {
	stateTable, err := requireEnv("STATE_TABLE")
	if err != nil {
		return nil, err
	}
	paramPrefix, err := requireEnv("PARAM_PREFIX")
	if err != nil {
		return nil, err
	}

	maxText, err := parseIntEnv("MAX_TEXT_LENGTH", 2000)
	if err != nil {
		return nil, err
	}
	maxImage, err := parseIntEnv("MAX_IMAGE_BYTES", 5<<20)
	if err != nil {
		return nil, err
	}
	// Each turn stores at most ~11 KB, so 30 keeps a session item well
	// under the 400 KB DynamoDB limit.
	maxTurns, err := parseIntEnv("MAX_TURNS", 30)
	if err != nil {
		return nil, err
	}
	// API Gateway gives up after 29s.
	turnTimeout, err := parseIntEnv("TURN_TIMEOUT_SECONDS", 22)
	if err != nil {
		return nil, err
	}
	ttlHours, err := parseIntEnv("SESSION_TTL_HOURS", 24)
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		StateTable:    stateTable,
		ParamPrefix:   paramPrefix,
		MaxTextLength: maxText,
		MaxImageBytes: maxImage,
		MaxTurns:      maxTurns,
		TurnTimeout:   time.Duration(turnTimeout) * time.Second,
		SessionTTL:    time.Duration(ttlHours) * time.Hour,
		OpenAIBaseURL: strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		Server:        server,
	}, nil
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}
	if strings.Contains(port, ":") {
		return ServerConfig{Addr: port}, nil
	}
	if _, err := strconv.Atoi(port); err != nil {
		return ServerConfig{}, fmt.Errorf("config: invalid PORT value: %q", port)
	}
	return ServerConfig{Addr: ":" + port}, nil
}

func requireEnv(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("config: required environment variable %s is not set", key)
	}
	return v, nil
}

// parseIntEnv returns def when key is unset and rejects non-positive values.
func parseIntEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: invalid %s value: %q", key, v)
	}
	return n, nil
}
