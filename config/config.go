package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort string

	TasksServiceURL        string
	AuthServiceURL         string
	CollaboratorServiceURL string

	JWTSecret string

	SearchDebounce        time.Duration
	IdentityMaxFanout     int
	CollaboratorMaxFanout int
	HTTPTimeout           time.Duration

	BreakerTimeout     time.Duration
	BreakerMaxFailures int

	LogFile    string
	LogLevel   string
	CORSOrigin string
}

// Load reads envFile (if it exists) into the environment and builds a Config.
// A missing env file is not an error; the process environment is used as is.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return FromEnv(), nil
}

func FromEnv() Config {
	return Config{
		ServerPort:             getenv("SERVER_PORT", "8007"),
		TasksServiceURL:        trimURL(getenv("TASKS_SERVICE_URL", "")),
		AuthServiceURL:         trimURL(getenv("AUTH_SERVICE_URL", "")),
		CollaboratorServiceURL: trimURL(getenv("COLLABORATOR_SERVICE_URL", "")),
		JWTSecret:              getenv("JWT_SECRET", ""),
		SearchDebounce:         time.Duration(getenvInt("SEARCH_DEBOUNCE_MS", 500)) * time.Millisecond,
		IdentityMaxFanout:      getenvInt("IDENTITY_MAX_FANOUT", 50),
		CollaboratorMaxFanout:  getenvInt("COLLABORATOR_MAX_FANOUT", 16),
		HTTPTimeout:            time.Duration(getenvInt("HTTP_TIMEOUT_SECONDS", 10)) * time.Second,
		BreakerTimeout:         time.Duration(getenvInt("BREAKER_TIMEOUT_SECONDS", 5)) * time.Second,
		BreakerMaxFailures:     getenvInt("BREAKER_MAX_FAILURES", 3),
		LogFile:                getenv("LOG_FILE", "logs/task-view.log"),
		LogLevel:               getenv("LOG_LEVEL", "info"),
		CORSOrigin:             getenv("CORS_ORIGIN", "*"),
	}
}

func (c Config) Validate() error {
	var missing []string
	if c.TasksServiceURL == "" {
		missing = append(missing, "TASKS_SERVICE_URL")
	}
	if c.AuthServiceURL == "" {
		missing = append(missing, "AUTH_SERVICE_URL")
	}
	if c.CollaboratorServiceURL == "" {
		missing = append(missing, "COLLABORATOR_SERVICE_URL")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.IdentityMaxFanout < 1 || c.CollaboratorMaxFanout < 1 {
		return errors.New("fan-out limits must be positive")
	}
	return nil
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func trimURL(raw string) string {
	return strings.TrimRight(raw, "/")
}
