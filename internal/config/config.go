package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "AGENTRUNS_"

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string
	LogLevel string
	LogFile  string

	AgentsFile   string
	DefaultAgent string
	MaxTurns     int
	Workers      int

	Queue         string
	RedisURL      string
	RedisQueueKey string

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	SubmitRate  float64
	SubmitBurst int
	// WSOrigins are extra host patterns allowed to open stream websockets.
	// Same-origin upgrades are always accepted.
	WSOrigins []string

	StaleRunAfter   time.Duration
	RedispatchAfter time.Duration
	ReconcileEvery  time.Duration
	EventRetention  time.Duration
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		DBPath:   getEnv("DB_PATH", filepath.Join(dataDir, "agentruns.db")),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		AgentsFile:   getEnv("AGENTS_FILE", ""),
		DefaultAgent: getEnv("DEFAULT_AGENT", "demo"),
		MaxTurns:     getInt("MAX_TURNS", 4),
		Workers:      getInt("WORKERS", 4),

		Queue:         strings.ToLower(getEnv("QUEUE", "memory")),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisQueueKey: getEnv("REDIS_QUEUE_KEY", "agentruns:runs"),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),

		SubmitRate:  getFloat("SUBMIT_RATE", 2),
		SubmitBurst: getInt("SUBMIT_BURST", 5),
		WSOrigins:   getList("WS_ORIGINS"),

		StaleRunAfter:   getDuration("STALE_RUN_AFTER", 10*time.Minute),
		RedispatchAfter: getDuration("REDISPATCH_AFTER", 30*time.Second),
		ReconcileEvery:  getDuration("RECONCILE_EVERY", 15*time.Second),
		EventRetention:  getDuration("EVENT_RETENTION", 24*time.Hour),
	}
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.Queue {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown queue %q (want memory or redis)", c.Queue)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.MaxTurns <= 0 {
		return fmt.Errorf("max turns must be positive, got %d", c.MaxTurns)
	}
	if strings.TrimSpace(c.DefaultAgent) == "" {
		return fmt.Errorf("default agent is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getFloat(key string, fallback float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
