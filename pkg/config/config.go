// Package config loads environment-driven settings and the YAML harvest
// plan that describes which symbols and timeframes to collect.
package config

import (
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the bot.
type Config struct {
	// HTTP status API
	Port      string
	JWTSecret string
	APIKey    string

	// Broker gateway
	GatewayHost    string
	GatewayPort    int
	ClientID       int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	AutoReconnect  bool
	ReconnectWait  time.Duration

	// Market data
	AcceptDelayedData bool

	// Storage: sqlite path by default, postgres DSN when set.
	DBPath      string
	PostgresDSN string

	// Harvesting
	HarvestPlanPath string
	HarvestInterval time.Duration
	HarvestPacing   time.Duration
	MaxParallel     int
	SchedulerOn     bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/market.db")
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		APIKey:            os.Getenv("API_KEY"),
		GatewayHost:       getEnv("GATEWAY_HOST", "127.0.0.1"),
		GatewayPort:       getEnvInt("GATEWAY_PORT", 7497),
		ClientID:          getEnvInt("CLIENT_ID", defaultClientID()),
		ConnectTimeout:    getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),
		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		AutoReconnect:     getEnv("AUTO_RECONNECT", "true") == "true",
		ReconnectWait:     getEnvDuration("RECONNECT_WAIT", 5*time.Second),
		AcceptDelayedData: getEnv("ACCEPT_DELAYED_DATA", "true") == "true",
		DBPath:            dbPath,
		PostgresDSN:       os.Getenv("POSTGRES_DSN"),
		HarvestPlanPath:   getEnv("HARVEST_PLAN", "./harvest.yaml"),
		HarvestInterval:   getEnvDuration("HARVEST_INTERVAL", 12*time.Hour),
		HarvestPacing:     getEnvDuration("HARVEST_PACING", time.Second),
		MaxParallel:       getEnvInt("HARVEST_MAX_PARALLEL", 1),
		SchedulerOn:       getEnv("HARVEST_SCHEDULER", "true") == "true",
	}, nil
}

// defaultClientID derives a stable per-host gateway client id so two hosts
// sharing one account do not collide. Falls back to 1 when the machine id is
// unavailable.
func defaultClientID() int {
	id, err := machineid.ProtectedID("tradebot")
	if err != nil {
		return 1
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	// Gateway client ids are small positive integers.
	return int(h.Sum32()%999) + 1
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
