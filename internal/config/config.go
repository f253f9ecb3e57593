package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable of the scheduling core. Pass intervals and
// timeouts are configuration, not scheduler logic; the periodic trigger in
// the serve loop reads them once at startup.
type Config struct {
	DBConnStr     string
	BrokerChannel string
	HTTPPort      string
	Hostname      string

	TaskManagerInterval       time.Duration
	DependencyManagerInterval time.Duration
	WorkflowManagerInterval   time.Duration
	ReaperInterval            time.Duration

	HeartbeatTimeout  time.Duration
	CacheTimeout      time.Duration
	ReaperGracePeriod time.Duration
	WorkDirRoot       string
	MaxSkips          int

	// DisableManagers turns off periodic manager passes; the debug
	// endpoints become the only trigger.
	DisableManagers bool
}

// Load reads configuration from the environment, loading a .env file first
// when one is present.
func Load() (Config, error) {
	_ = godotenv.Load() // best effort, env vars win

	connStr := os.Getenv("DISPATCHD_DB")
	if connStr == "" {
		dbUsername := os.Getenv("DB_USERNAME")
		dbPassword := os.Getenv("DB_PASSWORD")
		dbHost := os.Getenv("DB_HOST")
		dbPort := os.Getenv("DB_PORT")
		dbName := os.Getenv("DB_NAME")
		if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
			return Config{}, fmt.Errorf("DISPATCHD_DB or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		}
		connStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			dbUsername, dbPassword, dbHost, dbPort, dbName)
	}

	hostname := os.Getenv("DISPATCHD_HOSTNAME")
	if hostname == "" {
		var err error
		hostname, err = os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("resolve hostname: %w", err)
		}
	}

	cfg := Config{
		DBConnStr:                 connStr,
		BrokerChannel:             envOr("DISPATCHD_BROKER_CHANNEL", "dispatchd_dispatch"),
		HTTPPort:                  envOr("DISPATCHD_HTTP_PORT", "8052"),
		Hostname:                  hostname,
		TaskManagerInterval:       envDuration("DISPATCHD_TASK_MANAGER_INTERVAL", 20*time.Second),
		DependencyManagerInterval: envDuration("DISPATCHD_DEPENDENCY_MANAGER_INTERVAL", 20*time.Second),
		WorkflowManagerInterval:   envDuration("DISPATCHD_WORKFLOW_MANAGER_INTERVAL", 20*time.Second),
		ReaperInterval:            envDuration("DISPATCHD_REAPER_INTERVAL", 10*time.Minute),
		HeartbeatTimeout:          envDuration("DISPATCHD_HEARTBEAT_TIMEOUT", 90*time.Second),
		CacheTimeout:              envDuration("DISPATCHD_CACHE_TIMEOUT", 15*time.Minute),
		ReaperGracePeriod:         envDuration("DISPATCHD_REAPER_GRACE_PERIOD", time.Hour),
		WorkDirRoot:               envOr("DISPATCHD_WORK_DIR", os.TempDir()),
		MaxSkips:                  envInt("DISPATCHD_MAX_SKIPS", 200),
		DisableManagers:           envBool("DISPATCHD_DISABLE_MANAGERS"),
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
