package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	// Channel selects the transport: "mqtt" talks to a broker, "memory" keeps
	// both peers in one process (demo and local development).
	Channel string

	MQTTBroker         string
	MQTTPort           int
	MQTTClientID       string
	MQTTTopicPrefix    string
	MQTTConnectTimeout time.Duration

	SQLiteDriver          string
	SQLiteDSN             string
	SQLitePath            string
	SQLiteMaxOpenConns    int
	SQLiteMaxIdleConns    int
	SQLiteConnMaxLifetime time.Duration
	SQLiteLogStatements   bool

	// WeatherLocation is the location_setting key queried on the source side.
	WeatherLocation string
	// WeatherUnits is "metric" or "imperial" and only affects formatting.
	WeatherUnits string

	// DisplaySize is the sink's screen extent in device pixels.
	DisplaySize int

	RetryInterval  time.Duration
	SteadyInterval time.Duration
	// DemoteAfter is the number of unanswered steady requests after which the
	// scheduler falls back to the retry cadence. Zero disables demotion.
	DemoteAfter int
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	httpAddr := strings.TrimSpace(os.Getenv("HTTP_ADDR"))
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	channel := strings.ToLower(strings.TrimSpace(os.Getenv("CHANNEL")))
	if channel == "" {
		channel = "mqtt"
	}
	switch channel {
	case "mqtt", "memory":
	default:
		return Config{}, fmt.Errorf("invalid CHANNEL %q (allowed: mqtt, memory)", channel)
	}

	mqttBroker := strings.TrimSpace(os.Getenv("MQTT_BROKER"))
	if mqttBroker == "" {
		mqttBroker = "localhost"
	}

	mqttPort, err := intFromEnv("MQTT_PORT", "1883")
	if err != nil {
		return Config{}, err
	}
	if mqttPort <= 0 || mqttPort > 65535 {
		return Config{}, fmt.Errorf("MQTT_PORT out of range: %d", mqttPort)
	}

	// Empty means "derive per role"; see ClientIDFor.
	mqttClientID := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))

	topicPrefix := strings.TrimSpace(os.Getenv("MQTT_TOPIC_PREFIX"))
	if topicPrefix == "" {
		topicPrefix = "weathersync"
	}
	topicPrefix = strings.TrimRight(topicPrefix, "/")
	if strings.ContainsAny(topicPrefix, "#+") {
		return Config{}, fmt.Errorf("invalid MQTT_TOPIC_PREFIX %q: wildcards are not allowed", topicPrefix)
	}

	connectTimeout, err := durationFromEnv("MQTT_CONNECT_TIMEOUT", "5s")
	if err != nil {
		return Config{}, err
	}

	driver := strings.TrimSpace(os.Getenv("DB_DRIVER"))
	if driver == "" {
		driver = "sqlite3"
	}
	dsn := strings.TrimSpace(os.Getenv("DB_DSN"))
	path := strings.TrimSpace(os.Getenv("SQLITE_PATH"))
	if path == "" {
		path = "dev/sqlite/weather.db"
	}

	maxOpenConns, err := intFromEnv("DB_MAX_OPEN_CONNS", "1")
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := intFromEnv("DB_MAX_IDLE_CONNS", "1")
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := durationFromEnv("DB_CONN_MAX_LIFETIME", "0s")
	if err != nil {
		return Config{}, err
	}

	logSQL := false
	if s := strings.TrimSpace(os.Getenv("DB_LOG_SQL")); s != "" {
		logSQL, err = strconv.ParseBool(s)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DB_LOG_SQL %q: %w", s, err)
		}
	}

	location := strings.TrimSpace(os.Getenv("WEATHER_LOCATION"))
	if location == "" {
		location = "94043"
	}

	units := strings.ToLower(strings.TrimSpace(os.Getenv("WEATHER_UNITS")))
	if units == "" {
		units = "metric"
	}
	switch units {
	case "metric", "imperial":
	default:
		return Config{}, fmt.Errorf("invalid WEATHER_UNITS %q (allowed: metric, imperial)", units)
	}

	displaySize, err := intFromEnv("DISPLAY_SIZE", "320")
	if err != nil {
		return Config{}, err
	}
	if displaySize < 4 {
		return Config{}, fmt.Errorf("DISPLAY_SIZE must be at least 4, got %d", displaySize)
	}

	retryInterval, err := durationFromEnv("SYNC_RETRY_INTERVAL", "30s")
	if err != nil {
		return Config{}, err
	}
	if retryInterval <= 0 {
		return Config{}, fmt.Errorf("SYNC_RETRY_INTERVAL must be positive, got %v", retryInterval)
	}
	steadyInterval, err := durationFromEnv("SYNC_STEADY_INTERVAL", "30m")
	if err != nil {
		return Config{}, err
	}
	if steadyInterval < retryInterval {
		return Config{}, fmt.Errorf("SYNC_STEADY_INTERVAL (%v) must not be shorter than SYNC_RETRY_INTERVAL (%v)", steadyInterval, retryInterval)
	}

	demoteAfter, err := intFromEnv("SYNC_DEMOTE_AFTER", "0")
	if err != nil {
		return Config{}, err
	}
	if demoteAfter < 0 {
		return Config{}, fmt.Errorf("SYNC_DEMOTE_AFTER must not be negative, got %d", demoteAfter)
	}

	return Config{
		AppEnv:                appEnv,
		LogLevel:              level,
		HTTPAddr:              httpAddr,
		Channel:               channel,
		MQTTBroker:            mqttBroker,
		MQTTPort:              mqttPort,
		MQTTClientID:          mqttClientID,
		MQTTTopicPrefix:       topicPrefix,
		MQTTConnectTimeout:    connectTimeout,
		SQLiteDriver:          driver,
		SQLiteDSN:             dsn,
		SQLitePath:            path,
		SQLiteMaxOpenConns:    maxOpenConns,
		SQLiteMaxIdleConns:    maxIdleConns,
		SQLiteConnMaxLifetime: connMaxLifetime,
		SQLiteLogStatements:   logSQL,
		WeatherLocation:       location,
		WeatherUnits:          units,
		DisplaySize:           displaySize,
		RetryInterval:         retryInterval,
		SteadyInterval:        steadyInterval,
		DemoteAfter:           demoteAfter,
	}, nil
}

// ClientIDFor returns the configured MQTT client ID or, when none is set, a
// role-scoped random one so source and sink never share a session.
func (c Config) ClientIDFor(role string) string {
	if c.MQTTClientID != "" {
		return c.MQTTClientID
	}
	return "weathersync-" + role + "-" + uuid.NewString()[:8]
}

func intFromEnv(key, def string) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		s = def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func durationFromEnv(key, def string) (time.Duration, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		s = def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
