package config

import (
	"os"
	"strconv"
	"time"
)

type Postgres struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

type Config struct {
	LogLevel string

	MQTTBrokerURL    string
	MQTTClientID     string
	EventTopicPrefix string
	StatusTopic      string

	QueueSize          int
	ScheduleCheckEvery time.Duration
	MonitorEvery       time.Duration
	FailureAlertWindow time.Duration

	// Recommendation thresholds.
	SlowWorkflowThreshold time.Duration
	MinSuccessRate        float64

	ExportDir string

	Postgres Postgres
}

func Load() Config {
	return Config{
		LogLevel:              getenv("LOG_LEVEL", "info"),
		MQTTBrokerURL:         getenv("MQTT_BROKER_URL", ""),
		MQTTClientID:          getenv("WORKFLOW_SERVICE_MQTT_CLIENT_ID", "workflow-service"),
		EventTopicPrefix:      getenv("WORKFLOW_EVENT_TOPIC_PREFIX", "arxfield/events"),
		StatusTopic:           getenv("WORKFLOW_STATUS_TOPIC", "arxfield/workflows/executions"),
		QueueSize:             getenvInt("WORKFLOW_QUEUE_SIZE", 256),
		ScheduleCheckEvery:    getenvDuration("WORKFLOW_SCHEDULE_CHECK_EVERY", 30*time.Second),
		MonitorEvery:          getenvDuration("WORKFLOW_MONITOR_EVERY", 60*time.Second),
		FailureAlertWindow:    getenvDuration("WORKFLOW_FAILURE_ALERT_WINDOW", time.Hour),
		SlowWorkflowThreshold: getenvDuration("WORKFLOW_SLOW_THRESHOLD", 5*time.Minute),
		MinSuccessRate:        getenvFloat("WORKFLOW_MIN_SUCCESS_RATE", 0.8),
		ExportDir:             getenv("WORKFLOW_EXPORT_DIR", "exports"),
		Postgres: Postgres{
			User:     getenv("POSTGRES_USER", ""),
			Password: getenv("POSTGRES_PASSWORD", ""),
			DBName:   getenv("POSTGRES_DB", ""),
			Host:     getenv("POSTGRES_HOST", ""),
			Port:     getenv("POSTGRES_PORT", ""),
			SSLMode:  getenv("POSTGRES_SSLMODE", "disable"),
		},
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
