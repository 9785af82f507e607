package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"iot-telemetry/common/config"

	"gopkg.in/yaml.v3"
)

// 服务名
const (
	ServiceBridge    = "iot-bridge"
	ServiceProcessor = "iot-processor"
	ServiceAnalyzer  = "iot-analyzer"
	ServiceNotifier  = "iot-notifier"
)

var defaultHTTPAddr = map[string]string{
	ServiceBridge:    ":8081",
	ServiceProcessor: ":8082",
	ServiceAnalyzer:  ":8083",
	ServiceNotifier:  ":8084",
}

// StreamsConfig 内部总线各通道（Redis Stream 名）
type StreamsConfig struct {
	RawReadings       string `yaml:"raw_readings"`
	ProcessedReadings string `yaml:"processed_readings"`
	RawAnomalies      string `yaml:"raw_anomalies"`
	Alerts            string `yaml:"alerts"`
	NotificationState string `yaml:"notification_status"`
	MetadataUpdates   string `yaml:"metadata_updates"`
	StatusChanges     string `yaml:"status_changes"`
	BridgeMirror      string `yaml:"bridge_mirror"`
	CommandResponses  string `yaml:"command_responses"`
	MaxLen            int64  `yaml:"max_len"`
}

// ConsumerConfig 消费者组配置
type ConsumerConfig struct {
	Group     string        `yaml:"group"`
	Name      string        `yaml:"name"`
	BatchSize int64         `yaml:"batch_size"`
	Block     time.Duration `yaml:"block"`
	Workers   int           `yaml:"workers"`
}

// BridgeConfig 协议桥配置
type BridgeConfig struct {
	Topics struct {
		Data    string `yaml:"data"`    // "devices/+/data"
		Status  string `yaml:"status"`  // "devices/+/status"
		Control string `yaml:"control"` // "devices/+/control"
	} `yaml:"topics"`
}

// NotificationConfig 通知中心配置
type NotificationConfig struct {
	Recipients []string `yaml:"recipients"`
	Email      struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
	} `yaml:"email"`
	SMS struct {
		Provider string        `yaml:"provider"` // mock | http
		BaseURL  string        `yaml:"base_url"`
		APIKey   string        `yaml:"api_key"`
		Sender   string        `yaml:"sender"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"sms"`
}

// Config 服务配置，四个服务共用
type Config struct {
	Service string `yaml:"-"`

	Database config.DatabaseConfig `yaml:"database"`
	Redis    config.RedisConfig    `yaml:"redis"`
	MQTT     config.MQTTConfig     `yaml:"mqtt"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Streams      StreamsConfig      `yaml:"streams"`
	Consumer     ConsumerConfig     `yaml:"consumer"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Notification NotificationConfig `yaml:"notification"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load 加载配置
// 顺序：默认值 -> CONFIG_FILE(YAML) -> 环境变量
func Load(service string) (*Config, error) {
	cfg := defaults(service)

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.Database.LoadFromEnv("DB")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)

	cfg.Streams.RawReadings = getEnv("STREAM_RAW_READINGS", cfg.Streams.RawReadings)
	cfg.Streams.ProcessedReadings = getEnv("STREAM_PROCESSED_READINGS", cfg.Streams.ProcessedReadings)
	cfg.Streams.RawAnomalies = getEnv("STREAM_RAW_ANOMALIES", cfg.Streams.RawAnomalies)
	cfg.Streams.Alerts = getEnv("STREAM_ALERTS", cfg.Streams.Alerts)
	cfg.Streams.NotificationState = getEnv("STREAM_NOTIFICATION_STATUS", cfg.Streams.NotificationState)
	cfg.Streams.MetadataUpdates = getEnv("STREAM_METADATA_UPDATES", cfg.Streams.MetadataUpdates)
	cfg.Streams.StatusChanges = getEnv("STREAM_STATUS_CHANGES", cfg.Streams.StatusChanges)
	cfg.Streams.BridgeMirror = getEnv("STREAM_BRIDGE_MIRROR", cfg.Streams.BridgeMirror)
	cfg.Streams.CommandResponses = getEnv("STREAM_COMMAND_RESPONSES", cfg.Streams.CommandResponses)
	cfg.Streams.MaxLen = int64(getEnvInt("STREAM_MAX_LEN", int(cfg.Streams.MaxLen)))

	cfg.Consumer.Group = getEnv("CONSUMER_GROUP", cfg.Consumer.Group)
	cfg.Consumer.Name = getEnv("CONSUMER_NAME", cfg.Consumer.Name)
	cfg.Consumer.BatchSize = int64(getEnvInt("CONSUMER_BATCH_SIZE", int(cfg.Consumer.BatchSize)))
	cfg.Consumer.Workers = getEnvInt("CONSUMER_WORKERS", cfg.Consumer.Workers)

	cfg.Bridge.Topics.Data = getEnv("BRIDGE_TOPIC_DATA", cfg.Bridge.Topics.Data)
	cfg.Bridge.Topics.Status = getEnv("BRIDGE_TOPIC_STATUS", cfg.Bridge.Topics.Status)
	cfg.Bridge.Topics.Control = getEnv("BRIDGE_TOPIC_CONTROL", cfg.Bridge.Topics.Control)

	if v := os.Getenv("NOTIFY_RECIPIENTS"); v != "" {
		cfg.Notification.Recipients = splitList(v)
	}
	cfg.Notification.Email.Host = getEnv("SMTP_HOST", cfg.Notification.Email.Host)
	cfg.Notification.Email.Port = getEnvInt("SMTP_PORT", cfg.Notification.Email.Port)
	cfg.Notification.Email.Username = getEnv("SMTP_USERNAME", cfg.Notification.Email.Username)
	cfg.Notification.Email.Password = getEnv("SMTP_PASSWORD", cfg.Notification.Email.Password)
	cfg.Notification.Email.From = getEnv("SMTP_FROM", cfg.Notification.Email.From)
	cfg.Notification.SMS.Provider = getEnv("SMS_PROVIDER", cfg.Notification.SMS.Provider)
	cfg.Notification.SMS.BaseURL = getEnv("SMS_GATEWAY_URL", cfg.Notification.SMS.BaseURL)
	cfg.Notification.SMS.APIKey = getEnv("SMS_API_KEY", cfg.Notification.SMS.APIKey)
	cfg.Notification.SMS.Sender = getEnv("SMS_SENDER", cfg.Notification.SMS.Sender)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	if cfg.Consumer.Workers <= 0 {
		return nil, fmt.Errorf("consumer workers must be positive, got %d", cfg.Consumer.Workers)
	}

	return cfg, nil
}

func defaults(service string) *Config {
	cfg := &Config{Service: service}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "iot_telemetry"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5
	cfg.Database.AppName = service

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 20
	cfg.Redis.DialTimeout = 5 * time.Second

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = service
	cfg.MQTT.QoS = 1
	cfg.MQTT.KeepAlive = 30 * time.Second
	cfg.MQTT.ConnectTimeout = 10 * time.Second
	cfg.MQTT.PublishTimeout = 5 * time.Second

	cfg.HTTP.Addr = defaultHTTPAddr[service]
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	cfg.Streams = StreamsConfig{
		RawReadings:       "device.data.raw",
		ProcessedReadings: "device.data.processed",
		RawAnomalies:      "device.anomalies",
		Alerts:            "device.alerts",
		NotificationState: "notification.status",
		MetadataUpdates:   "device.metadata.updates",
		StatusChanges:     "device.status.changes",
		BridgeMirror:      "mqtt.bridge.data",
		CommandResponses:  "device.command.responses",
		MaxLen:            100000,
	}

	hostname, _ := os.Hostname()
	cfg.Consumer = ConsumerConfig{
		Group:     service,
		Name:      service + "-" + hostname,
		BatchSize: 50,
		Block:     5 * time.Second,
		Workers:   8,
	}

	cfg.Bridge.Topics.Data = "devices/+/data"
	cfg.Bridge.Topics.Status = "devices/+/status"
	cfg.Bridge.Topics.Control = "devices/+/control"

	cfg.Notification.Recipients = []string{"admin@factory.com", "manager@factory.com"}
	cfg.Notification.Email.Port = 587
	cfg.Notification.Email.From = "noreply@iot-system.com"
	cfg.Notification.SMS.Provider = "mock"
	cfg.Notification.SMS.Timeout = 10 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return i
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
