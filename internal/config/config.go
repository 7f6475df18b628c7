package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCountTopic  = "ibamex/bus/passenger/count"
	DefaultStatusTopic = "ibamex/bus/status"
)

type Config struct {
	Port           string          `yaml:"port" validate:"required"`
	MongoURI       string          `yaml:"mongoUri" validate:"required"`
	JWTSecret      string          `yaml:"jwtSecret" validate:"required"`
	JWTExpiry      time.Duration   `yaml:"jwtExpiry" validate:"gt=0"`
	AllowedOrigins []string        `yaml:"allowedOrigins" validate:"min=1"`
	RateLimit      bool            `yaml:"rateLimit"`
	Log            LogConfig       `yaml:"log"`
	Redis          RedisConfig     `yaml:"redis"`
	MQTT           MQTTConfig      `yaml:"mqtt"`
	Ingestion      IngestionConfig `yaml:"ingestion"`
	Fanout         FanoutConfig    `yaml:"fanout"`
	Retention      RetentionConfig `yaml:"retention"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type RedisConfig struct {
	URL          string        `yaml:"url"`
	Host         string        `yaml:"host"`
	Port         string        `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"gte=0"`
	PoolSize     int           `yaml:"poolSize" validate:"gte=1"`
	MinIdleConns int           `yaml:"minIdleConns" validate:"gte=0"`
	MaxRetries   int           `yaml:"maxRetries" validate:"gte=0"`
	RetryDelay   time.Duration `yaml:"retryDelay"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	PoolTimeout  time.Duration `yaml:"poolTimeout"`
}

type MQTTConfig struct {
	BrokerURL         string        `yaml:"brokerUrl" validate:"required"`
	ClientID          string        `yaml:"clientId" validate:"required"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	CountTopic        string        `yaml:"countTopic" validate:"required"`
	StatusTopic       string        `yaml:"statusTopic" validate:"required,nefield=CountTopic"`
	QoS               byte          `yaml:"qos" validate:"lte=2"`
	ReconnectInterval time.Duration `yaml:"reconnectInterval" validate:"gt=0"`
	KeepAlive         time.Duration `yaml:"keepAlive" validate:"gt=0"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout" validate:"gt=0"`
}

type IngestionConfig struct {
	StorageTimeout time.Duration `yaml:"storageTimeout" validate:"gt=0"`
}

type FanoutConfig struct {
	Buffer       int    `yaml:"buffer" validate:"gte=1"`
	StatusEvents bool   `yaml:"statusEvents"`
	RedisChannel string `yaml:"redisChannel"`
}

type RetentionConfig struct {
	OccupancyLogs time.Duration `yaml:"occupancyLogs" validate:"gte=0"`
	Interval      time.Duration `yaml:"interval" validate:"gt=0"`
}

// Defaults returns the configuration used when nothing else is provided.
func Defaults() *Config {
	return &Config{
		Port:           "8080",
		JWTSecret:      "default-secret-key-change-this-in-production",
		JWTExpiry:      24 * time.Hour,
		AllowedOrigins: []string{"http://localhost:5173"},
		RateLimit:      true,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         "6379",
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			RetryDelay:   500 * time.Millisecond,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolTimeout:  4 * time.Second,
		},
		MQTT: MQTTConfig{
			BrokerURL:         "tcp://localhost:1883",
			ClientID:          "ibamex-backend-" + uuid.New().String()[:8],
			CountTopic:        DefaultCountTopic,
			StatusTopic:       DefaultStatusTopic,
			ReconnectInterval: 5 * time.Second,
			KeepAlive:         30 * time.Second,
			ConnectTimeout:    10 * time.Second,
		},
		Ingestion: IngestionConfig{
			StorageTimeout: 5 * time.Second,
		},
		Fanout: FanoutConfig{
			Buffer:       1024,
			StatusEvents: true,
		},
		Retention: RetentionConfig{
			Interval: time.Hour,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE, an optional .env file and the process environment, in that order.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("Ignoring .env file: %v", err)
	}

	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Port, "PORT")
	setString(&cfg.MongoURI, "MONGO_URI")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}

	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Redis.Host, "REDIS_HOST")
	setString(&cfg.Redis.Port, "REDIS_PORT")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")

	setString(&cfg.MQTT.BrokerURL, "MQTT_BROKER_URL")
	setString(&cfg.MQTT.ClientID, "MQTT_CLIENT_ID")
	setString(&cfg.MQTT.Username, "MQTT_USERNAME")
	setString(&cfg.MQTT.Password, "MQTT_PASSWORD")
	setString(&cfg.MQTT.CountTopic, "MQTT_COUNT_TOPIC")
	setString(&cfg.MQTT.StatusTopic, "MQTT_STATUS_TOPIC")
	setString(&cfg.Fanout.RedisChannel, "FANOUT_REDIS_CHANNEL")

	durations := map[string]*time.Duration{
		"JWT_EXPIRY":              &cfg.JWTExpiry,
		"MQTT_RECONNECT_INTERVAL": &cfg.MQTT.ReconnectInterval,
		"MQTT_KEEP_ALIVE":         &cfg.MQTT.KeepAlive,
		"MQTT_CONNECT_TIMEOUT":    &cfg.MQTT.ConnectTimeout,
		"STORAGE_TIMEOUT":         &cfg.Ingestion.StorageTimeout,
		"OCCUPANCY_LOG_RETENTION": &cfg.Retention.OccupancyLogs,
		"RETENTION_INTERVAL":      &cfg.Retention.Interval,
	}
	for key, dst := range durations {
		if err := setDuration(dst, key); err != nil {
			return err
		}
	}

	ints := map[string]*int{
		"REDIS_DB":      &cfg.Redis.DB,
		"FANOUT_BUFFER": &cfg.Fanout.Buffer,
	}
	for key, dst := range ints {
		if err := setInt(dst, key); err != nil {
			return err
		}
	}

	if v := os.Getenv("MQTT_QOS"); v != "" {
		qos, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("MQTT_QOS: %w", err)
		}
		cfg.MQTT.QoS = byte(qos)
	}

	bools := map[string]*bool{
		"RATE_LIMIT_ENABLED":   &cfg.RateLimit,
		"FANOUT_STATUS_EVENTS": &cfg.Fanout.StatusEvents,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
