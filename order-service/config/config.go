package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServiceName string    `mapstructure:"service_name"`
	Env         string    `mapstructure:"env"`
	Port        string    `mapstructure:"port"`
	Transport   string    `mapstructure:"transport"`
	Database    Database  `mapstructure:"database"`
	Kafka       Kafka     `mapstructure:"kafka"`
	AWS         AWS       `mapstructure:"aws"`
	Outbox      Outbox    `mapstructure:"outbox"`
	Telemetry   Telemetry `mapstructure:"telemetry"`
}

type Database struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

type AWS struct {
	Region            string `mapstructure:"region"`
	OrderTopicArn     string `mapstructure:"order_topic_arn"`
	BillingQueueURL   string `mapstructure:"billing_queue_url"`
	BillingDLQURL     string `mapstructure:"billing_dlq_url"`
	ExecutionQueueURL string `mapstructure:"execution_queue_url"`
	ExecutionDLQURL   string `mapstructure:"execution_dlq_url"`
}

type Outbox struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
}

type Telemetry struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Transport values. Kafka is the default; SQS exists for deployments
// that run on the AWS messaging stack instead of a Kafka cluster.
const (
	TransportKafka = "kafka"
	TransportSQS   = "sqs"
)

func ReadConfig() (*Config, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return nil, fmt.Errorf("unable to get current file")
	}

	configDir := filepath.Join(filepath.Dir(filename))
	viper.SetConfigName(getConfigName())
	viper.SetConfigType("json")
	viper.AddConfigPath(configDir)

	// Allow environment variables to override config
	viper.AutomaticEnv()
	viper.SetEnvPrefix("OS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaultsFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Defaults and environment variables carry a full configuration;
		// a missing file is only fatal when ENVIRONMENT names one.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || os.Getenv("ENVIRONMENT") != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

func getConfigName() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		return "local"
	}
	return env
}

func setDefaultsFromEnv() {
	// Service defaults
	viper.SetDefault("service_name", "order-service")
	viper.SetDefault("env", getEnv("ENV", "local"))
	viper.SetDefault("port", getEnv("PORT", "8080"))
	viper.SetDefault("transport", getEnv("TRANSPORT", TransportKafka))

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.database", "service_orders")
	viper.SetDefault("database.ssl_mode", "disable")

	// Override with DATABASE_URL if provided
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		viper.Set("database.url", dbURL)
	}

	// Kafka defaults
	viper.SetDefault("kafka.brokers", []string{getEnv("KAFKA_BROKERS", "localhost:9092")})
	viper.SetDefault("kafka.group_id", getEnv("KAFKA_GROUP_ID", "order-service"))

	// AWS defaults, used when transport is sqs
	viper.SetDefault("aws.region", getEnv("AWS_DEFAULT_REGION", "us-east-1"))
	viper.SetDefault("aws.order_topic_arn", getEnv("SNS_ORDER_TOPIC_ARN", "arn:aws:sns:us-east-1:000000000000:order-events.fifo"))
	viper.SetDefault("aws.billing_queue_url", getEnv("SQS_BILLING_QUEUE_URL", "http://localhost:4566/000000000000/billing-events.fifo"))
	viper.SetDefault("aws.billing_dlq_url", getEnv("SQS_BILLING_DLQ_URL", "http://localhost:4566/000000000000/billing-events-dlt.fifo"))
	viper.SetDefault("aws.execution_queue_url", getEnv("SQS_EXECUTION_QUEUE_URL", "http://localhost:4566/000000000000/execution-events.fifo"))
	viper.SetDefault("aws.execution_dlq_url", getEnv("SQS_EXECUTION_DLQ_URL", "http://localhost:4566/000000000000/execution-events-dlt.fifo"))

	// Outbox defaults
	viper.SetDefault("outbox.sweep_interval", "30s")
	viper.SetDefault("outbox.batch_size", 100)

	// Telemetry defaults
	viper.SetDefault("telemetry.otlp_endpoint", getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetDatabaseURL constructs database URL from config
func (c *Config) GetDatabaseURL() string {
	// Check if full URL is provided via DATABASE_URL
	if url := viper.GetString("database.url"); url != "" {
		return url
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}
