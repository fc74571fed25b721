package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration. A YAML file (CONFIG_FILE) supplies
// the base values; environment variables override field by field, so a
// container deployment can run without any file at all.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	DatabasePath       string `yaml:"database_path"`
	VectorDatabasePath string `yaml:"vector_database_path"`

	Minio struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`

	RabbitMQ struct {
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		VHost    string `yaml:"vhost"`
		Exchange string `yaml:"exchange"`
	} `yaml:"rabbitmq"`

	OpenAI struct {
		APIKey             string `yaml:"api_key"`
		EmbeddingModel     string `yaml:"embedding_model"`
		EmbeddingDimension int    `yaml:"embedding_dimension"`
		ChatModel          string `yaml:"chat_model"`
	} `yaml:"openai"`

	BillingServiceURL string `yaml:"billing_service_url"`

	Auth struct {
		JWKSURL       string `yaml:"jwks_url"`
		IntrospectURL string `yaml:"introspect_url"`
	} `yaml:"auth"`

	Scraping struct {
		Strategy          string        `yaml:"strategy"`
		EnableFallback    bool          `yaml:"enable_fallback"`
		RequestsTimeout   time.Duration `yaml:"requests_timeout"`
		PlaywrightTimeout time.Duration `yaml:"playwright_timeout"`
		MaxPagesPerSite   int           `yaml:"max_pages_per_site"`
		Delay             time.Duration `yaml:"delay"`
		BrowserControlURL string        `yaml:"browser_control_url"`
	} `yaml:"scraping"`

	Admin struct {
		User         string `yaml:"user"`
		PasswordHash string `yaml:"password_hash"`
	} `yaml:"admin"`

	EventRetentionDays int `yaml:"event_retention_days"`
}

// LoadConfig reads the optional YAML file, then applies env overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Port = "8086"
	cfg.LogLevel = "info"
	cfg.DatabasePath = "db/moisson.db"
	cfg.VectorDatabasePath = "db/vectors.db"
	cfg.RabbitMQ.Host = "localhost"
	cfg.RabbitMQ.Port = "5672"
	cfg.RabbitMQ.User = "guest"
	cfg.RabbitMQ.Password = "guest"
	cfg.RabbitMQ.VHost = "/"
	cfg.Scraping.Strategy = "AUTO"
	cfg.Scraping.EnableFallback = true
	cfg.EventRetentionDays = 90

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Port, "PORT")
	setStr(&c.LogLevel, "LOG_LEVEL")
	setStr(&c.DatabasePath, "DATABASE_PATH")
	setStr(&c.VectorDatabasePath, "VECTOR_DATABASE_PATH")

	setStr(&c.Minio.Endpoint, "MINIO_ENDPOINT")
	setStr(&c.Minio.AccessKey, "MINIO_ACCESS_KEY")
	setStr(&c.Minio.SecretKey, "MINIO_SECRET_KEY")
	setStr(&c.Minio.Bucket, "MINIO_BUCKET_NAME")
	setBool(&c.Minio.UseSSL, "MINIO_USE_SSL")

	setStr(&c.RabbitMQ.Host, "RABBITMQ_HOST")
	setStr(&c.RabbitMQ.Port, "RABBITMQ_PORT")
	setStr(&c.RabbitMQ.User, "RABBITMQ_USER")
	setStr(&c.RabbitMQ.Password, "RABBITMQ_PASSWORD")
	setStr(&c.RabbitMQ.VHost, "RABBITMQ_VHOST")
	setStr(&c.RabbitMQ.Exchange, "RABBITMQ_USAGE_EXCHANGE")

	setStr(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setStr(&c.OpenAI.EmbeddingModel, "EMBEDDING_MODEL")
	setInt(&c.OpenAI.EmbeddingDimension, "EMBEDDING_DIMENSION")
	setStr(&c.OpenAI.ChatModel, "CLASSIFIER_MODEL")

	setStr(&c.BillingServiceURL, "BILLING_SERVICE_URL")
	setStr(&c.Auth.JWKSURL, "JWKS_URL")
	setStr(&c.Auth.IntrospectURL, "AUTHORIZATION_SERVER_URL")

	setStr(&c.Scraping.Strategy, "SCRAPING_STRATEGY")
	setBool(&c.Scraping.EnableFallback, "ENABLE_FALLBACK")
	setDur(&c.Scraping.RequestsTimeout, "REQUESTS_TIMEOUT")
	setDur(&c.Scraping.PlaywrightTimeout, "PLAYWRIGHT_TIMEOUT")
	setInt(&c.Scraping.MaxPagesPerSite, "MAX_PAGES_PER_SITE")
	setDur(&c.Scraping.Delay, "SCRAPING_DELAY")
	setStr(&c.Scraping.BrowserControlURL, "BROWSER_CONTROL_URL")

	setStr(&c.Admin.User, "ADMIN_USER")
	setStr(&c.Admin.PasswordHash, "ADMIN_PASSWORD_HASH")
	setInt(&c.EventRetentionDays, "EVENT_RETENTION_DAYS")
}

// AMQPURL assembles the broker URL from the parts.
func (c *Config) AMQPURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.RabbitMQ.User, c.RabbitMQ.Password),
		Host:   c.RabbitMQ.Host + ":" + c.RabbitMQ.Port,
		Path:   c.RabbitMQ.VHost,
	}
	return u.String()
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			*dst = n
		}
	}
}

// setDur accepts Go durations ("30s") and bare seconds ("30").
func setDur(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}
