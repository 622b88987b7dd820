package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
	idspkg "github.com/drblury/chirpflow/internal/runtime/ids"
)

// Config groups every setting of a chirpflow instance. Each broadcast transport
// and store backend only reads the keys relevant to it.
type Config struct {
	// InstanceID identifies this process in presence records and per-instance
	// broadcast subscriptions. Load derives one from the hostname when empty.
	InstanceID      string        `env:"CHIRPFLOW_INSTANCE_ID"`
	HTTPAddr        string        `env:"CHIRPFLOW_HTTP_ADDR"        envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"CHIRPFLOW_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Credentials.
	JWTSecret      string        `env:"CHIRPFLOW_JWT_SECRET"`
	JWTIssuer      string        `env:"CHIRPFLOW_JWT_ISSUER"`
	AccessTokenTTL time.Duration `env:"CHIRPFLOW_ACCESS_TOKEN_TTL" envDefault:"1h"`

	// StoreBackend selects the shared store: "redis", "postgres" or "memory".
	StoreBackend string `env:"CHIRPFLOW_STORE"        envDefault:"redis"`
	RedisURL     string `env:"CHIRPFLOW_REDIS_URL"    envDefault:"redis://localhost:6379/0"`
	PostgresURL  string `env:"CHIRPFLOW_POSTGRES_URL"`

	// PubSubSystem selects the broadcast channel transport: "redis", "channel",
	// "nats", "kafka", "rabbitmq" or "aws".
	PubSubSystem   string `env:"CHIRPFLOW_PUBSUB"          envDefault:"redis"`
	BroadcastTopic string `env:"CHIRPFLOW_BROADCAST_TOPIC" envDefault:"chirpchat:broadcast"`

	// Kafka configuration. The consumer group defaults to one per instance.
	KafkaBrokers       []string `env:"CHIRPFLOW_KAFKA_BROKERS" envSeparator:","`
	KafkaConsumerGroup string   `env:"CHIRPFLOW_KAFKA_CONSUMER_GROUP"`

	RabbitMQURL string `env:"CHIRPFLOW_RABBITMQ_URL"`
	NATSURL     string `env:"CHIRPFLOW_NATS_URL"`

	// AWS (SNS/SQS) configuration.
	AWSRegion          string `env:"CHIRPFLOW_AWS_REGION"`
	AWSAccountID       string `env:"CHIRPFLOW_AWS_ACCOUNT_ID"`
	AWSAccessKeyID     string `env:"CHIRPFLOW_AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `env:"CHIRPFLOW_AWS_SECRET_ACCESS_KEY"`
	// AWSEndpoint optionally points to a custom endpoint such as LocalStack.
	AWSEndpoint string `env:"CHIRPFLOW_AWS_ENDPOINT"`

	// Shared store keys.
	CounterKey      string `env:"CHIRPFLOW_COUNTER_KEY"      envDefault:"global_event_sequence"`
	EventLogKey     string `env:"CHIRPFLOW_EVENT_LOG_KEY"    envDefault:"event_log"`
	PresenceKey     string `env:"CHIRPFLOW_PRESENCE_KEY"     envDefault:"user_connections"`
	ProcessedPrefix string `env:"CHIRPFLOW_PROCESSED_PREFIX" envDefault:"processed_messages:"`

	// Retention.
	EventLogSize int64         `env:"CHIRPFLOW_EVENT_LOG_SIZE" envDefault:"5000"`
	EventLogTTL  time.Duration `env:"CHIRPFLOW_EVENT_LOG_TTL"  envDefault:"24h"`
	ProcessedTTL time.Duration `env:"CHIRPFLOW_PROCESSED_TTL"  envDefault:"5m"`

	// Delivery tuning.
	ListenerBackoff  time.Duration `env:"CHIRPFLOW_LISTENER_BACKOFF"   envDefault:"5s"`
	SendTimeout      time.Duration `env:"CHIRPFLOW_SEND_TIMEOUT"       envDefault:"5s"`
	SSEKeepAlive     time.Duration `env:"CHIRPFLOW_SSE_KEEPALIVE"      envDefault:"15s"`
	PingInterval     time.Duration `env:"CHIRPFLOW_WS_PING_INTERVAL"   envDefault:"30s"`
	LastSeenThrottle time.Duration `env:"CHIRPFLOW_LAST_SEEN_THROTTLE" envDefault:"120s"`
	InboundRate      float64       `env:"CHIRPFLOW_INBOUND_RATE"       envDefault:"20"`
	InboundBurst     int           `env:"CHIRPFLOW_INBOUND_BURST"      envDefault:"40"`
	MaxDecodeErrors  int           `env:"CHIRPFLOW_MAX_DECODE_ERRORS"  envDefault:"5"`

	// Metrics configuration. A zero MetricsPort serves /metrics on HTTPAddr.
	MetricsEnabled bool `env:"CHIRPFLOW_METRICS_ENABLED" envDefault:"true"`
	MetricsPort    int  `env:"CHIRPFLOW_METRICS_PORT"`

	// DirectorySeedFile loads the in-memory collaborator directory from YAML.
	DirectorySeedFile string `env:"CHIRPFLOW_DIRECTORY_SEED"`

	LogLevel  string `env:"CHIRPFLOW_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"CHIRPFLOW_LOG_FORMAT" envDefault:"text"`
}

// hostname is swapped in tests.
var hostname = os.Hostname

// Load reads the configuration from CHIRPFLOW_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		host, err := hostname()
		if err != nil || host == "" {
			host = "chirpflow"
		}
		ulid := strings.ToLower(idspkg.CreateULID())
		c.InstanceID = host + "-" + ulid[len(ulid)-8:]
	}
	if c.KafkaConsumerGroup == "" {
		c.KafkaConsumerGroup = "chirpflow-" + c.InstanceID
	}
}

// Getter methods implement the transport.Config interface.
func (c *Config) GetPubSubSystem() string       { return c.PubSubSystem }
func (c *Config) GetInstanceID() string         { return c.InstanceID }
func (c *Config) GetRedisURL() string           { return c.RedisURL }
func (c *Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *Config) GetKafkaConsumerGroup() string { return c.KafkaConsumerGroup }
func (c *Config) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string            { return c.NATSURL }
func (c *Config) GetAWSRegion() string          { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string       { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string     { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string        { return c.AWSEndpoint }

const redacted = "***REDACTED***"

func (c Config) String() string {
	copy := c
	if copy.JWTSecret != "" {
		copy.JWTSecret = redacted
	}
	if copy.AWSSecretAccessKey != "" {
		copy.AWSSecretAccessKey = redacted
	}
	if copy.AWSAccessKeyID != "" {
		copy.AWSAccessKeyID = redacted
	}
	copy.RedisURL = redactURLCredentials(copy.RedisURL)
	copy.PostgresURL = redactURLCredentials(copy.PostgresURL)
	copy.RabbitMQURL = redactURLCredentials(copy.RabbitMQURL)
	copy.NATSURL = redactURLCredentials(copy.NATSURL)
	// Alias type so fmt does not recurse into String.
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(copy))
}

// redactURLCredentials masks the password in URLs like redis://:pass@host.
func redactURLCredentials(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "***REDACTED_URL***"
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), redacted)
		}
	}
	return parsed.String()
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateIdentity()...)
	errs = append(errs, c.validateStore()...)
	errs = append(errs, c.validateTransport()...)
	errs = append(errs, c.validateRetention()...)
	errs = append(errs, c.validateDelivery()...)
	errs = append(errs, c.validatePorts()...)

	return errors.Join(errs...)
}

func (c *Config) validateIdentity() []error {
	var errs []error
	if c.InstanceID == "" {
		errs = append(errs, errors.New("instance: id is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("auth: jwt secret is required"))
	}
	return errs
}

func (c *Config) validateStore() []error {
	switch strings.ToLower(c.StoreBackend) {
	case "redis":
		if c.RedisURL == "" {
			return []error{errors.New("store: redis URL is required")}
		}
	case "postgres", "postgresql":
		if c.PostgresURL == "" {
			return []error{errors.New("store: postgres URL is required")}
		}
	case "memory":
	default:
		return []error{fmt.Errorf("store: unknown backend %q", c.StoreBackend)}
	}
	return nil
}

// validateTransport checks transport-specific required fields. Unknown names
// are accepted so custom transports can be registered.
func (c *Config) validateTransport() []error {
	var errs []error
	if c.BroadcastTopic == "" {
		errs = append(errs, errors.New("broadcast: topic is required"))
	}
	switch strings.ToLower(c.PubSubSystem) {
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, errors.New("redis: URL is required"))
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("kafka: brokers are required"))
		}
	case "rabbitmq":
		if c.RabbitMQURL == "" {
			errs = append(errs, errors.New("rabbitmq: URL is required"))
		}
	case "nats":
		if c.NATSURL == "" {
			errs = append(errs, errors.New("nats: URL is required"))
		}
	case "aws":
		if c.AWSRegion == "" {
			errs = append(errs, errors.New("aws: region is required"))
		}
	case "":
		errs = append(errs, errors.New("broadcast: pubsub system is required"))
	}
	return errs
}

func (c *Config) validateRetention() []error {
	var errs []error
	if c.CounterKey == "" || c.EventLogKey == "" || c.PresenceKey == "" || c.ProcessedPrefix == "" {
		errs = append(errs, errors.New("store: counter, event log, presence and processed keys are required"))
	}
	if c.EventLogSize <= 0 {
		errs = append(errs, errors.New("retention: event log size must be positive"))
	}
	if c.EventLogTTL <= 0 {
		errs = append(errs, errors.New("retention: event log ttl must be positive"))
	}
	if c.ProcessedTTL <= 0 {
		errs = append(errs, errors.New("retention: processed token ttl must be positive"))
	}
	return errs
}

func (c *Config) validateDelivery() []error {
	var errs []error
	if c.ListenerBackoff <= 0 {
		errs = append(errs, errors.New("listener: backoff must be positive"))
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, errors.New("delivery: send timeout must be positive"))
	}
	if c.SSEKeepAlive <= 0 {
		errs = append(errs, errors.New("sse: keep-alive interval must be positive"))
	}
	if c.PingInterval < 0 {
		errs = append(errs, errors.New("ws: ping interval cannot be negative"))
	}
	if c.LastSeenThrottle < 0 {
		errs = append(errs, errors.New("presence: last seen throttle cannot be negative"))
	}
	if c.InboundRate < 0 || c.InboundBurst < 0 {
		errs = append(errs, errors.New("ws: inbound rate and burst cannot be negative"))
	}
	if c.MaxDecodeErrors < 0 {
		errs = append(errs, errors.New("ws: max decode errors cannot be negative"))
	}
	return errs
}

func (c *Config) validatePorts() []error {
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return []error{fmt.Errorf("metrics: invalid port %d", c.MetricsPort)}
	}
	return nil
}

// ValidateConfig validates a config pointer and wraps failures in
// ConfigValidationError.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errspkg.ErrConfigRequired
	}
	return errspkg.NewConfigValidationError(c.Validate())
}
