package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

const (
	StoreDynamoDB = "dynamodb"
	StorePostgres = "postgres"

	QueueSQS  = "sqs"
	QueueNATS = "nats"
	QueueNone = "none"

	maxSQSDelay = 15 * time.Minute
)

// Config holds runtime configuration shared by marionetted and marionettectl.
type Config struct {
	ConfigFile string `env:"MARIONETTE_CONFIG"`

	Mode  string `env:"MARIONETTE_MODE,default=active"`
	Store string `env:"MARIONETTE_STORE,default=dynamodb"`
	Table string `env:"MARIONETTE_TABLE,default=UserDataSwap"`
	Queue string `env:"MARIONETTE_QUEUE,default=sqs"`

	DatabaseURL string `env:"DATABASE_URL"`
	QueueURL    string `env:"MARIONETTE_QUEUE_URL"`
	NATSURL     string `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	NATSSubject string `env:"MARIONETTE_NATS_SUBJECT,default=marionette.restarts"`

	RestartDelay    time.Duration `env:"MARIONETTE_RESTART_DELAY,default=120s"`
	Settle          time.Duration `env:"MARIONETTE_SETTLE,default=1s"`
	PollInterval    time.Duration `env:"MARIONETTE_POLL_INTERVAL,default=2s"`
	PollMaxAttempts int           `env:"MARIONETTE_POLL_MAX_ATTEMPTS,default=300"`

	Payload Payload

	AgeSecretKey  string   `env:"MARIONETTE_AGE_SECRET_KEY"`
	AgeRecipients []string `env:"MARIONETTE_AGE_RECIPIENTS"`

	AWSRegion    string `env:"AWS_REGION,default=us-east-1"`
	AWSEndpoint  string `env:"AWS_ENDPOINT_URL"`
	AWSAccessKey string `env:"MARIONETTE_AWS_ACCESS_KEY"`
	AWSSecretKey string `env:"MARIONETTE_AWS_SECRET_KEY"`

	Addr      string `env:"ADDR,default=:8080"`
	RateLimit int    `env:"MARIONETTE_RATE_LIMIT,default=600"`
}

// Payload selects the substitute user data. At most one source may be set;
// with none, the embedded cloud-config is rendered.
type Payload struct {
	Inline   string   `env:"MARIONETTE_PAYLOAD_INLINE"`
	File     string   `env:"MARIONETTE_PAYLOAD_FILE"`
	S3URI    string   `env:"MARIONETTE_PAYLOAD_S3_URI"`
	Template bool     `env:"MARIONETTE_PAYLOAD_TEMPLATE,default=false"`
	Gzip     bool     `env:"MARIONETTE_PAYLOAD_GZIP,default=false"`
	Message  string   `env:"MARIONETTE_PAYLOAD_MESSAGE"`
	Commands []string `env:"MARIONETTE_PAYLOAD_COMMANDS,delimiter=;"`
}

// Load returns a Config populated from environment variables, falling back
// to the YAML file named by MARIONETTE_CONFIG and then to defaults.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, env envconfig.Lookuper) (Config, error) {
	lookuper := env
	if path, ok := env.Lookup("MARIONETTE_CONFIG"); ok && path != "" {
		values, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		lookuper = envconfig.MultiLookuper(env, envconfig.MapLookuper(values))
	}

	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error

	switch c.Mode {
	case "active", "inactive":
	default:
		errs = append(errs, fmt.Errorf("MARIONETTE_MODE must be active or inactive, got %q", c.Mode))
	}

	switch c.Store {
	case StoreDynamoDB:
		if c.Table == "" {
			errs = append(errs, errors.New("MARIONETTE_TABLE is required for the dynamodb store"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("MARIONETTE_STORE must be dynamodb or postgres, got %q", c.Store))
	}

	switch c.Queue {
	case QueueSQS:
		if c.QueueURL == "" {
			errs = append(errs, errors.New("MARIONETTE_QUEUE_URL is required for the sqs queue"))
		}
		if c.RestartDelay > maxSQSDelay {
			errs = append(errs, fmt.Errorf("MARIONETTE_RESTART_DELAY %s exceeds the sqs maximum of %s", c.RestartDelay, maxSQSDelay))
		}
	case QueueNATS:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("NATS_URL is required for the nats queue"))
		}
	case QueueNone:
	default:
		errs = append(errs, fmt.Errorf("MARIONETTE_QUEUE must be sqs, nats or none, got %q", c.Queue))
	}

	if c.RestartDelay < 0 || c.Settle < 0 {
		errs = append(errs, errors.New("restart delay and settle must not be negative"))
	}
	if c.PollInterval <= 0 || c.PollMaxAttempts <= 0 {
		errs = append(errs, errors.New("poll interval and max attempts must be positive"))
	}

	sources := 0
	for _, s := range []string{c.Payload.Inline, c.Payload.File, c.Payload.S3URI} {
		if s != "" {
			sources++
		}
	}
	if len(c.AgeRecipients) > 0 && c.AgeSecretKey == "" {
		errs = append(errs, errors.New("MARIONETTE_AGE_RECIPIENTS requires MARIONETTE_AGE_SECRET_KEY"))
	}

	if sources > 1 {
		errs = append(errs, errors.New("only one of payload inline, file and s3 uri may be set"))
	}

	return errors.Join(errs...)
}

type fileConfig struct {
	Mode  string `yaml:"mode"`
	Store string `yaml:"store"`
	Table string `yaml:"table"`
	Queue struct {
		Kind        string `yaml:"kind"`
		URL         string `yaml:"url"`
		NATSURL     string `yaml:"nats_url"`
		NATSSubject string `yaml:"nats_subject"`
	} `yaml:"queue"`
	DatabaseURL  string        `yaml:"database_url"`
	RestartDelay time.Duration `yaml:"restart_delay"`
	Settle       time.Duration `yaml:"settle"`
	Poll         struct {
		Interval    time.Duration `yaml:"interval"`
		MaxAttempts int           `yaml:"max_attempts"`
	} `yaml:"poll"`
	Payload struct {
		Inline   string   `yaml:"inline"`
		File     string   `yaml:"file"`
		S3URI    string   `yaml:"s3_uri"`
		Template bool     `yaml:"template"`
		Gzip     bool     `yaml:"gzip"`
		Message  string   `yaml:"message"`
		Commands []string `yaml:"commands"`
	} `yaml:"payload"`
	AWS struct {
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"aws"`
	Addr string `yaml:"addr"`
}

// readFile flattens the YAML file into the environment variable names it
// stands in for.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	values := map[string]string{}
	set := func(key, value string) {
		if value != "" {
			values[key] = value
		}
	}
	setDuration := func(key string, d time.Duration) {
		if d != 0 {
			values[key] = d.String()
		}
	}

	set("MARIONETTE_MODE", fc.Mode)
	set("MARIONETTE_STORE", fc.Store)
	set("MARIONETTE_TABLE", fc.Table)
	set("MARIONETTE_QUEUE", fc.Queue.Kind)
	set("MARIONETTE_QUEUE_URL", fc.Queue.URL)
	set("NATS_URL", fc.Queue.NATSURL)
	set("MARIONETTE_NATS_SUBJECT", fc.Queue.NATSSubject)
	set("DATABASE_URL", fc.DatabaseURL)
	setDuration("MARIONETTE_RESTART_DELAY", fc.RestartDelay)
	setDuration("MARIONETTE_SETTLE", fc.Settle)
	setDuration("MARIONETTE_POLL_INTERVAL", fc.Poll.Interval)
	if fc.Poll.MaxAttempts != 0 {
		values["MARIONETTE_POLL_MAX_ATTEMPTS"] = strconv.Itoa(fc.Poll.MaxAttempts)
	}
	set("MARIONETTE_PAYLOAD_INLINE", fc.Payload.Inline)
	set("MARIONETTE_PAYLOAD_FILE", fc.Payload.File)
	set("MARIONETTE_PAYLOAD_S3_URI", fc.Payload.S3URI)
	if fc.Payload.Template {
		values["MARIONETTE_PAYLOAD_TEMPLATE"] = "true"
	}
	if fc.Payload.Gzip {
		values["MARIONETTE_PAYLOAD_GZIP"] = "true"
	}
	set("MARIONETTE_PAYLOAD_MESSAGE", fc.Payload.Message)
	set("MARIONETTE_PAYLOAD_COMMANDS", strings.Join(fc.Payload.Commands, ";"))
	set("AWS_REGION", fc.AWS.Region)
	set("AWS_ENDPOINT_URL", fc.AWS.Endpoint)
	set("ADDR", fc.Addr)
	return values, nil
}
