package pkg

import (
	"strings"
	"time"

	"flowcron/pkg/utils"

	"github.com/go-playground/validator/v10"
	"github.com/imdario/mergo"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// @formatter:off
/// [config-docs]
type Config struct {
	// If true, enable debug logs
	Debug bool `mapstructure:"debug"`

	// Settings for the internal API server
	Server ServerConfig `mapstructure:"server"`

	// Connection settings for the schedule/execution database
	Database *DatabaseConfig `mapstructure:"database" validate:"required"`

	// Trigger queue settings
	Queue QueueConfig `mapstructure:"queue"`

	// Dispatch cycle settings
	Dispatch DispatchConfig `mapstructure:"dispatch"`

	// Worker runtime settings
	Worker WorkerConfig `mapstructure:"worker"`

	// Workflow executor settings
	Workflow WorkflowConfig `mapstructure:"workflow"`

	// Where the dispatcher fetches its schedule candidate set from
	ScheduleSource ScheduleSourceConfig `mapstructure:"scheduleSource"`

	// Shared-secret authentication for the internal API
	Service ServiceAuthConfig `mapstructure:"service"`
}

type ServerConfig struct {
	// HTTP port the internal API listens on
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`
}

type QueueConfig struct {
	// Redis connection URL, e.g. `redis://localhost:6379/0`
	URL string `mapstructure:"url" validate:"required"`

	// Key prefix, lets multiple deployments share one Redis
	Namespace string `mapstructure:"namespace" validate:"required"`

	// How long a received trigger stays invisible before it is
	// redelivered to another worker
	VisibilityTimeout time.Duration `mapstructure:"visibilityTimeout" validate:"required"`

	// Long-poll duration of a single receive
	ReceiveWait time.Duration `mapstructure:"receiveWait" validate:"required"`
}

type DispatchConfig struct {
	// Length of the firing window; matches the period at which the
	// dispatcher binary is invoked externally
	Window time.Duration `mapstructure:"window" validate:"required"`

	// Upper bound for a whole dispatch cycle
	CycleTimeout time.Duration `mapstructure:"cycleTimeout" validate:"required"`
}

type WorkerConfig struct {
	// Grace period granted by the host orchestrator between the
	// termination signal and the hard kill
	GracePeriod time.Duration `mapstructure:"gracePeriod" validate:"required,gtfield=ShutdownBuffer"`

	// Safety margin subtracted from the grace period; the shutdown
	// recording must finish within gracePeriod-shutdownBuffer
	ShutdownBuffer time.Duration `mapstructure:"shutdownBuffer" validate:"required"`
}

type WorkflowConfig struct {
	// Base URL of the workflow executor
	BaseURL string `mapstructure:"baseURL" validate:"required,url"`

	// Timeout of a single workflow execution request
	RequestTimeout time.Duration `mapstructure:"requestTimeout" validate:"required"`

	// How many times a failed request is retried before the error
	// is recorded as the run outcome
	RetryMax int `mapstructure:"retryMax"`
}

type ScheduleSourceConfig struct {
	// Base URL of the internal API serving the schedule set
	BaseURL string `mapstructure:"baseURL" validate:"required,url"`

	// Timeout of a single schedule fetch
	RequestTimeout time.Duration `mapstructure:"requestTimeout" validate:"required"`

	// Retries for the schedule fetch; a fetch that still fails aborts
	// the whole cycle
	RetryMax int `mapstructure:"retryMax"`
}

/// [config-docs]
// @formatter:on

var validate = validator.New()

const defaultServiceKey = "flowcron-dev-key"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8585,
		},
		Database: &DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			DbName:   "flowcron",
			Username: stringPtr("postgres"),
			Options: map[string]string{
				"sslmode": "disable",
			},
		},
		Queue: QueueConfig{
			URL:               "redis://localhost:6379/0",
			Namespace:         "flowcron",
			VisibilityTimeout: 2 * time.Minute,
			ReceiveWait:       20 * time.Second,
		},
		Dispatch: DispatchConfig{
			Window:       DefaultDispatchWindow,
			CycleTimeout: 50 * time.Second,
		},
		Worker: WorkerConfig{
			GracePeriod:    30 * time.Second,
			ShutdownBuffer: 5 * time.Second,
		},
		Workflow: WorkflowConfig{
			BaseURL:        "http://localhost:5678",
			RequestTimeout: 30 * time.Second,
			RetryMax:       2,
		},
		ScheduleSource: ScheduleSourceConfig{
			BaseURL:        "http://localhost:8585",
			RequestTimeout: 10 * time.Second,
			RetryMax:       2,
		},
		Service: ServiceAuthConfig{
			// Local development key; production deployments provide their
			// own via `service.keys`, e.g. with the ENV{FC_SERVICE_KEY} syntax
			Keys: []*utils.StringFromEnvVar{
				utils.NewStringFromEnvVar(defaultServiceKey),
			},
		},
	}
}

var defaultDecodeHook = mapstructure.ComposeDecodeHookFunc(
	// Default
	mapstructure.StringToTimeDurationHookFunc(),
	mapstructure.StringToSliceHookFunc(","),

	// Custom
	utils.StringToStringFromEnvVarHookFunc(),
)

// Keys commonly overridden per environment, bound explicitly so they work
// without appearing in a config file
var configEnvBoundKeys = []string{
	"debug",
	"server.port",
	"database.host",
	"database.port",
	"database.dbName",
	"database.username",
	"database.password",
	"queue.url",
	"queue.namespace",
	"workflow.baseURL",
	"scheduleSource.baseURL",
}

func LoadConfig(filename string) (*Config, error) {
	myViper := viper.New()

	myViper.SetEnvPrefix("FC")
	myViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	myViper.AutomaticEnv()
	for _, key := range configEnvBoundKeys {
		myViper.MustBindEnv(key)
	}

	if filename != "" {
		myViper.SetConfigFile(filename)
	} else {
		myViper.SetConfigName("config")
		myViper.SetConfigType("yaml")
		myViper.AddConfigPath(".")
		myViper.AddConfigPath("./config")
	}

	if err := myViper.ReadInConfig(); err != nil {
		// A missing config file is fine when none was named explicitly:
		// defaults and env vars are enough for local development
		var notFound viper.ConfigFileNotFoundError
		if filename != "" || !errors.As(err, &notFound) {
			return nil, errors.WithMessage(err, "failed to load config")
		}
	}

	config := new(Config)

	if err := myViper.Unmarshal(config,
		// Lets us decode custom configuration types
		viper.DecodeHook(defaultDecodeHook),
		// Env-var overrides arrive as strings
		func(dc *mapstructure.DecoderConfig) {
			dc.WeaklyTypedInput = true
		},
	); err != nil {
		return nil, errors.WithMessage(err, "failed to unmarshal config")
	}

	if err := mergo.Merge(config, defaultConfig()); err != nil {
		return nil, errors.WithMessage(err, "failed to merge default config")
	}

	if err := validate.Struct(config); err != nil {
		return nil, errors.WithMessage(err, "failed to validate config")
	}

	return config, nil
}

func MustLoadConfig(filename string) *Config {
	config, err := LoadConfig(filename)
	if err != nil {
		logrus.WithError(err).Fatalf("failed to load config")
	}
	return config
}

func stringPtr(value string) *string {
	return &value
}
