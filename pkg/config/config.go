// Package config loads the gateway configuration from a YAML file and
// GATEWAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/jensneuse/graphql-gateway/pkg/gateway/fetch"
	"github.com/jensneuse/graphql-gateway/pkg/gateway/registry"
)

const (
	DefaultConfigFile = "~/.graphql-gateway.yaml"
	EnvPrefix         = "GATEWAY"
)

const (
	PubSubDriverMemory = "memory"
	PubSubDriverNATS   = "nats"
	PubSubDriverRedis  = "redis"
	PubSubDriverKafka  = "kafka"
	PubSubDriverMQTT   = "mqtt"
)

var (
	ErrNoServices          = errors.New("config: at least one service is required")
	ErrServiceWithoutName  = errors.New("config: service without name")
	ErrServiceWithoutURL   = errors.New("config: service without url")
	ErrUnknownPubSubDriver = errors.New("config: unknown pubsub driver")
)

type Config struct {
	Listen             string              `mapstructure:"listen" yaml:"listen"`
	Path               string              `mapstructure:"path" yaml:"path"`
	PlaygroundPath     string              `mapstructure:"playgroundPath" yaml:"playgroundPath,omitempty"`
	MetricsListen      string              `mapstructure:"metricsListen" yaml:"metricsListen,omitempty"`
	DocumentCacheSize  int                 `mapstructure:"documentCacheSize" yaml:"documentCacheSize"`
	KeepAlive          time.Duration       `mapstructure:"keepAlive" yaml:"keepAlive"`
	ForwardHeaders     []string            `mapstructure:"forwardHeaders" yaml:"forwardHeaders,omitempty"`
	Retry              Retry               `mapstructure:"retry" yaml:"retry"`
	Log                Log                 `mapstructure:"log" yaml:"log"`
	PubSub             PubSub              `mapstructure:"pubsub" yaml:"pubsub"`
	LocalSubscriptions []LocalSubscription `mapstructure:"localSubscriptions" yaml:"localSubscriptions,omitempty"`
	Services           []Service           `mapstructure:"services" yaml:"services"`
}

type Retry struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Count    int           `mapstructure:"count" yaml:"count"`
}

type Log struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

type PubSub struct {
	Driver   string   `mapstructure:"driver" yaml:"driver"`
	URL      string   `mapstructure:"url" yaml:"url,omitempty"`
	Brokers  []string `mapstructure:"brokers" yaml:"brokers,omitempty"`
	ClientID string   `mapstructure:"clientId" yaml:"clientId,omitempty"`
}

// LocalSubscription serves a root subscription field from a pubsub topic
// instead of the owning service.
type LocalSubscription struct {
	Field string `mapstructure:"field" yaml:"field"`
	Topic string `mapstructure:"topic" yaml:"topic"`
}

type Service struct {
	Name                string                 `mapstructure:"name" yaml:"name"`
	URL                 string                 `mapstructure:"url" yaml:"url,omitempty"`
	URLs                []string               `mapstructure:"urls" yaml:"urls,omitempty"`
	WSURL               string                 `mapstructure:"wsUrl" yaml:"wsUrl,omitempty"`
	Mandatory           bool                   `mapstructure:"mandatory" yaml:"mandatory,omitempty"`
	AllowBatchedQueries bool                   `mapstructure:"allowBatchedQueries" yaml:"allowBatchedQueries,omitempty"`
	KeepAlive           time.Duration          `mapstructure:"keepAlive" yaml:"keepAlive,omitempty"`
	WSConnectionParams  map[string]interface{} `mapstructure:"wsConnectionParams" yaml:"wsConnectionParams,omitempty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "0.0.0.0:4000")
	v.SetDefault("path", "/graphql")
	v.SetDefault("playgroundPath", "/playground")
	v.SetDefault("documentCacheSize", 1024)
	v.SetDefault("keepAlive", 0)
	v.SetDefault("retry.interval", 5*time.Second)
	v.SetDefault("retry.count", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("pubsub.driver", PubSubDriverMemory)
	v.SetDefault("pubsub.clientId", "graphql-gateway")
}

// Load reads file, applies defaults and environment overrides and validates
// the result. An empty file loads defaults and environment only.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		path, err := homedir.Expand(file)
		if err != nil {
			return nil, fmt.Errorf("config: expanding %s: %w", file, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if len(c.Services) == 0 {
		return ErrNoServices
	}
	names := make(map[string]struct{}, len(c.Services))
	for i, service := range c.Services {
		if service.Name == "" {
			return fmt.Errorf("%w at index %d", ErrServiceWithoutName, i)
		}
		if _, ok := names[service.Name]; ok {
			return fmt.Errorf("config: duplicate service %s", service.Name)
		}
		names[service.Name] = struct{}{}

		urls := service.urls()
		if len(urls) == 0 {
			return fmt.Errorf("%w: %s", ErrServiceWithoutURL, service.Name)
		}
		for _, raw := range append(urls, service.WSURL) {
			if raw == "" {
				continue
			}
			if _, err := url.ParseRequestURI(raw); err != nil {
				return fmt.Errorf("config: service %s: %w", service.Name, err)
			}
		}
	}

	switch c.PubSub.Driver {
	case PubSubDriverMemory:
	case PubSubDriverNATS, PubSubDriverRedis, PubSubDriverMQTT:
		if c.PubSub.URL == "" {
			return fmt.Errorf("config: pubsub driver %s requires url", c.PubSub.Driver)
		}
	case PubSubDriverKafka:
		if len(c.PubSub.Brokers) == 0 {
			return fmt.Errorf("config: pubsub driver %s requires brokers", c.PubSub.Driver)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPubSubDriver, c.PubSub.Driver)
	}

	for _, local := range c.LocalSubscriptions {
		if local.Field == "" || local.Topic == "" {
			return fmt.Errorf("config: local subscription requires field and topic")
		}
	}
	if c.Retry.Interval < 0 || c.Retry.Count < 0 {
		return fmt.Errorf("config: negative retry settings")
	}
	return nil
}

// ServiceConfigs converts the services for the registry. Every service
// forwards the configured client headers.
func (c *Config) ServiceConfigs() []registry.ServiceConfig {
	configs := make([]registry.ServiceConfig, 0, len(c.Services))
	for _, service := range c.Services {
		config := registry.ServiceConfig{
			Name:                service.Name,
			URLs:                service.urls(),
			WSURL:               service.WSURL,
			Mandatory:           service.Mandatory,
			AllowBatchedQueries: service.AllowBatchedQueries,
			KeepAlive:           service.KeepAlive,
			WSConnectionParams:  service.WSConnectionParams,
		}
		if len(c.ForwardHeaders) > 0 {
			config.RewriteHeaders = fetch.ForwardHeaders(c.ForwardHeaders...)
		}
		configs = append(configs, config)
	}
	return configs
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (s Service) urls() []string {
	urls := make([]string, 0, len(s.URLs)+1)
	if s.URL != "" {
		urls = append(urls, s.URL)
	}
	return append(urls, s.URLs...)
}
