package config

import (
	"fmt"
	"strings"
)

// Config holds every server-level option the runtime needs at boot.
type Config struct {
	Server ServerConfig `koanf:"server"`
}

// ServerConfig collects the bootstrap knobs owned by the server lifecycle.
type ServerConfig struct {
	Listen      ListenConfig      `koanf:"listen"`
	Logging     LoggingConfig     `koanf:"logging"`
	Store       StoreConfig       `koanf:"store"`
	Predicate   PredicateConfig   `koanf:"predicate"`
	DecisionLog DecisionLogConfig `koanf:"decisionLog"`
	Seed        SeedConfig        `koanf:"seed"`
	Templates   TemplatesConfig   `koanf:"templates"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// StoreConfig points the tenant store manager at its SQLite data directory.
type StoreConfig struct {
	DataDir string `koanf:"dataDir"`
}

// PredicateConfig sizes the process-wide regex compile cache shared by
// every tenant store's evaluator.
type PredicateConfig struct {
	RegexCacheSize int `koanf:"regexCacheSize"`
}

// DecisionLogConfig sizes the bounded decision-event buffer and selects
// which external sink receives drained events.
type DecisionLogConfig struct {
	BufferCapacity int            `koanf:"bufferCapacity"`
	Sink           string         `koanf:"sink"` // memory|http|amqp
	HTTP           HTTPSinkConfig `koanf:"http"`
	AMQP           AMQPSinkConfig `koanf:"amqp"`
}

// HTTPSinkConfig configures the webhook decision-event sink.
type HTTPSinkConfig struct {
	URL               string `koanf:"url"`
	TimeoutSeconds    int    `koanf:"timeoutSeconds"`
	MaxElapsedSeconds int    `koanf:"maxElapsedSeconds"`
}

// AMQPSinkConfig configures the AMQP publisher decision-event sink.
type AMQPSinkConfig struct {
	URL        string `koanf:"url"`
	Exchange   string `koanf:"exchange"`
	RoutingKey string `koanf:"routingKey"`
}

// SeedConfig points the seed loader at the document(s) describing the
// global ruleset and routes used to bootstrap an empty global store.
type SeedConfig struct {
	SeedFile   string `koanf:"seedFile"`
	SeedFolder string `koanf:"seedFolder"`
}

// TemplatesConfig captures the block-response template sandbox root.
type TemplatesConfig struct {
	TemplatesFolder string `koanf:"templatesFolder"`
}

// Validate rejects configuration combinations the loader cannot reconcile
// before the server ever binds a listener.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: server.listen.port %d out of range", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Server.Store.DataDir) == "" {
		return fmt.Errorf("config: server.store.dataDir is required")
	}
	switch strings.ToLower(c.Server.DecisionLog.Sink) {
	case "memory", "":
	case "http":
		if c.Server.DecisionLog.HTTP.URL == "" {
			return fmt.Errorf("config: server.decisionLog.http.url is required when sink is http")
		}
	case "amqp":
		if c.Server.DecisionLog.AMQP.URL == "" {
			return fmt.Errorf("config: server.decisionLog.amqp.url is required when sink is amqp")
		}
	default:
		return fmt.Errorf("config: unsupported server.decisionLog.sink %q", c.Server.DecisionLog.Sink)
	}
	if c.Server.Seed.SeedFile != "" && c.Server.Seed.SeedFolder != "" {
		return fmt.Errorf("config: server.seed.seedFile and server.seed.seedFolder are mutually exclusive")
	}
	return nil
}

// DefaultConfig returns the built-in defaults applied before any file or
// environment override is layered on top.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Store:     StoreConfig{DataDir: "./data"},
			Predicate: PredicateConfig{RegexCacheSize: 1000},
			DecisionLog: DecisionLogConfig{
				BufferCapacity: 4096,
				Sink:           "memory",
				HTTP:           HTTPSinkConfig{TimeoutSeconds: 5, MaxElapsedSeconds: 30},
			},
			Templates: TemplatesConfig{TemplatesFolder: "./templates"},
		},
	}
}
