package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective configuration snapshot.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		var parser koanf.Parser = yaml.Parser()
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			parser = kjson.Parser()
		case ".toml":
			parser = toml.Parser()
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.store.datadir":             "server.store.dataDir",
			"server.predicate.regexcachesize":  "server.predicate.regexCacheSize",
			"server.decisionlog.buffercapacity": "server.decisionLog.bufferCapacity",
			"server.decisionlog.sink":           "server.decisionLog.sink",
			"server.decisionlog.http.url":       "server.decisionLog.http.url",
			"server.decisionlog.amqp.url":       "server.decisionLog.amqp.url",
			"server.decisionlog.amqp.exchange":  "server.decisionLog.amqp.exchange",
			"server.decisionlog.http.timeoutseconds":    "server.decisionLog.http.timeoutSeconds",
			"server.decisionlog.http.maxelapsedseconds": "server.decisionLog.http.maxElapsedSeconds",
			"server.decisionlog.amqp.routingkey":        "server.decisionLog.amqp.routingKey",
			"server.seed.seedfile":             "server.seed.seedFile",
			"server.seed.seedfolder":           "server.seed.seedFolder",
			"server.templates.templatesfolder": "server.templates.templatesFolder",
			"server.logging.correlationheader": "server.logging.correlationHeader",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path
			// (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap
// provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"store": map[string]any{
				"dataDir": cfg.Server.Store.DataDir,
			},
			"predicate": map[string]any{
				"regexCacheSize": cfg.Server.Predicate.RegexCacheSize,
			},
			"decisionLog": map[string]any{
				"bufferCapacity": cfg.Server.DecisionLog.BufferCapacity,
				"sink":           cfg.Server.DecisionLog.Sink,
				"http": map[string]any{
					"url":               cfg.Server.DecisionLog.HTTP.URL,
					"timeoutSeconds":    cfg.Server.DecisionLog.HTTP.TimeoutSeconds,
					"maxElapsedSeconds": cfg.Server.DecisionLog.HTTP.MaxElapsedSeconds,
				},
				"amqp": map[string]any{
					"url":        cfg.Server.DecisionLog.AMQP.URL,
					"exchange":   cfg.Server.DecisionLog.AMQP.Exchange,
					"routingKey": cfg.Server.DecisionLog.AMQP.RoutingKey,
				},
			},
			"seed": map[string]any{
				"seedFile":   cfg.Server.Seed.SeedFile,
				"seedFolder": cfg.Server.Seed.SeedFolder,
			},
			"templates": map[string]any{
				"templatesFolder": cfg.Server.Templates.TemplatesFolder,
			},
		},
	}
}
