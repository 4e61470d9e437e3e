package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/divortio/wafu/internal/waf"
)

const inlineSeedSource = "inline-config"

// SeedDocument is the shape of one seed file: named global rules and routes
// keyed by their human-readable name, the id the seed loader assigns them.
type SeedDocument struct {
	Rules  map[string]waf.Rule  `koanf:"rules"`
	Routes map[string]waf.Route `koanf:"routes"`
}

// SeedSkip describes a seed definition the loader intentionally ignored
// because a later source redefined the same name.
type SeedSkip struct {
	Kind    string `json:"kind"` // "rule" or "route"
	Name    string `json:"name"`
	Reason  string `json:"reason"`
	Sources []string `json:"sources"`
}

// SeedBundle is the merged result of every configured seed source.
type SeedBundle struct {
	Rules   []waf.Rule
	Routes  []waf.Route
	Sources []string
	Skipped []SeedSkip
}

// LoadSeed reads the seed source named by seed (a single file or a folder
// of yaml/json/toml documents) and returns the merged bundle. An empty
// SeedConfig yields an empty bundle with no error.
func LoadSeed(ctx context.Context, seed SeedConfig) (SeedBundle, error) {
	agg := newSeedAggregator()

	if seed.SeedFile != "" {
		doc, err := loadSeedFile(seed.SeedFile)
		if err != nil {
			return SeedBundle{}, err
		}
		agg.addDocument(doc, seed.SeedFile)
		return agg.bundle(), nil
	}

	if seed.SeedFolder == "" {
		return agg.bundle(), nil
	}

	var paths []string
	err := filepath.WalkDir(seed.SeedFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if isSupportedSeedFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return SeedBundle{}, fmt.Errorf("config: walk seed folder %s: %w", seed.SeedFolder, err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		select {
		case <-ctx.Done():
			return SeedBundle{}, ctx.Err()
		default:
		}
		doc, err := loadSeedFile(path)
		if err != nil {
			return SeedBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	return agg.bundle(), nil
}

func isSupportedSeedFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
		return true
	default:
		return false
	}
}

func loadSeedFile(path string) (SeedDocument, error) {
	if _, err := os.Stat(path); err != nil {
		return SeedDocument{}, fmt.Errorf("config: stat seed file %s: %w", path, err)
	}

	k := koanf.New(".")
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		parser = kjson.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		parser = yaml.Parser()
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return SeedDocument{}, fmt.Errorf("config: load seed file %s: %w", path, err)
	}

	var doc SeedDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return SeedDocument{}, fmt.Errorf("config: decode seed file %s: %w", path, err)
	}
	return doc, nil
}

type seedAggregator struct {
	rules       map[string]waf.Rule
	ruleSources map[string]string
	ruleSkips   map[string]*SeedSkip

	routes       map[string]waf.Route
	routeSources map[string]string
	routeSkips   map[string]*SeedSkip

	sources map[string]struct{}
}

func newSeedAggregator() *seedAggregator {
	return &seedAggregator{
		rules:        make(map[string]waf.Rule),
		ruleSources:  make(map[string]string),
		ruleSkips:    make(map[string]*SeedSkip),
		routes:       make(map[string]waf.Route),
		routeSources: make(map[string]string),
		routeSkips:   make(map[string]*SeedSkip),
		sources:      make(map[string]struct{}),
	}
}

func (a *seedAggregator) addDocument(doc SeedDocument, source string) {
	if source == "" {
		source = inlineSeedSource
	}
	a.sources[source] = struct{}{}
	for name, rule := range doc.Rules {
		rule.ID = name
		if prior, ok := a.ruleSources[name]; ok && prior != source {
			a.recordRuleSkip(name, fmt.Sprintf("redefined by %s", source), prior)
		}
		a.rules[name] = rule
		a.ruleSources[name] = source
	}
	for name, route := range doc.Routes {
		route.ID = name
		if prior, ok := a.routeSources[name]; ok && prior != source {
			a.recordRouteSkip(name, fmt.Sprintf("redefined by %s", source), prior)
		}
		a.routes[name] = route
		a.routeSources[name] = source
	}
}

func (a *seedAggregator) recordRuleSkip(name, reason, source string) {
	if skip, ok := a.ruleSkips[name]; ok {
		skip.Sources = append(skip.Sources, source)
		return
	}
	a.ruleSkips[name] = &SeedSkip{Kind: "rule", Name: name, Reason: reason, Sources: []string{source}}
}

func (a *seedAggregator) recordRouteSkip(name, reason, source string) {
	if skip, ok := a.routeSkips[name]; ok {
		skip.Sources = append(skip.Sources, source)
		return
	}
	a.routeSkips[name] = &SeedSkip{Kind: "route", Name: name, Reason: reason, Sources: []string{source}}
}

func (a *seedAggregator) bundle() SeedBundle {
	b := SeedBundle{}
	for _, rule := range a.rules {
		b.Rules = append(b.Rules, rule)
	}
	for _, route := range a.routes {
		b.Routes = append(b.Routes, route)
	}
	sort.Slice(b.Rules, func(i, j int) bool { return b.Rules[i].ID < b.Rules[j].ID })
	sort.Slice(b.Routes, func(i, j int) bool { return b.Routes[i].ID < b.Routes[j].ID })
	for source := range a.sources {
		b.Sources = append(b.Sources, source)
	}
	sort.Strings(b.Sources)
	for _, skip := range a.ruleSkips {
		b.Skipped = append(b.Skipped, *skip)
	}
	for _, skip := range a.routeSkips {
		b.Skipped = append(b.Skipped, *skip)
	}
	return b
}
