// Package config loads an engine.EngineOptions from YAML: a plain struct
// tree decoded with gopkg.in/yaml.v3, with a custom Duration type so option
// values like "retry_sleep: 5s" read naturally instead of as nanosecond
// integers.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/siskinc/scrapyengine"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "200ms" or "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// PluginRef names a requester/storage plugin and its arguments in YAML,
// mirroring engine.PluginSpec. Args is decoded as a generic map; a plugin's
// own PrepareForStart is responsible for interpreting it. The default
// "mysql" storage plugin accepts this map; the default "http" requester
// does not recognize a map and falls back to http.DefaultClient.
type PluginRef struct {
	Identifier string         `yaml:"identifier"`
	Args       map[string]any `yaml:"args"`
}

// StageOptions is the YAML shape of one stage's option list: known fields
// plus an arbitrary extra map for anything a custom StageFactory reads by
// its own key.
type StageOptions struct {
	WorkerNumber int               `yaml:"worker_number"`
	RetryMax     int               `yaml:"retry_max"`
	RetrySleep   Duration          `yaml:"retry_sleep"`
	PollInterval Duration          `yaml:"poll_interval"`
	Requester    *PluginRef        `yaml:"requester"`
	Storage      *PluginRef        `yaml:"storage"`
	Extra        map[string]any    `yaml:"extra"`
}

// EngineConfig is the YAML root: one engine's worth of EngineOptions.
type EngineConfig struct {
	Spider        string       `yaml:"spider"`
	LoadFromFile  string       `yaml:"load_from_file"`
	Downloader    StageOptions `yaml:"downloader"`
	SpiderStage   StageOptions `yaml:"spider_stage"`
	ItemProcessor StageOptions `yaml:"item_processor"`
}

// Load reads and parses path into an engine.EngineOptions.
func Load(path string) (engine.EngineOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.EngineOptions{}, err
	}
	return Parse(data)
}

// Parse decodes YAML bytes into an engine.EngineOptions.
func Parse(data []byte) (engine.EngineOptions, error) {
	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return engine.EngineOptions{}, fmt.Errorf("parse engine config: %w", err)
	}
	if cfg.Spider == "" {
		return engine.EngineOptions{}, fmt.Errorf("parse engine config: spider is required")
	}

	return engine.EngineOptions{
		Spider:               engine.SpiderID(cfg.Spider),
		LoadFromFile:         cfg.LoadFromFile,
		DownloaderOptions:    cfg.Downloader.toBundle(),
		SpiderOptions:        cfg.SpiderStage.toBundle(),
		ItemProcessorOptions: cfg.ItemProcessor.toBundle(),
	}, nil
}

func (s StageOptions) toBundle() []engine.Option {
	var opts []engine.Option
	if s.WorkerNumber != 0 {
		opts = append(opts, engine.Option{Key: "worker_number", Value: s.WorkerNumber})
	}
	if s.RetryMax != 0 {
		opts = append(opts, engine.Option{Key: "retry_max", Value: s.RetryMax})
	}
	if s.RetrySleep != 0 {
		opts = append(opts, engine.Option{Key: "retry_sleep", Value: s.RetrySleep.Duration()})
	}
	if s.PollInterval != 0 {
		opts = append(opts, engine.Option{Key: "poll_interval", Value: s.PollInterval.Duration()})
	}
	if s.Requester != nil {
		opts = append(opts, engine.Option{Key: engine.BundleKeyRequester, Value: engine.PluginSpec{
			Identifier: s.Requester.Identifier,
			Args:       s.Requester.Args,
		}})
	}
	if s.Storage != nil {
		opts = append(opts, engine.Option{Key: engine.BundleKeyStorage, Value: engine.PluginSpec{
			Identifier: s.Storage.Identifier,
			Args:       s.Storage.Args,
		}})
	}
	for k, v := range s.Extra {
		opts = append(opts, engine.Option{Key: k, Value: v})
	}
	return opts
}
