package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// KnownCharacters lists the character identifiers the public service is
// known to offer. Used by [Validate] to warn about likely typos.
var KnownCharacters = []string{"maya", "miles"}

// Default returns a [Config] populated with the standard capture and gate
// parameters. Load starts from these defaults so a config file only needs to
// list the values it overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Character: "maya",
		},
		Audio: AudioConfig{
			SampleRate:       16000,
			BlockSize:        1024,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGain:         true,
		},
		Gate: GateConfig{
			Threshold:       500,
			SilenceRunLimit: 50,
		},
		LogLevel: LogInfo,
	}
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if cfg.Server.Token == "" {
		cfg.Server.Token = os.Getenv("SESAME_TOKEN")
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Server.URL == "" {
		errs = append(errs, errors.New("server.url is required"))
	} else if !strings.HasPrefix(cfg.Server.URL, "ws://") && !strings.HasPrefix(cfg.Server.URL, "wss://") {
		errs = append(errs, fmt.Errorf("server.url %q must use the ws:// or wss:// scheme", cfg.Server.URL))
	}

	if cfg.Server.Character == "" {
		errs = append(errs, errors.New("server.character is required"))
	} else if !slices.Contains(KnownCharacters, cfg.Server.Character) {
		slog.Warn("unknown character — may be a typo or a newly added character",
			"character", cfg.Server.Character,
			"known", KnownCharacters,
		)
	}

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", cfg.Audio.BlockSize))
	}

	if cfg.Gate.Threshold < 0 {
		errs = append(errs, fmt.Errorf("gate.threshold %.1f must not be negative", cfg.Gate.Threshold))
	}
	if cfg.Gate.SilenceRunLimit < 0 {
		errs = append(errs, fmt.Errorf("gate.silence_run_limit %d must not be negative", cfg.Gate.SilenceRunLimit))
	}

	if cfg.Server.Token == "" {
		slog.Warn("server.token is empty and SESAME_TOKEN is not set; the service may reject the connection")
	}

	return errors.Join(errs...)
}
