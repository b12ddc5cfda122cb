package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] when the corresponding field is unset.
const (
	DefaultCurlPath   = "/usr/bin/curl"
	DefaultFFmpegPath = "/usr/bin/ffmpeg"
	DefaultStopLevel  = 3
	DefaultStopQuorum = 3
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in unset fields that have sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Voice.CurlPath == "" {
		cfg.Voice.CurlPath = DefaultCurlPath
	}
	if cfg.Voice.FFmpegPath == "" {
		cfg.Voice.FFmpegPath = DefaultFFmpegPath
	}
	if cfg.Voice.Volume == 0 {
		cfg.Voice.Volume = 1.0
	}
	if cfg.AntiSpam.StopLevel == 0 {
		cfg.AntiSpam.StopLevel = DefaultStopLevel
	}
	if cfg.AntiSpam.StopQuorum == 0 {
		cfg.AntiSpam.StopQuorum = DefaultStopQuorum
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Voice transport
	if cfg.Voice.Host == "" {
		errs = append(errs, errors.New("voice.host is required"))
	}
	if cfg.Voice.Port < 1 || cfg.Voice.Port > 65535 {
		errs = append(errs, fmt.Errorf("voice.port %d is out of range [1, 65535]", cfg.Voice.Port))
	}
	if cfg.Voice.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("voice.sample_rate %d must be positive", cfg.Voice.SampleRate))
	}
	if cfg.Voice.Volume < 0 {
		errs = append(errs, fmt.Errorf("voice.volume %.2f must not be negative", cfg.Voice.Volume))
	}
	if cfg.Voice.Volume > 4 {
		slog.Warn("voice.volume is unusually high; clips will likely clip", "volume", cfg.Voice.Volume)
	}
	for i, mh := range cfg.Voice.MediaHosts {
		if len(mh.Hosts) == 0 {
			errs = append(errs, fmt.Errorf("voice.media_hosts[%d].hosts must not be empty", i))
		}
		if mh.CookieJar == "" {
			errs = append(errs, fmt.Errorf("voice.media_hosts[%d].cookie_jar is required", i))
		}
	}

	// Moderation policy
	if cfg.AntiSpam.StopQuorum < 1 {
		errs = append(errs, fmt.Errorf("antispam.stop_quorum %d must be at least 1", cfg.AntiSpam.StopQuorum))
	}
	for level, tier := range cfg.AntiSpam.Tiers {
		prefix := fmt.Sprintf("antispam.tiers[%d]", level)
		if tier.TotalTime < 0 {
			errs = append(errs, fmt.Errorf("%s.total_time %.1f must not be negative", prefix, tier.TotalTime))
		}
		if tier.DelayFactor < 0 {
			errs = append(errs, fmt.Errorf("%s.delay_factor %.2f must not be negative", prefix, tier.DelayFactor))
		}
		if level >= cfg.AntiSpam.ImmunityLevel && cfg.AntiSpam.ImmunityLevel > 0 {
			slog.Warn("tier is at or above the immunity level and will never be consulted", "level", level, "immunity_level", cfg.AntiSpam.ImmunityLevel)
		}
	}

	// Commands
	for name, cmd := range cfg.Commands {
		prefix := fmt.Sprintf("commands[%s]", name)
		if len(cmd.Triggers) == 0 {
			errs = append(errs, fmt.Errorf("%s.triggers must not be empty", prefix))
		}
		for i, trig := range cmd.Triggers {
			switch {
			case trig.Command == "" && trig.Pattern == "":
				errs = append(errs, fmt.Errorf("%s.triggers[%d]: one of command or pattern is required", prefix, i))
			case trig.Command != "" && trig.Pattern != "":
				errs = append(errs, fmt.Errorf("%s.triggers[%d]: command and pattern are mutually exclusive", prefix, i))
			case trig.Pattern != "":
				if _, err := regexp.Compile(trig.Pattern); err != nil {
					errs = append(errs, fmt.Errorf("%s.triggers[%d].pattern: %w", prefix, i, err))
				}
				if trig.StartsWith {
					errs = append(errs, fmt.Errorf("%s.triggers[%d]: starts_with has no effect on pattern triggers", prefix, i))
				}
			}
		}
	}

	return errors.Join(errs...)
}
