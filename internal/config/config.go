// Package config loads, validates and persists the rewriter settings: the
// list of file updates and the poll frequency. Settings are stored as JSON
// (canonical) or YAML, chosen by file extension.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tripwire/rewriter/internal/transform"
)

const (
	// DefaultPollFrequency is used when the settings do not set one.
	DefaultPollFrequency = 2 * time.Second
	// MinPollFrequency is the floor applied on every load.
	MinPollFrequency = time.Second
)

// ErrNoRules is returned by operations that need at least one valid rule.
var ErrNoRules = errors.New("config: no valid file updates configured")

// ErrEmptyFilePath marks a file update without a file path.
var ErrEmptyFilePath = errors.New("file path is empty")

// FileUpdate is one persisted search/replace rule.
type FileUpdate struct {
	FilePath       string `json:"FilePath,omitempty" yaml:"FilePath,omitempty" mapstructure:"FilePath"`
	SearchPattern  string `json:"SearchPattern,omitempty" yaml:"SearchPattern,omitempty" mapstructure:"SearchPattern"`
	ReplacePattern string `json:"ReplacePattern,omitempty" yaml:"ReplacePattern,omitempty" mapstructure:"ReplacePattern"`
}

// Settings is the persisted document.
type Settings struct {
	// FileUpdates lists the rules in the order they are applied.
	FileUpdates []FileUpdate `mapstructure:"FileUpdates"`

	// PollFrequency is the interval of the polling scan. Zero means
	// DefaultPollFrequency.
	PollFrequency time.Duration `mapstructure:"PollFrequency"`
}

// wireSettings is the sparse on-disk shape written by Marshal.
type wireSettings struct {
	FileUpdates   []FileUpdate `json:"FileUpdates,omitempty" yaml:"FileUpdates,omitempty"`
	PollFrequency string       `json:"PollFrequency,omitempty" yaml:"PollFrequency,omitempty"`
}

// RuleError reports a file update that could not be turned into a rule.
type RuleError struct {
	// Index is the position of the entry in FileUpdates.
	Index    int
	FilePath string
	Err      error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("FileUpdates[%d] (%s): %v", e.Index, e.FilePath, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// Config is the effective configuration: the settings with defaults applied
// and every valid file update compiled into a rule. A Config is never
// mutated after it has been built.
type Config struct {
	Settings

	// Rules holds one compiled rule per valid file update, in order.
	Rules []*transform.Rule
	// Rejected lists the file updates excluded from Rules.
	Rejected []*RuleError
}

// Any reports whether at least one rule is usable.
func (c *Config) Any() bool { return len(c.Rules) > 0 }

// Validate returns the joined rule errors, or nil when every file update
// compiled.
func (c *Config) Validate() error {
	errs := make([]error, len(c.Rejected))
	for i, r := range c.Rejected {
		errs[i] = r
	}
	return errors.Join(errs...)
}

// Compile applies defaults to s and compiles its file updates. A malformed
// entry is excluded on its own; the remaining entries are kept.
func Compile(s Settings) *Config {
	applyDefaults(&s)

	cfg := &Config{Settings: s}
	for i, fu := range s.FileUpdates {
		if strings.TrimSpace(fu.FilePath) == "" {
			cfg.Rejected = append(cfg.Rejected, &RuleError{Index: i, Err: ErrEmptyFilePath})
			continue
		}
		rule, err := transform.NewRule(fu.FilePath, fu.SearchPattern, fu.ReplacePattern)
		if err != nil {
			cfg.Rejected = append(cfg.Rejected, &RuleError{Index: i, FilePath: fu.FilePath, Err: err})
			continue
		}
		cfg.Rules = append(cfg.Rules, rule)
	}
	return cfg
}

// applyDefaults fills in the poll frequency and clamps it to the floor.
func applyDefaults(s *Settings) {
	switch {
	case s.PollFrequency == 0:
		s.PollFrequency = DefaultPollFrequency
	case s.PollFrequency < MinPollFrequency:
		s.PollFrequency = MinPollFrequency
	}
}

// Format returns "yaml" for .yaml/.yml paths and "json" otherwise.
func Format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// Parse decodes settings in the given format ("json" or "yaml"). Empty or
// whitespace-only input yields default settings.
func Parse(data []byte, format string) (Settings, error) {
	var s Settings
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}

	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return Settings{}, fmt.Errorf("config: parse %s: %w", format, err)
	}

	hook := viper.DecodeHook(mapstructure.DecodeHookFuncType(durationHook))
	if err := v.Unmarshal(&s, hook); err != nil {
		return Settings{}, fmt.Errorf("config: decode %s: %w", format, err)
	}
	return s, nil
}

// Marshal encodes s sparsely: empty fields and a default poll frequency are
// omitted.
func Marshal(s Settings, format string) ([]byte, error) {
	w := wireSettings{FileUpdates: s.FileUpdates}
	if s.PollFrequency != 0 && s.PollFrequency != DefaultPollFrequency {
		w.PollFrequency = FormatDuration(s.PollFrequency)
	}

	if format == "yaml" {
		data, err := yaml.Marshal(&w)
		if err != nil {
			return nil, fmt.Errorf("config: encode yaml: %w", err)
		}
		return data, nil
	}

	data, err := json.MarshalIndent(&w, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("config: encode json: %w", err)
	}
	return append(data, '\n'), nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// durationHook decodes a poll frequency from a time-span string, a Go
// duration string or a number of seconds.
func durationHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return ParseDuration(v)
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return data, nil
	}
}
