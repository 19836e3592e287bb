// Package config loads protocore configuration from CUE or TOML files.
//
// Both formats are validated against the same embedded CUE schema, which
// also supplies the defaults. Unknown fields are rejected.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/BurntSushi/toml"
)

//go:embed schema.cue
var schemaSource string

// ErrUnsupportedFormat is returned for files that are neither .cue nor .toml.
var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// Config is the runtime configuration of the engine and its host process.
type Config struct {
	Database            string
	AttachmentsDir      string
	SASDigits           int
	Retry               Retry
	Engine              Engine
	NotificationWorkers int
	LogLevel            slog.Level
}

// Retry configures the failed-attempt counters.
type Retry struct {
	StandardDelay time.Duration
	MaximumDelay  time.Duration
}

// Engine configures the stepping engine.
type Engine struct {
	MaxStepsPerDrain int
}

// Default returns the configuration used when no file is given. It matches
// the schema defaults.
func Default() Config {
	return Config{
		Database:            "protocore.db",
		AttachmentsDir:      "attachments",
		SASDigits:           4,
		Retry:               Retry{StandardDelay: 500 * time.Millisecond, MaximumDelay: 30 * time.Minute},
		Engine:              Engine{MaxStepsPerDrain: 1000},
		NotificationWorkers: 5,
		LogLevel:            slog.LevelInfo,
	}
}

// raw mirrors the schema field names.
type raw struct {
	Database       string `json:"database"`
	AttachmentsDir string `json:"attachments_dir"`
	SASDigits      int    `json:"sas_digits"`
	Retry          struct {
		StandardDelay string `json:"standard_delay"`
		MaximumDelay  string `json:"maximum_delay"`
	} `json:"retry"`
	Engine struct {
		MaxStepsPerDrain int `json:"max_steps_per_drain"`
	} `json:"engine"`
	NotificationWorkers int    `json:"notification_workers"`
	LogLevel            string `json:"log_level"`
}

// Load reads and validates the file at path. The format is chosen by
// extension.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue":
		return parseCUE(data, path)
	case ".toml":
		return parseTOML(data, path)
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

func parseCUE(data []byte, filename string) (Config, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return Config{}, validationError(filename, err)
	}
	return fromCUE(ctx, v, filename)
}

func parseTOML(data []byte, filename string) (Config, error) {
	var m map[string]any
	if _, err := toml.Decode(string(data), &m); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", filename, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	ctx := cuecontext.New()
	v := ctx.Encode(m)
	if err := v.Err(); err != nil {
		return Config{}, validationError(filename, err)
	}
	return fromCUE(ctx, v, filename)
}

func fromCUE(ctx *cue.Context, user cue.Value, filename string) (Config, error) {
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile config schema: %w", err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(user)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, validationError(filename, err)
	}

	var r raw
	if err := v.Decode(&r); err != nil {
		return Config{}, validationError(filename, err)
	}
	return r.config(filename)
}

func (r raw) config(filename string) (Config, error) {
	standard, err := time.ParseDuration(r.Retry.StandardDelay)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: retry.standard_delay: %w", filename, err)
	}
	maximum, err := time.ParseDuration(r.Retry.MaximumDelay)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: retry.maximum_delay: %w", filename, err)
	}
	if standard <= 0 || maximum < standard {
		return Config{}, fmt.Errorf("config %s: retry delays must satisfy 0 < standard_delay <= maximum_delay", filename)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(r.LogLevel)); err != nil {
		return Config{}, fmt.Errorf("config %s: log_level: %w", filename, err)
	}

	return Config{
		Database:            r.Database,
		AttachmentsDir:      r.AttachmentsDir,
		SASDigits:           r.SASDigits,
		Retry:               Retry{StandardDelay: standard, MaximumDelay: maximum},
		Engine:              Engine{MaxStepsPerDrain: r.Engine.MaxStepsPerDrain},
		NotificationWorkers: r.NotificationWorkers,
		LogLevel:            level,
	}, nil
}

// validationError flattens CUE errors into one message with positions.
func validationError(filename string, err error) error {
	var lines []string
	for _, e := range cueerrors.Errors(err) {
		lines = append(lines, strings.TrimSpace(cueerrors.Details(e, nil)))
	}
	if len(lines) == 0 {
		return fmt.Errorf("config %s: %w", filename, err)
	}
	return fmt.Errorf("config %s: invalid:\n%s", filename, strings.Join(lines, "\n"))
}
