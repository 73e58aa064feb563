// Package config loads xdcshop configuration.
//
// A config file is YAML. It is validated against the embedded CUE schema
// (schema.cue) before being decoded, so unknown keys and bad values are
// reported with their position in the file.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/xdcshop/internal/catalog"
	"github.com/roach88/xdcshop/internal/store"
	"github.com/roach88/xdcshop/internal/transport"
)

//go:embed schema.cue
var schemaCUE string

// DefaultDatabase is the SQLite file used when none is configured.
const DefaultDatabase = "xdcshop.db"

// Config is the complete client configuration.
type Config struct {
	Database  string    `yaml:"database"`
	Namespace string    `yaml:"namespace"`
	Transport Transport `yaml:"transport"`
	Lifecycle Lifecycle `yaml:"lifecycle"`
	Log       Log       `yaml:"log"`
}

// Transport configures the websocket connection.
type Transport struct {
	URL         string   `yaml:"url"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

// Lifecycle configures download handling.
type Lifecycle struct {
	Retry           string   `yaml:"retry"`
	DownloadTimeout Duration `yaml:"download_timeout"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a time.Duration written as "30s" or 0 in YAML.
type Duration time.Duration

// UnmarshalYAML accepts Go duration strings and a bare 0.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Value == "0" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database:  DefaultDatabase,
		Namespace: store.DefaultNamespace,
		Transport: Transport{DialTimeout: Duration(transport.DefaultDialTimeout)},
		Lifecycle: Lifecycle{Retry: catalog.RetryNever.String()},
		Log:       Log{Level: "info", Format: "text"},
	}
}

// Load reads and validates the file at path. An empty path returns Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse validates data against the schema and decodes it over Default.
// name is used in error positions.
func Parse(name string, data []byte) (*Config, error) {
	if err := Validate(name, data); err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config %s: %w", name, err)
	}
	return cfg, nil
}

// ValidationError is a schema violation with its source position.
type ValidationError struct {
	Message string
	Pos     token.Pos
}

func (e *ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// Validate checks a YAML document against the #Config schema.
func Validate(name string, data []byte) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	file, err := cueyaml.Extract(name, data)
	if err != nil {
		return formatCUEError(err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return formatCUEError(err)
	}

	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// formatCUEError keeps the first error and its position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	msg := first.Error()
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &ValidationError{Message: msg, Pos: positions[0]}
	}
	return &ValidationError{Message: msg}
}

// RetryPolicy returns the parsed lifecycle retry policy.
func (c *Config) RetryPolicy() (catalog.RetryPolicy, error) {
	return catalog.ParseRetryPolicy(c.Lifecycle.Retry)
}

// SlogLevel maps the configured level name to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
