// Package config loads lockstep configuration from a YAML file, an optional
// .env file and LOCKSTEP_* environment variables, in that order of
// precedence (environment wins).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/lockstep/internal/drain"
)

// Environment variables read by ApplyEnv.
const (
	EnvCoordinator   = "LOCKSTEP_COORDINATOR"
	EnvDB            = "LOCKSTEP_DB"
	EnvCheckpointDir = "LOCKSTEP_CHECKPOINT_DIR"
	EnvLogReplay     = "LOCKSTEP_LOG_REPLAY"
	EnvRedisAddr     = "LOCKSTEP_REDIS_ADDR"
)

const (
	DefaultCoordinatorPort  = 7779
	DefaultRestorePortStart = 9777
	DefaultRestorePortEnd   = 9977
)

// Config is the complete lockstep configuration.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Worker      WorkerConfig      `yaml:"worker"`
	Drain       DrainConfig       `yaml:"drain"`
	NameService NameServiceConfig `yaml:"nameservice"`
}

type CoordinatorConfig struct {
	// Listen is the coordinator HTTP address.
	Listen string `yaml:"listen" validate:"required,hostname_port"`
	// URL is where workers dial the coordinator websocket.
	URL              string        `yaml:"url" validate:"required,url"`
	DB               string        `yaml:"db" validate:"required"`
	CheckpointDir    string        `yaml:"checkpoint_dir" validate:"required"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" validate:"gt=0"`
	PhaseTimeout     time.Duration `yaml:"phase_timeout" validate:"gt=0"`
}

type WorkerConfig struct {
	ProcessID         string        `yaml:"process_id"`
	DB                string        `yaml:"db" validate:"required"`
	Mode              string        `yaml:"mode" validate:"oneof=record replay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	RestoreHost       string        `yaml:"restore_host"`
	RestorePortStart  int           `yaml:"restore_port_start" validate:"gte=0,lte=65535"`
	RestorePortEnd    int           `yaml:"restore_port_end" validate:"gtefield=RestorePortStart,lte=65535"`
}

type DrainConfig struct {
	Initial   time.Duration `yaml:"initial" validate:"gt=0"`
	Max       time.Duration `yaml:"max" validate:"gtefield=Initial"`
	Deadline  time.Duration `yaml:"deadline" validate:"gt=0"`
	WarnEvery int           `yaml:"warn_every" validate:"gt=0"`
}

// Policy converts the drain section to a drain.Policy.
func (d DrainConfig) Policy() drain.Policy {
	return drain.Policy{Initial: d.Initial, Max: d.Max, Deadline: d.Deadline, WarnEvery: d.WarnEvery}
}

type NameServiceConfig struct {
	Backend   string        `yaml:"backend" validate:"oneof=memory redis"`
	RedisAddr string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
	Prefix    string        `yaml:"prefix"`
	TTL       time.Duration `yaml:"ttl" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	p := drain.DefaultPolicy()
	listen := fmt.Sprintf("127.0.0.1:%d", DefaultCoordinatorPort)
	return &Config{
		Coordinator: CoordinatorConfig{
			Listen:           listen,
			URL:              "ws://" + listen + "/ws",
			DB:               "lockstep.db",
			CheckpointDir:    "checkpoints",
			HeartbeatTimeout: 10 * time.Second,
			PhaseTimeout:     30 * time.Second,
		},
		Worker: WorkerConfig{
			DB:                "lockstep-worker.db",
			Mode:              "record",
			HeartbeatInterval: 2 * time.Second,
			RestoreHost:       "127.0.0.1",
			RestorePortStart:  DefaultRestorePortStart,
			RestorePortEnd:    DefaultRestorePortEnd,
		},
		Drain: DrainConfig{
			Initial:   p.Initial,
			Max:       p.Max,
			Deadline:  p.Deadline,
			WarnEvery: p.WarnEvery,
		},
		NameService: NameServiceConfig{
			Backend: "memory",
			Prefix:  "lockstep",
			TTL:     24 * time.Hour,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then the .env file (if present), then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.Decode(f); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode overlays YAML onto cfg. Unknown keys are rejected.
func (c *Config) Decode(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// LoadDotEnv loads variables from the given .env files without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from the environment via lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := nonEmpty(lookup, EnvCoordinator); ok {
		if strings.Contains(v, "://") {
			c.Coordinator.URL = v
		} else {
			c.Coordinator.Listen = v
			c.Coordinator.URL = "ws://" + v + "/ws"
		}
	}
	if v, ok := nonEmpty(lookup, EnvDB); ok {
		c.Coordinator.DB = v
		c.Worker.DB = v
	}
	if v, ok := nonEmpty(lookup, EnvCheckpointDir); ok {
		c.Coordinator.CheckpointDir = v
	}
	if v, ok := nonEmpty(lookup, EnvLogReplay); ok {
		if ParseBoolString(v, false) {
			c.Worker.Mode = "replay"
		} else {
			c.Worker.Mode = "record"
		}
	}
	if v, ok := nonEmpty(lookup, EnvRedisAddr); ok {
		c.NameService.Backend = "redis"
		c.NameService.RedisAddr = v
	}
	return nil
}

func nonEmpty(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// ParseBoolString interprets common truthy and falsy spellings.
func ParseBoolString(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks every section.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", strings.TrimPrefix(fe.Namespace(), "Config."), message(fe)))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "field is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "hostname_port":
		return "must be host:port"
	case "url":
		return "must be a valid URL"
	case "gtefield":
		return fmt.Sprintf("must be >= %s", fe.Param())
	default:
		return fmt.Sprintf("validation failed: %s %s", fe.Tag(), fe.Param())
	}
}
