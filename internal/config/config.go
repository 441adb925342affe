package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/measctl/internal/agent"
	"github.com/danmuck/measctl/internal/directory"
	"github.com/danmuck/measctl/internal/protocol/rrc"
	"github.com/danmuck/measctl/internal/scheduler"
	"github.com/danmuck/measctl/internal/trigger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	Controller ControllerConfig
	Session    agent.Config
	Tenants    []TenantConfig  `validate:"dive"`
	Triggers   []TriggerConfig `validate:"dive"`
}

type ControllerConfig struct {
	ID              string        `toml:"id" validate:"required"`
	AgentAddr       string        `toml:"agent_addr" validate:"required,listen_addr"`
	HTTPAddr        string        `toml:"http_addr" validate:"omitempty,listen_addr"`
	Schedule        string        `toml:"schedule" validate:"required,cron_spec"`
	CORSOrigins     []string      `toml:"cors_origins" validate:"dive,url"`
	CallbackTimeout time.Duration `toml:"callback_timeout" validate:"gt=0"`
}

type TenantConfig struct {
	ID   string     `toml:"id"`
	Name string     `toml:"name" validate:"required"`
	UEs  []UEConfig `toml:"ues" validate:"dive"`
}

type UEConfig struct {
	IMSI  uint64 `toml:"imsi" validate:"required"`
	RNTI  uint16 `toml:"rnti"`
	ENBID uint32 `toml:"enb_id"`
	Cell  uint16 `toml:"cell_id"`
}

// TriggerConfig preloads one trigger at startup. Tenant refers to a tenant
// by id or name.
type TriggerConfig struct {
	Tenant       string            `toml:"tenant" validate:"required"`
	IMSI         uint64            `toml:"imsi" validate:"required"`
	Callback     string            `toml:"callback" validate:"omitempty,url"`
	Measurements []rrc.Measurement `toml:"measurements"`
}

// Default returns a runnable single-node configuration without tenants.
func Default() Config {
	return Config{
		Controller: ControllerConfig{
			ID:              "measctl",
			AgentAddr:       ":4433",
			HTTPAddr:        ":8888",
			Schedule:        "@every 2s",
			CORSOrigins:     []string{},
			CallbackTimeout: 5 * time.Second,
		},
		Session: agent.DefaultConfig(),
	}
}

// fileConfig mirrors the on-disk layout. Nil pointers are keys the file
// leaves unset; those keep their Default value.
type fileConfig struct {
	Controller struct {
		ID              *string  `toml:"id"`
		AgentAddr       *string  `toml:"agent_addr"`
		HTTPAddr        *string  `toml:"http_addr"`
		Schedule        *string  `toml:"schedule"`
		CORSOrigins     []string `toml:"cors_origins"`
		CallbackTimeout *string  `toml:"callback_timeout"`
	} `toml:"controller"`
	Session struct {
		ReadTimeout       *string `toml:"read_timeout"`
		WriteTimeout      *string `toml:"write_timeout"`
		HeartbeatInterval *string `toml:"heartbeat_interval"`
		DeadAfter         *string `toml:"dead_after"`
		OutboxSize        *int    `toml:"outbox_size"`
		MaxFrameBytes     *uint32 `toml:"max_frame_bytes"`
	} `toml:"session"`
	Tenants  []TenantConfig  `toml:"tenants"`
	Triggers []TriggerConfig `toml:"triggers"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over Default, assigns ids to tenants that have none
// and validates the result.
func Parse(data []byte) (Config, error) {
	var raw fileConfig
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}

	cfg := Default()
	if err := raw.apply(&cfg); err != nil {
		return Config{}, err
	}
	for i := range cfg.Tenants {
		raw := strings.TrimSpace(cfg.Tenants[i].ID)
		if raw == "" {
			cfg.Tenants[i].ID = uuid.NewString()
			continue
		}
		if id, err := uuid.Parse(raw); err == nil {
			cfg.Tenants[i].ID = id.String()
		}
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (raw fileConfig) apply(cfg *Config) error {
	c := raw.Controller
	if c.ID != nil {
		cfg.Controller.ID = strings.TrimSpace(*c.ID)
	}
	if c.AgentAddr != nil {
		cfg.Controller.AgentAddr = strings.TrimSpace(*c.AgentAddr)
	}
	if c.HTTPAddr != nil {
		cfg.Controller.HTTPAddr = strings.TrimSpace(*c.HTTPAddr)
	}
	if c.Schedule != nil {
		cfg.Controller.Schedule = strings.TrimSpace(*c.Schedule)
	}
	if c.CORSOrigins != nil {
		cfg.Controller.CORSOrigins = slices.Clone(c.CORSOrigins)
	}

	durations := []struct {
		key string
		raw *string
		dst *time.Duration
	}{
		{"controller.callback_timeout", c.CallbackTimeout, &cfg.Controller.CallbackTimeout},
		{"session.read_timeout", raw.Session.ReadTimeout, &cfg.Session.ReadTimeout},
		{"session.write_timeout", raw.Session.WriteTimeout, &cfg.Session.WriteTimeout},
		{"session.heartbeat_interval", raw.Session.HeartbeatInterval, &cfg.Session.HeartbeatInterval},
		{"session.dead_after", raw.Session.DeadAfter, &cfg.Session.DeadAfter},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(*d.raw))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, d.key, err)
		}
		*d.dst = v
	}
	if raw.Session.OutboxSize != nil {
		cfg.Session.OutboxSize = *raw.Session.OutboxSize
	}
	if raw.Session.MaxFrameBytes != nil {
		cfg.Session.MaxFrameBytes = *raw.Session.MaxFrameBytes
	}

	cfg.Tenants = raw.Tenants
	cfg.Triggers = raw.Triggers
	return nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
			if name == "" || name == "-" {
				return strings.ToLower(fld.Name)
			}
			return name
		})
		_ = validate.RegisterValidation("listen_addr", func(fl validator.FieldLevel) bool {
			return validListenAddr(fl.Field().String())
		})
		_ = validate.RegisterValidation("cron_spec", func(fl validator.FieldLevel) bool {
			_, err := scheduler.Parse(fl.Field().String())
			return err == nil
		})
	})
	return validate
}

func validListenAddr(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 0 && n <= 65535
}

// Validate checks field formats, cross references between triggers and
// tenants, and the session transport settings.
func Validate(cfg Config) error {
	if err := configValidator().Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		problems := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			ns := fe.Namespace()
			if _, rest, ok := strings.Cut(ns, "."); ok {
				ns = rest
			}
			problems = append(problems, fmt.Sprintf("%s failed %s", ns, fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	if err := cfg.Session.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	ids := make(map[string]bool, len(cfg.Tenants))
	names := make(map[string]bool, len(cfg.Tenants))
	for i, t := range cfg.Tenants {
		id := strings.ToLower(strings.TrimSpace(t.ID))
		if id != "" {
			if _, err := uuid.Parse(id); err != nil {
				return fmt.Errorf("%w: tenants[%d]: id %q is not a uuid", ErrInvalidConfig, i, t.ID)
			}
		}
		if id != "" && ids[id] {
			return fmt.Errorf("%w: tenants[%d]: duplicate id %s", ErrInvalidConfig, i, t.ID)
		}
		if names[t.Name] {
			return fmt.Errorf("%w: tenants[%d]: duplicate name %q", ErrInvalidConfig, i, t.Name)
		}
		ids[id] = true
		names[t.Name] = true

		imsis := make(map[uint64]bool, len(t.UEs))
		for j, ue := range t.UEs {
			if imsis[ue.IMSI] {
				return fmt.Errorf("%w: tenants[%d].ues[%d]: duplicate imsi %d", ErrInvalidConfig, i, j, ue.IMSI)
			}
			imsis[ue.IMSI] = true
		}
	}

	for i, tr := range cfg.Triggers {
		if _, ok := cfg.TenantByRef(tr.Tenant); !ok {
			return fmt.Errorf("%w: triggers[%d]: unknown tenant %q", ErrInvalidConfig, i, tr.Tenant)
		}
		if err := rrc.CheckMeasurementCount(len(tr.Measurements)); err != nil {
			return fmt.Errorf("%w: triggers[%d]: %v", ErrInvalidConfig, i, err)
		}
	}
	return nil
}

// TenantByRef resolves a tenant by id, then by name.
func (c Config) TenantByRef(ref string) (TenantConfig, bool) {
	ref = strings.TrimSpace(ref)
	for _, t := range c.Tenants {
		if t.ID != "" && strings.EqualFold(t.ID, ref) {
			return t, true
		}
	}
	for _, t := range c.Tenants {
		if t.Name == ref {
			return t, true
		}
	}
	return TenantConfig{}, false
}

func (u UEConfig) UE() directory.UE {
	return directory.UE{IMSI: u.IMSI, RNTI: u.RNTI, ENBID: u.ENBID, Cell: u.Cell}
}

// Params builds the trigger parameters for worker, bound to tenantID.
func (t TriggerConfig) Params(worker string, tenantID uuid.UUID) trigger.Params {
	p := trigger.Params{
		trigger.ParamModuleType:   trigger.ModuleType,
		trigger.ParamWorker:       worker,
		trigger.ParamTenantID:     tenantID.String(),
		trigger.ParamIMSI:         t.IMSI,
		trigger.ParamMeasurements: slices.Clone(t.Measurements),
	}
	if t.Callback != "" {
		p[trigger.ParamCallback] = t.Callback
	}
	return p
}
