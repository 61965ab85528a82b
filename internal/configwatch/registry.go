// Package configwatch hot-reloads the risk, scaling and trailing thresholds
// out of the same YAML configuration file the engine boots from, so an
// operator can tighten a margin threshold or a trailing distance without
// restarting the control loop. The broker connection, symbol list and other
// boot-time settings are not eligible for hot-reload; only the fields in
// Snapshot are re-read.
package configwatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"marginctl/internal/config"
	"marginctl/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
)

// Snapshot is the hot-reloadable slice of configuration.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Risk     config.RiskConfig
	Scaling  config.ScalingConfig
	Trailing config.TrailingConfig
}

// ChangeListener is invoked, off the reload goroutine, whenever a reload
// produces a new Snapshot. Listeners must not block.
type ChangeListener func(Snapshot)

// Registry watches a configuration file and keeps an in-memory Snapshot of
// its risk/scaling/trailing sections current.
type Registry struct {
	path       string
	schema     *jsonschema.Schema
	v          *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry loads path, validates it against schemaPath if non-empty, and
// starts watching path for changes. schemaPath may be empty to skip the
// extra jsonschema pass and rely solely on config.Load's own validation.
func NewRegistry(path, schemaPath string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("configwatch: registry requires a config path")
	}
	var schema *jsonschema.Schema
	if strings.TrimSpace(schemaPath) != "" {
		compiled, err := compileSchemaFile(schemaPath)
		if err != nil {
			return nil, fmt.Errorf("configwatch: compiling schema failed: %w", err)
		}
		schema = compiled
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("configwatch: read config failed: %w", err)
	}
	r := &Registry{path: path, schema: schema, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("configwatch: reload failed after %s: %v", evt.Name, err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// Snapshot returns the current risk/scaling/trailing configuration.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// OnChange registers a listener called after every successful reload.
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) reload() error {
	if r.schema != nil {
		if err := validateAgainstSchema(r.schema, r.v.AllSettings()); err != nil {
			return fmt.Errorf("configwatch: schema validation failed: %w", err)
		}
	}
	cfg, err := config.Load(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Risk:     cfg.Risk,
		Scaling:  cfg.Scaling,
		Trailing: cfg.Trailing,
	}
	r.mu.Unlock()
	logger.Infof("configwatch: reloaded risk/scaling/trailing from %s (version=%d)", r.path, r.snapshot.Version)
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := r.snapshot
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("configwatch listener")
			cb(snap)
		}(fn)
	}
}

func safeRecover(tag string) {
	if rec := recover(); rec != nil {
		logger.Errorf("%s panic: %v", tag, rec)
	}
}

func compileSchemaFile(path string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", strings.NewReader(schemaFileAsJSON(path))); err != nil {
		return nil, err
	}
	return compiler.Compile("config.schema.json")
}

// schemaFileAsJSON reads a YAML or JSON schema file into its JSON text form.
// jsonschema's compiler only accepts JSON; viper is used here purely as a
// YAML-to-map decoder so operators can author the schema in either format.
func schemaFileAsJSON(path string) string {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return "{}"
	}
	raw, err := json.Marshal(v.AllSettings())
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func validateAgainstSchema(schema *jsonschema.Schema, settings map[string]any) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
