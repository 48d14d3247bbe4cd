// Package registry owns the module catalog: registration, configuration
// validation, lookup, and lifecycle. Modules are never hard-deleted;
// deactivation is the terminal lifecycle operation so historical execution
// records always resolve their module.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/SentinelIQ/SentinelCore/audit"
	"github.com/SentinelIQ/SentinelCore/authz"
	"github.com/SentinelIQ/SentinelCore/core"
	"github.com/SentinelIQ/SentinelCore/storage"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// schemaCacheSize bounds the compiled JSON schema cache. Schemas are keyed
// by content hash, so modules sharing a schema share one compiled entry.
const schemaCacheSize = 256

// Registry is the authoritative module catalog. All mutations pass through
// the permission gate and emit exactly one audit entry on success.
type Registry struct {
	store   storage.ModuleStore
	gate    *authz.Gate
	auditor audit.Recorder
	logger  *zap.SugaredLogger

	validate    *validator.Validate
	schemaCache *lru.Cache[string, *gojsonschema.Schema]

	mu      sync.RWMutex
	runners map[string]core.Runner
}

// New creates a registry over the given store and gate.
func New(store storage.ModuleStore, gate *authz.Gate, auditor audit.Recorder, logger *zap.SugaredLogger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if auditor == nil {
		auditor = audit.NoopRecorder{}
	}
	cache, err := lru.New[string, *gojsonschema.Schema](schemaCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating schema cache: %w", err)
	}
	return &Registry{
		store:       store,
		gate:        gate,
		auditor:     auditor,
		logger:      logger,
		validate:    validator.New(),
		schemaCache: cache,
		runners:     make(map[string]core.Runner),
	}, nil
}

// RegisterRunner makes a handler implementation available to modules.
// Runner registration happens at process startup, before any module
// referencing the handler can be registered.
func (r *Registry) RegisterRunner(runner core.Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := runner.Handler()
	if name == "" {
		return fmt.Errorf("runner handler name empty: %w", core.ErrValidation)
	}
	if _, exists := r.runners[name]; exists {
		return fmt.Errorf("runner %q already registered: %w", name, core.ErrConflict)
	}
	r.runners[name] = runner
	r.logger.Infow("Runner registered", "handler", name)
	return nil
}

// Runner resolves a handler name to its implementation.
func (r *Registry) Runner(handler string) (core.Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[handler]
	if !ok {
		return nil, fmt.Errorf("handler %q: %w", handler, core.ErrNotFound)
	}
	return runner, nil
}

// Handlers returns the sorted-insensitive list of registered handler names.
func (r *Registry) Handlers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.runners))
	for name := range r.runners {
		out = append(out, name)
	}
	return out
}

// Register validates and persists a new module. The caller needs the create
// verb; non-superusers may only create modules in their own tenant.
func (r *Registry) Register(ctx context.Context, caller core.Caller, m *core.Module) (*core.Module, error) {
	if m == nil {
		return nil, fmt.Errorf("nil module: %w", core.ErrValidation)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.TenantID == core.GlobalTenant && caller.Role != core.RoleSuperuser {
		// Non-superusers register into their own tenant implicitly.
		m.TenantID = caller.TenantID
	}

	if err := r.gate.Authorize(ctx, caller, authz.VerbCreate, authz.EntityModule, m); err != nil {
		return nil, err
	}
	if err := r.validateModule(m); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.Active = true

	err := r.store.CreateModule(ctx, m)
	if errors.Is(err, storage.ErrDuplicateModule) && caller.Role != core.RoleSuperuser {
		// A caller-supplied id colliding with another tenant's module must
		// not surface as a conflict: that would leak the foreign module's
		// existence. Take a fresh id and retry once; what remains conflicting
		// after that is within the caller's own scope.
		if existing, getErr := r.store.GetModule(ctx, m.ID); getErr == nil && existing.TenantID != m.TenantID {
			m.ID = uuid.New().String()
			err = r.store.CreateModule(ctx, m)
		}
	}
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateModule) {
			return nil, fmt.Errorf("module %q exists in tenant scope: %w", m.Name, core.ErrConflict)
		}
		return nil, fmt.Errorf("persisting module: %w", err)
	}

	r.auditor.Record(ctx, audit.Entry{
		ActorID:    caller.ID,
		ActorName:  caller.Name,
		Verb:       "create",
		EntityType: string(authz.EntityModule),
		EntityID:   m.ID,
		EntityName: m.Name,
		TenantID:   m.TenantID,
		Changes: map[string]interface{}{
			"stage":   string(m.Stage),
			"handler": m.Handler,
			"config":  m.Config,
		},
	})
	r.logger.Infow("Module registered",
		"module_id", m.ID, "name", m.Name, "stage", m.Stage, "tenant_id", m.TenantID)
	return m, nil
}

// Get fetches one module visible to the caller. A module belonging to a
// different tenant is reported as not found, never as a permission error,
// so existence does not leak across tenant boundaries.
func (r *Registry) Get(ctx context.Context, caller core.Caller, id string) (*core.Module, error) {
	m, err := r.store.GetModule(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrModuleNotFound) {
			return nil, fmt.Errorf("module %q: %w", id, core.ErrNotFound)
		}
		return nil, err
	}
	if err := r.gate.Authorize(ctx, caller, authz.VerbView, authz.EntityModule, m); err != nil {
		return nil, fmt.Errorf("module %q: %w", id, core.ErrNotFound)
	}
	return m, nil
}

// List returns modules visible to the caller: its own tenant's plus the
// global ones. Superusers see everything, optionally narrowed by filters.
func (r *Registry) List(ctx context.Context, caller core.Caller, f storage.ModuleFilters) ([]*core.Module, error) {
	if err := r.gate.Authorize(ctx, caller, authz.VerbView, authz.EntityModule, nil); err != nil {
		return nil, err
	}
	if caller.Role != core.RoleSuperuser {
		f.TenantID = caller.TenantID
		f.IncludeGlobal = true
	}
	return r.store.ListModules(ctx, f)
}

// Update applies mutable fields of upd onto the stored module. Stage,
// handler, and tenant scope are fixed at registration; attempting to change
// them is a validation error rather than a silent ignore.
func (r *Registry) Update(ctx context.Context, caller core.Caller, upd *core.Module) (*core.Module, error) {
	existing, err := r.store.GetModule(ctx, upd.ID)
	if err != nil {
		if errors.Is(err, storage.ErrModuleNotFound) {
			return nil, fmt.Errorf("module %q: %w", upd.ID, core.ErrNotFound)
		}
		return nil, err
	}
	if err := r.gate.Authorize(ctx, caller, authz.VerbUpdate, authz.EntityModule, existing); err != nil {
		if caller.TenantID != "" && existing.TenantID != core.GlobalTenant && existing.TenantID != caller.TenantID {
			return nil, fmt.Errorf("module %q: %w", upd.ID, core.ErrNotFound)
		}
		return nil, err
	}

	if upd.Stage != "" && upd.Stage != existing.Stage {
		return nil, fmt.Errorf("stage is immutable: %w", core.ErrValidation)
	}
	if upd.Handler != "" && upd.Handler != existing.Handler {
		return nil, fmt.Errorf("handler is immutable: %w", core.ErrValidation)
	}
	if upd.TenantID != "" && upd.TenantID != existing.TenantID {
		return nil, fmt.Errorf("tenant scope is immutable: %w", core.ErrValidation)
	}

	changes := make(map[string]interface{})
	if upd.Name != "" && upd.Name != existing.Name {
		changes["name"] = map[string]interface{}{"from": existing.Name, "to": upd.Name}
		existing.Name = upd.Name
	}
	if upd.Description != existing.Description {
		changes["description"] = upd.Description
		existing.Description = upd.Description
	}
	if upd.ConfigSchema != "" && upd.ConfigSchema != existing.ConfigSchema {
		changes["config_schema"] = "updated"
		existing.ConfigSchema = upd.ConfigSchema
	}
	if upd.Config != nil {
		changes["config"] = upd.Config
		existing.Config = upd.Config
	}
	if upd.CronSchedule != existing.CronSchedule {
		changes["cron_schedule"] = map[string]interface{}{"from": existing.CronSchedule, "to": upd.CronSchedule}
		existing.CronSchedule = upd.CronSchedule
	}
	if upd.ChainTo != existing.ChainTo {
		changes["chain_to"] = map[string]interface{}{"from": existing.ChainTo, "to": upd.ChainTo}
		existing.ChainTo = upd.ChainTo
	}
	if upd.Reentrant != existing.Reentrant {
		changes["reentrant"] = upd.Reentrant
		existing.Reentrant = upd.Reentrant
	}
	if len(changes) == 0 {
		return existing, nil
	}

	if err := r.validateModule(existing); err != nil {
		return nil, err
	}
	if err := r.store.UpdateModule(ctx, existing); err != nil {
		return nil, fmt.Errorf("persisting module update: %w", err)
	}

	r.auditor.Record(ctx, audit.Entry{
		ActorID:    caller.ID,
		ActorName:  caller.Name,
		Verb:       "update",
		EntityType: string(authz.EntityModule),
		EntityID:   existing.ID,
		EntityName: existing.Name,
		TenantID:   existing.TenantID,
		Changes:    changes,
	})
	r.logger.Infow("Module updated", "module_id", existing.ID, "fields", len(changes))
	return existing, nil
}

// SetActive activates or deactivates a module. Deactivated modules stop
// being scheduled and reject new submissions; in-flight runs finish.
func (r *Registry) SetActive(ctx context.Context, caller core.Caller, id string, active bool) error {
	m, err := r.store.GetModule(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrModuleNotFound) {
			return fmt.Errorf("module %q: %w", id, core.ErrNotFound)
		}
		return err
	}
	if err := r.gate.Authorize(ctx, caller, authz.VerbDeactivate, authz.EntityModule, m); err != nil {
		if caller.TenantID != "" && m.TenantID != core.GlobalTenant && m.TenantID != caller.TenantID {
			return fmt.Errorf("module %q: %w", id, core.ErrNotFound)
		}
		return err
	}
	if m.Active == active {
		return nil
	}
	if err := r.store.SetModuleActive(ctx, id, active); err != nil {
		return fmt.Errorf("persisting active flag: %w", err)
	}

	verb := "deactivate"
	if active {
		verb = "activate"
	}
	r.auditor.Record(ctx, audit.Entry{
		ActorID:    caller.ID,
		ActorName:  caller.Name,
		Verb:       verb,
		EntityType: string(authz.EntityModule),
		EntityID:   m.ID,
		EntityName: m.Name,
		TenantID:   m.TenantID,
	})
	r.logger.Infow("Module active flag changed", "module_id", id, "active", active)
	return nil
}

// validateModule runs descriptor validation, handler resolution, and the
// config-against-schema check.
func (r *Registry) validateModule(m *core.Module) error {
	if err := r.validate.Struct(m); err != nil {
		return fmt.Errorf("module descriptor invalid: %v: %w", err, core.ErrValidation)
	}
	if !m.Stage.Valid() {
		return fmt.Errorf("unknown stage %q: %w", m.Stage, core.ErrValidation)
	}
	if _, err := r.Runner(m.Handler); err != nil {
		return fmt.Errorf("handler %q not registered: %w", m.Handler, core.ErrValidation)
	}
	if m.ChainTo == m.ID && m.ID != "" {
		return fmt.Errorf("module cannot chain to itself: %w", core.ErrValidation)
	}
	return r.ValidateConfig(m.ConfigSchema, m.Config)
}

// ValidateConfig checks a configuration blob against a JSON schema. An empty
// schema accepts any configuration.
func (r *Registry) ValidateConfig(schemaText string, config map[string]interface{}) error {
	schemaText = strings.TrimSpace(schemaText)
	if schemaText == "" {
		return nil
	}
	schema, err := r.compiledSchema(schemaText)
	if err != nil {
		return fmt.Errorf("config schema invalid: %v: %w", err, core.ErrValidation)
	}
	if config == nil {
		config = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("validating config: %v: %w", err, core.ErrValidation)
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("config rejected by schema: %s: %w", strings.Join(problems, "; "), core.ErrValidation)
	}
	return nil
}

// compiledSchema returns the compiled form of schemaText, caching by
// content hash.
func (r *Registry) compiledSchema(schemaText string) (*gojsonschema.Schema, error) {
	sum := sha256.Sum256([]byte(schemaText))
	key := hex.EncodeToString(sum[:])
	if cached, ok := r.schemaCache.Get(key); ok {
		return cached, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaText))
	if err != nil {
		return nil, err
	}
	r.schemaCache.Add(key, schema)
	return schema, nil
}
