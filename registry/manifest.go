package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/SentinelIQ/SentinelCore/core"
	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk bulk registration format. Operators drop manifest
// files in the modules directory and the loader registers everything at
// startup under the system principal.
type Manifest struct {
	Modules []ManifestModule `yaml:"modules"`
}

// ManifestModule is one module descriptor in a manifest file.
type ManifestModule struct {
	ID           string                 `yaml:"id"`
	Name         string                 `yaml:"name"`
	Description  string                 `yaml:"description"`
	Stage        string                 `yaml:"stage"`
	TenantID     string                 `yaml:"tenant_id"`
	Handler      string                 `yaml:"handler"`
	Config       map[string]interface{} `yaml:"config"`
	ConfigSchema string                 `yaml:"config_schema"`
	Reentrant    bool                   `yaml:"reentrant"`
	CronSchedule string                 `yaml:"cron_schedule"`
	ChainTo      string                 `yaml:"chain_to"`
}

// LoadManifestFile parses one manifest file.
func LoadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return &m, nil
}

// LoadManifestDir registers every module from every *.yml/*.yaml file under
// dir. Modules already present are skipped, so the loader is idempotent
// across restarts. Returns the number registered.
func (r *Registry) LoadManifestDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Debugw("Module manifest directory absent, skipping", "dir", dir)
			return 0, nil
		}
		return 0, fmt.Errorf("reading manifest dir %s: %w", dir, err)
	}

	registered := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		manifest, err := LoadManifestFile(path)
		if err != nil {
			r.logger.Errorw("Skipping unreadable manifest", "path", path, "error", err)
			continue
		}
		n, err := r.applyManifest(ctx, manifest)
		registered += n
		if err != nil {
			r.logger.Errorw("Manifest applied with errors", "path", path, "registered", n, "error", err)
		}
	}
	r.logger.Infow("Module manifests loaded", "dir", dir, "registered", registered)
	return registered, nil
}

// applyManifest registers each module, continuing past per-module failures.
func (r *Registry) applyManifest(ctx context.Context, manifest *Manifest) (int, error) {
	registered := 0
	var firstErr error
	for i := range manifest.Modules {
		mm := &manifest.Modules[i]
		mod := &core.Module{
			ID:           mm.ID,
			Name:         mm.Name,
			Description:  mm.Description,
			Stage:        core.Stage(mm.Stage),
			TenantID:     mm.TenantID,
			Handler:      mm.Handler,
			Config:       mm.Config,
			ConfigSchema: mm.ConfigSchema,
			Reentrant:    mm.Reentrant,
			CronSchedule: mm.CronSchedule,
			ChainTo:      mm.ChainTo,
		}
		caller := core.SystemCaller(mod.TenantID)
		if _, err := r.Register(ctx, caller, mod); err != nil {
			if errors.Is(err, core.ErrConflict) {
				continue
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("module %q: %w", mm.Name, err)
			}
			r.logger.Warnw("Manifest module rejected", "name", mm.Name, "error", err)
			continue
		}
		registered++
	}
	return registered, firstErr
}
