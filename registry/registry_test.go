package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/SentinelIQ/SentinelCore/audit"
	"github.com/SentinelIQ/SentinelCore/authz"
	"github.com/SentinelIQ/SentinelCore/core"
	"github.com/SentinelIQ/SentinelCore/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.MemoryAuditStore) {
	t.Helper()
	auditStore := storage.NewMemoryAuditStore()
	recorder := audit.NewRecorder(auditStore, nil, zap.NewNop().Sugar())
	gate := authz.NewGate(authz.DefaultMatrix(), recorder, zap.NewNop().Sugar())
	reg, err := New(storage.NewMemoryModuleStore(), gate, recorder, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, reg.RegisterRunner(core.RunnerFunc{
		Name: "noop",
		Fn: func(ctx context.Context, cfg map[string]interface{}, in core.Payload) (int, core.Payload, error) {
			return 0, nil, nil
		},
	}))
	return reg, auditStore
}

func testModule(tenant string) *core.Module {
	return &core.Module{
		Name:     "abuse-ch-feed",
		Stage:    core.StageFeed,
		TenantID: tenant,
		Handler:  "noop",
		Config:   map[string]interface{}{"url": "https://feeds.example.com/v1"},
	}
}

func admin(tenant string) core.Caller {
	return core.Caller{ID: "u1", Name: "alice", Role: core.RoleAdmin, TenantID: tenant}
}

func TestRegisterAndGet(t *testing.T) {
	reg, auditStore := newTestRegistry(t)
	ctx := context.Background()
	caller := admin("acme")

	m, err := reg.Register(ctx, caller, testModule("acme"))
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.True(t, m.Active)
	assert.False(t, m.CreatedAt.IsZero())

	got, err := reg.Get(ctx, caller, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "abuse-ch-feed", got.Name)

	entries := auditStore.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "create", entries[0].Verb)
	assert.Equal(t, m.ID, entries[0].EntityID)
}

func TestRegisterDuplicateName(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	caller := admin("acme")

	_, err := reg.Register(ctx, caller, testModule("acme"))
	require.NoError(t, err)

	_, err = reg.Register(ctx, caller, testModule("acme"))
	assert.ErrorIs(t, err, core.ErrConflict)
}

func TestRegisterForeignIDCollisionMasked(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first := testModule("acme")
	first.ID = "fixed-id"
	_, err := reg.Register(ctx, admin("acme"), first)
	require.NoError(t, err)

	// Another tenant supplying the same id must not learn the id is taken;
	// the module is registered under a fresh id instead.
	second := testModule("zeta")
	second.ID = "fixed-id"
	created, err := reg.Register(ctx, admin("zeta"), second)
	require.NoError(t, err)
	assert.NotEqual(t, "fixed-id", created.ID)

	// Within the same tenant an id collision is a genuine conflict.
	third := testModule("acme")
	third.ID = "fixed-id"
	third.Name = "another-feed"
	_, err = reg.Register(ctx, admin("acme"), third)
	assert.ErrorIs(t, err, core.ErrConflict)
}

func TestRegisterUnknownHandler(t *testing.T) {
	reg, _ := newTestRegistry(t)
	m := testModule("acme")
	m.Handler = "missing"
	_, err := reg.Register(context.Background(), admin("acme"), m)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestRegisterInvalidStage(t *testing.T) {
	reg, _ := newTestRegistry(t)
	m := testModule("acme")
	m.Stage = "exfiltration"
	_, err := reg.Register(context.Background(), admin("acme"), m)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestConfigSchemaValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	caller := admin("acme")

	schema := `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string"},
			"interval_minutes": {"type": "integer", "minimum": 1}
		}
	}`

	m := testModule("acme")
	m.ConfigSchema = schema
	m.Config = map[string]interface{}{"url": "https://feeds.example.com", "interval_minutes": 30}
	_, err := reg.Register(ctx, caller, m)
	require.NoError(t, err)

	bad := testModule("acme")
	bad.Name = "bad-feed"
	bad.ConfigSchema = schema
	bad.Config = map[string]interface{}{"interval_minutes": 0}
	_, err = reg.Register(ctx, caller, bad)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestCrossTenantGetIsNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	m, err := reg.Register(ctx, admin("acme"), testModule("acme"))
	require.NoError(t, err)

	_, err = reg.Get(ctx, admin("globex"), m.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NotErrorIs(t, err, core.ErrPermission)
}

func TestGlobalModuleVisibleToAllTenants(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	su := core.Caller{ID: "root", Name: "root", Role: core.RoleSuperuser}

	m, err := reg.Register(ctx, su, testModule(core.GlobalTenant))
	require.NoError(t, err)

	got, err := reg.Get(ctx, admin("acme"), m.ID)
	require.NoError(t, err)
	assert.True(t, got.Global())

	// Mutation of a global module stays superuser-only.
	got.Description = "tweaked"
	_, err = reg.Update(ctx, admin("acme"), got)
	assert.Error(t, err)
}

func TestListScopedToTenantPlusGlobal(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	su := core.Caller{ID: "root", Name: "root", Role: core.RoleSuperuser}

	_, err := reg.Register(ctx, su, testModule(core.GlobalTenant))
	require.NoError(t, err)
	acme := testModule("acme")
	acme.Name = "acme-feed"
	_, err = reg.Register(ctx, admin("acme"), acme)
	require.NoError(t, err)
	globex := testModule("globex")
	globex.Name = "globex-feed"
	_, err = reg.Register(ctx, admin("globex"), globex)
	require.NoError(t, err)

	mods, err := reg.List(ctx, admin("acme"), storage.ModuleFilters{})
	require.NoError(t, err)
	require.Len(t, mods, 2)
	for _, m := range mods {
		assert.NotEqual(t, "globex", m.TenantID)
	}

	all, err := reg.List(ctx, su, storage.ModuleFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUpdateImmutableFields(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	caller := admin("acme")

	m, err := reg.Register(ctx, caller, testModule("acme"))
	require.NoError(t, err)

	upd := *m
	upd.Stage = core.StageResponse
	_, err = reg.Update(ctx, caller, &upd)
	assert.ErrorIs(t, err, core.ErrValidation)

	upd = *m
	upd.TenantID = "globex"
	_, err = reg.Update(ctx, caller, &upd)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestUpdateEmitsAuditWithChanges(t *testing.T) {
	reg, auditStore := newTestRegistry(t)
	ctx := context.Background()
	caller := admin("acme")

	m, err := reg.Register(ctx, caller, testModule("acme"))
	require.NoError(t, err)

	upd := *m
	upd.CronSchedule = "*/15 * * * *"
	_, err = reg.Update(ctx, caller, &upd)
	require.NoError(t, err)

	entries := auditStore.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "update", entries[1].Verb)
	assert.Contains(t, entries[1].Changes, "cron_schedule")
}

func TestDeactivateIsIdempotentAndAudited(t *testing.T) {
	reg, auditStore := newTestRegistry(t)
	ctx := context.Background()
	caller := admin("acme")

	m, err := reg.Register(ctx, caller, testModule("acme"))
	require.NoError(t, err)

	require.NoError(t, reg.SetActive(ctx, caller, m.ID, false))
	// Second deactivate is a no-op with no second audit entry.
	require.NoError(t, reg.SetActive(ctx, caller, m.ID, false))

	got, err := reg.Get(ctx, caller, m.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	deactivations := 0
	for _, e := range auditStore.Entries() {
		if e.Verb == "deactivate" {
			deactivations++
		}
	}
	assert.Equal(t, 1, deactivations)
}

func TestReadOnlyCannotMutate(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	ro := core.Caller{ID: "u9", Name: "bob", Role: core.RoleReadOnly, TenantID: "acme"}

	_, err := reg.Register(ctx, ro, testModule("acme"))
	assert.ErrorIs(t, err, core.ErrPermission)
}

func TestLoadManifestDir(t *testing.T) {
	reg, _ := newTestRegistry(t)
	dir := t.TempDir()

	manifest := `modules:
  - name: urlhaus-feed
    stage: feed
    handler: noop
    cron_schedule: "0 * * * *"
    config:
      url: https://urlhaus.example.com/export
  - name: geoip-enricher
    stage: enrichment
    handler: noop
    reentrant: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "modules.yml"), []byte(manifest), 0o644))

	n, err := reg.LoadManifestDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Reloading is idempotent.
	n, err = reg.LoadManifestDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
