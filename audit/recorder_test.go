package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/SentinelIQ/SentinelCore/audit"
	"github.com/SentinelIQ/SentinelCore/storage"
	"github.com/SentinelIQ/SentinelCore/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecordFillsDefaults(t *testing.T) {
	store := storage.NewMemoryAuditStore()
	rec := audit.NewRecorder(store, nil, zap.NewNop().Sugar())

	rec.Record(context.Background(), audit.Entry{
		Verb:       "create",
		EntityType: "module",
		EntityID:   "m-1",
	})

	entries := store.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.CreatedAt.IsZero())
	assert.Equal(t, "system", e.ActorName)
}

func TestRecordSanitizesChanges(t *testing.T) {
	store := storage.NewMemoryAuditStore()
	rec := audit.NewRecorder(store, []string{"session"}, zap.NewNop().Sugar())

	rec.Record(context.Background(), audit.Entry{
		Verb:       "update",
		EntityType: "module",
		EntityID:   "m-1",
		Changes: map[string]interface{}{
			"api_key": "sk-secret",
			"session": "s-1",
			"name":    "feed-a",
		},
		Metadata: map[string]interface{}{"token": "t"},
	})

	e := store.Entries()[0]
	assert.Equal(t, util.RedactionMarker, e.Changes["api_key"])
	assert.Equal(t, util.RedactionMarker, e.Changes["session"])
	assert.Equal(t, "feed-a", e.Changes["name"])
	assert.Equal(t, util.RedactionMarker, e.Metadata["token"])
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	store := storage.NewMemoryAuditStore()
	store.FailWrites = true
	rec := audit.NewRecorder(store, nil, zap.NewNop().Sugar())

	// Must not panic or surface the error to the caller.
	rec.Record(context.Background(), audit.Entry{Verb: "create", EntityType: "module"})
	assert.Empty(t, store.Entries())
}

func TestQueryFiltersByVerbAndTenant(t *testing.T) {
	store := storage.NewMemoryAuditStore()
	rec := audit.NewRecorder(store, nil, zap.NewNop().Sugar())
	ctx := context.Background()

	rec.Record(ctx, audit.Entry{Verb: "create", EntityType: "module", TenantID: "acme"})
	rec.Record(ctx, audit.Entry{Verb: "execute", EntityType: "module", TenantID: "acme"})
	rec.Record(ctx, audit.Entry{Verb: "create", EntityType: "module", TenantID: "globex"})

	entries, total, err := rec.Query(ctx, audit.Filters{TenantID: "acme", Verb: "create"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, entries, 1)
	assert.Equal(t, "acme", entries[0].TenantID)

	entries, _, err = rec.Query(ctx, audit.Filters{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
