package authz

import (
	"context"
	"fmt"

	"github.com/SentinelIQ/SentinelCore/audit"
	"github.com/SentinelIQ/SentinelCore/core"
	"github.com/SentinelIQ/SentinelCore/metrics"
	"go.uber.org/zap"
)

// Gate enforces the permission matrix plus the tenant-isolation rule.
// It fails closed: any ambiguity, such as a caller with no resolvable
// tenant attempting a tenant-scoped verb, is a denial.
type Gate struct {
	matrix   Matrix
	recorder audit.Recorder
	logger   *zap.SugaredLogger
}

// NewGate builds a gate over the given matrix. The recorder receives
// denials of security-sensitive verbs; pass audit.NoopRecorder{} to disable.
func NewGate(matrix Matrix, recorder audit.Recorder, logger *zap.SugaredLogger) *Gate {
	if matrix == nil {
		matrix = DefaultMatrix()
	}
	if recorder == nil {
		recorder = audit.NoopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Gate{matrix: matrix, recorder: recorder, logger: logger}
}

// Authorize evaluates caller/verb/entity and returns nil when allowed,
// core.ErrPermission otherwise. Evaluation order: role -> matrix verbs ->
// tenant isolation, with superuser short-circuiting the tenant match.
//
// Global modules are readable and executable by every tenant, but mutating
// verbs (update, deactivate, manage) on global entities stay superuser-only.
func (g *Gate) Authorize(ctx context.Context, caller core.Caller, verb Verb, entityType EntityType, entity core.TenantScoped) error {
	if caller.Role == "" {
		return g.deny(ctx, caller, verb, entityType, entity, "no resolvable role")
	}

	if !g.matrix.Allows(caller.Role, entityType, verb) {
		return g.deny(ctx, caller, verb, entityType, entity, "verb not granted to role")
	}

	if caller.Role == core.RoleSuperuser {
		return nil
	}

	if entity == nil {
		// Collection-level verbs (create, list) have no entity to match;
		// they still require a resolvable tenant context.
		if caller.TenantID == "" {
			return g.deny(ctx, caller, verb, entityType, entity, "no resolvable tenant")
		}
		return nil
	}

	entityTenant := entity.Tenant()
	if entityTenant == core.GlobalTenant {
		switch verb {
		case VerbView, VerbExecute:
			return nil
		default:
			return g.deny(ctx, caller, verb, entityType, entity, "global entity requires superuser for mutation")
		}
	}

	if caller.TenantID == "" {
		return g.deny(ctx, caller, verb, entityType, entity, "no resolvable tenant")
	}
	if caller.TenantID != entityTenant {
		return g.deny(ctx, caller, verb, entityType, entity, "tenant mismatch")
	}
	return nil
}

// deny logs, optionally audits, and returns the permission error.
func (g *Gate) deny(ctx context.Context, caller core.Caller, verb Verb, entityType EntityType, entity core.TenantScoped, reason string) error {
	metrics.PermissionDenials.WithLabelValues(string(entityType), string(verb)).Inc()
	g.logger.Warnw("Authorization denied",
		"caller", caller.Name,
		"role", caller.Role,
		"tenant_id", caller.TenantID,
		"verb", verb,
		"entity_type", entityType,
		"reason", reason)

	if Sensitive(entityType, verb) {
		entityID := ""
		if identified, ok := entity.(interface{ Identity() string }); ok {
			entityID = identified.Identity()
		}
		g.recorder.Record(ctx, audit.Entry{
			ActorID:    caller.ID,
			ActorName:  caller.Name,
			Verb:       "deny_" + string(verb),
			EntityType: string(entityType),
			EntityID:   entityID,
			TenantID:   caller.TenantID,
			Metadata:   map[string]interface{}{"reason": reason},
		})
	}

	return fmt.Errorf("%s %s: %w", verb, entityType, core.ErrPermission)
}
