// Package authz evaluates whether a caller may act on an entity. It is
// invoked by the dispatcher before enqueueing and by every read path over
// modules and execution records. The gate performs no mutation; its only
// side effect is feeding denials of security-sensitive verbs into the
// audit recorder.
package authz

import (
	"github.com/SentinelIQ/SentinelCore/core"
)

// Verb is an action a caller can request on an entity type.
type Verb string

const (
	VerbView       Verb = "view"
	VerbCreate     Verb = "create"
	VerbUpdate     Verb = "update"
	VerbDeactivate Verb = "deactivate"
	VerbExecute    Verb = "execute"
	VerbManage     Verb = "manage"
)

// EntityType names the kinds of entities the matrix covers.
type EntityType string

const (
	EntityModule    EntityType = "module"
	EntityExecution EntityType = "execution"
	EntityAudit     EntityType = "audit"
)

// wildcard grants every verb on every entity type.
const wildcard Verb = "*"

// Matrix is the static role x entity-type -> verbs mapping. The tenant
// isolation rule is applied uniformly on top of it, with the superuser role
// bypassing the tenant match.
type Matrix map[core.Role]map[EntityType][]Verb

// DefaultMatrix mirrors the platform's role model: superuser (platform
// scope), admin and analyst (organization scope), read_only.
func DefaultMatrix() Matrix {
	return Matrix{
		core.RoleSuperuser: {
			EntityModule:    {wildcard},
			EntityExecution: {wildcard},
			EntityAudit:     {wildcard},
		},
		core.RoleAdmin: {
			EntityModule:    {VerbView, VerbCreate, VerbUpdate, VerbDeactivate, VerbExecute, VerbManage},
			EntityExecution: {VerbView, VerbExecute, VerbManage},
			EntityAudit:     {VerbView},
		},
		core.RoleAnalyst: {
			EntityModule:    {VerbView, VerbExecute},
			EntityExecution: {VerbView, VerbExecute},
		},
		core.RoleReadOnly: {
			EntityModule:    {VerbView},
			EntityExecution: {VerbView},
		},
	}
}

// Allows reports whether the matrix grants verb on entityType for role.
func (m Matrix) Allows(role core.Role, entityType EntityType, verb Verb) bool {
	verbs, ok := m[role][entityType]
	if !ok {
		return false
	}
	for _, v := range verbs {
		if v == wildcard || v == verb {
			return true
		}
	}
	return false
}

// sensitiveVerbs flags, per entity type, the verbs whose denials are fed
// into the audit recorder for security monitoring.
var sensitiveVerbs = map[EntityType]map[Verb]bool{
	EntityModule: {
		VerbCreate:     true,
		VerbUpdate:     true,
		VerbDeactivate: true,
		VerbExecute:    true,
		VerbManage:     true,
	},
	EntityExecution: {
		VerbExecute: true,
		VerbManage:  true,
	},
}

// Sensitive reports whether denial of verb on entityType must be audited.
func Sensitive(entityType EntityType, verb Verb) bool {
	return sensitiveVerbs[entityType][verb]
}
