package core

import (
	"time"
)

// Stage identifies the pipeline phase a module belongs to.
type Stage string

const (
	StageFeed       Stage = "feed"
	StageEnrichment Stage = "enrichment"
	StageAnalysis   Stage = "analysis"
	StageResponse   Stage = "response"
	// StageNotification is a terminal side channel, not a module owner stage,
	// but it runs on its own queue like the others.
	StageNotification Stage = "notification"
)

// Stages lists every stage that owns a queue, in pipeline order.
var Stages = []Stage{StageFeed, StageEnrichment, StageAnalysis, StageResponse, StageNotification}

// Valid reports whether s names a known pipeline stage.
func (s Stage) Valid() bool {
	switch s {
	case StageFeed, StageEnrichment, StageAnalysis, StageResponse, StageNotification:
		return true
	}
	return false
}

// TriggerSource records what caused a run to be submitted.
type TriggerSource string

const (
	TriggerScheduled TriggerSource = "scheduled"
	TriggerManual    TriggerSource = "manual"
	TriggerChained   TriggerSource = "chained"
)

// RunStatus is the state of an execution record. Transitions are monotonic:
// pending -> running -> success|failed. Terminal states never regress.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed
}

// GlobalTenant is the owner scope of modules visible to every tenant.
const GlobalTenant = ""

// TenantScoped is implemented by every entity subject to tenant isolation.
type TenantScoped interface {
	// Tenant returns the owning tenant id, or GlobalTenant.
	Tenant() string
}

// Role is the caller's access level as resolved by the upstream auth layer.
type Role string

const (
	RoleSuperuser Role = "superuser"
	RoleAdmin     Role = "admin"
	RoleAnalyst   Role = "analyst"
	RoleReadOnly  Role = "read_only"
)

// Caller is the authenticated request context handed in by the API layer.
// It is passed unchanged into every authorization check.
type Caller struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	TenantID string `json:"tenant_id"`
}

// SystemCaller is used for scheduler-originated and chained submissions.
// It carries the tenant of the module being run so isolation still applies.
func SystemCaller(tenantID string) Caller {
	return Caller{Name: "system", Role: RoleSuperuser, TenantID: tenantID}
}

// IsSystem reports whether the caller is the internal scheduler/worker actor.
func (c Caller) IsSystem() bool {
	return c.ID == "" && c.Name == "system"
}

// Payload is the opaque data flowing between pipeline stages.
type Payload map[string]interface{}

// Module is a configured, pluggable unit of work belonging to one stage.
// Modules are never physically deleted while execution records reference
// them: deactivation is the terminal lifecycle state.
type Module struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
	Stage       Stage  `json:"stage" validate:"required"`

	// TenantID is the owner scope. GlobalTenant means the module is
	// readable by every tenant.
	TenantID string `json:"tenant_id"`

	// Handler selects the registered Runner implementation.
	Handler string `json:"handler" validate:"required"`

	// Config is the schema-validated key/value configuration blob.
	Config map[string]interface{} `json:"config"`

	// ConfigSchema is the JSON schema Config must satisfy. Empty means
	// any configuration is accepted.
	ConfigSchema string `json:"config_schema,omitempty"`

	// Reentrant permits overlapping runs. Non-reentrant modules reject a
	// new submission while a prior run is pending or running.
	Reentrant bool `json:"reentrant"`

	// CronSchedule, when set, registers the module for periodic runs.
	CronSchedule string `json:"cron_schedule,omitempty"`

	// ChainTo names the module submitted automatically when a run of
	// this module reaches success.
	ChainTo string `json:"chain_to,omitempty"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Cumulative counters, updated after each run.
	LastRun        *time.Time `json:"last_run,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	ErrorCount     int64      `json:"error_count"`
	TotalProcessed int64      `json:"total_processed"`
}

// Tenant implements TenantScoped.
func (m *Module) Tenant() string { return m.TenantID }

// Identity returns the module's stable id.
func (m *Module) Identity() string { return m.ID }

// Global reports whether the module is visible to all tenants.
func (m *Module) Global() bool { return m.TenantID == GlobalTenant }

// ExecutionRecord is the durable, single-identity log of one logical run of
// a module, including retries. The tenant context is copied at creation time
// so isolation queries stay correct even if the module's scope changes later.
type ExecutionRecord struct {
	ID         string        `json:"id"`
	ModuleID   string        `json:"module_id"`
	ModuleName string        `json:"module_name"`
	Stage      Stage         `json:"stage"`
	TenantID   string        `json:"tenant_id"`
	Trigger    TriggerSource `json:"trigger"`
	Status     RunStatus     `json:"status"`

	// Attempt is the authoritative retry counter. Queue redelivery resumes
	// from the last durably recorded value rather than restarting at zero.
	Attempt int `json:"attempt"`

	ItemCount int    `json:"item_count"`
	Log       string `json:"log,omitempty"`
	Error     string `json:"error,omitempty"`

	// TriggeredBy is the principal identity, empty for scheduled runs.
	TriggeredBy string `json:"triggered_by,omitempty"`

	Input  Payload `json:"input,omitempty"`
	Output Payload `json:"output,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// DurationSeconds is derived from StartedAt/CompletedAt.
	DurationSeconds float64 `json:"duration_seconds"`
}

// Tenant implements TenantScoped.
func (r *ExecutionRecord) Tenant() string { return r.TenantID }

// Identity returns the record id.
func (r *ExecutionRecord) Identity() string { return r.ID }

// AppendLog adds a line to the run's log buffer.
func (r *ExecutionRecord) AppendLog(line string) {
	if r.Log == "" {
		r.Log = line
		return
	}
	r.Log += "\n" + line
}
