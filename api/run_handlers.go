package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/SentinelIQ/SentinelCore/audit"
	"github.com/SentinelIQ/SentinelCore/authz"
	"github.com/SentinelIQ/SentinelCore/core"
	"github.com/SentinelIQ/SentinelCore/storage"
	"github.com/gorilla/mux"
)

// submitRun accepts a manual run request and returns 202 with the pending
// record; execution proceeds asynchronously on the stage queue.
func (a *API) submitRun(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var body struct {
		Input core.Payload `json:"input"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}

	rec, err := a.dispatcher.Submit(r.Context(), caller, mux.Vars(r)["id"], core.TriggerManual, body.Input)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, rec, http.StatusAccepted)
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	rec, err := a.dispatcher.GetRun(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, rec, http.StatusOK)
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	limit, offset := paginationParams(r, 50, 500)
	filters := storage.ExecutionFilters{
		ModuleID: q.Get("module_id"),
		Status:   core.RunStatus(q.Get("status")),
		Trigger:  core.TriggerSource(q.Get("trigger")),
		Stage:    core.Stage(q.Get("stage")),
		Limit:    limit,
		Offset:   offset,
	}
	if caller.Role == core.RoleSuperuser {
		filters.TenantID = q.Get("tenant_id")
	}
	if since := q.Get("since"); since != "" {
		if ts, err := time.Parse(time.RFC3339, since); err == nil {
			filters.Since = ts
		}
	}

	runs, total, err := a.dispatcher.ListRuns(r.Context(), caller, filters)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, map[string]interface{}{
		"runs":   runs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	}, http.StatusOK)
}

func (a *API) cancelRun(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	id := mux.Vars(r)["id"]
	if err := a.dispatcher.Cancel(r.Context(), caller, id); err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, map[string]string{"id": id, "status": string(core.RunFailed)}, http.StatusOK)
}

// listAuditEntries exposes the audit trail. Non-superusers only see their
// own tenant's entries; a caller with no resolvable tenant is denied by the
// gate rather than given an unscoped read.
func (a *API) listAuditEntries(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if err := a.gate.Authorize(r.Context(), caller, authz.VerbView, authz.EntityAudit, nil); err != nil {
		a.respondError(w, err)
		return
	}

	q := r.URL.Query()
	limit, offset := paginationParams(r, 100, 1000)
	filters := audit.Filters{
		ActorID:    q.Get("actor_id"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Verb:       q.Get("verb"),
		Limit:      limit,
		Offset:     offset,
	}
	if caller.Role == core.RoleSuperuser {
		filters.TenantID = q.Get("tenant_id")
	} else {
		filters.TenantID = caller.TenantID
	}

	entries, total, err := a.auditQ.Query(r.Context(), filters)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, map[string]interface{}{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	}, http.StatusOK)
}
