package api

import (
	"encoding/json"
	"net/http"

	"github.com/SentinelIQ/SentinelCore/core"
	"github.com/SentinelIQ/SentinelCore/storage"
	"github.com/gorilla/mux"
)

// moduleRequest is the create/update payload.
type moduleRequest struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Stage        string                 `json:"stage"`
	TenantID     string                 `json:"tenant_id"`
	Handler      string                 `json:"handler"`
	Config       map[string]interface{} `json:"config"`
	ConfigSchema string                 `json:"config_schema"`
	Reentrant    bool                   `json:"reentrant"`
	CronSchedule string                 `json:"cron_schedule"`
	ChainTo      string                 `json:"chain_to"`
}

func (a *API) listModules(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	filters := storage.ModuleFilters{
		Stage:      core.Stage(q.Get("stage")),
		ActiveOnly: q.Get("active") == "true",
		Scheduled:  q.Get("scheduled") == "true",
	}
	if caller.Role == core.RoleSuperuser {
		filters.TenantID = q.Get("tenant_id")
	}

	mods, err := a.registry.List(r.Context(), caller, filters)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, map[string]interface{}{"modules": mods, "total": len(mods)}, http.StatusOK)
}

func (a *API) createModule(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req moduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	m := &core.Module{
		Name:         req.Name,
		Description:  req.Description,
		Stage:        core.Stage(req.Stage),
		TenantID:     req.TenantID,
		Handler:      req.Handler,
		Config:       req.Config,
		ConfigSchema: req.ConfigSchema,
		Reentrant:    req.Reentrant,
		CronSchedule: req.CronSchedule,
		ChainTo:      req.ChainTo,
	}
	created, err := a.registry.Register(r.Context(), caller, m)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, created, http.StatusCreated)
}

func (a *API) getModule(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	m, err := a.registry.Get(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, m, http.StatusOK)
}

func (a *API) updateModule(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req moduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	upd := &core.Module{
		ID:           mux.Vars(r)["id"],
		Name:         req.Name,
		Description:  req.Description,
		Stage:        core.Stage(req.Stage),
		TenantID:     req.TenantID,
		Handler:      req.Handler,
		Config:       req.Config,
		ConfigSchema: req.ConfigSchema,
		Reentrant:    req.Reentrant,
		CronSchedule: req.CronSchedule,
		ChainTo:      req.ChainTo,
	}
	m, err := a.registry.Update(r.Context(), caller, upd)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, m, http.StatusOK)
}

func (a *API) deactivateModule(w http.ResponseWriter, r *http.Request) {
	a.setModuleActive(w, r, false)
}

func (a *API) activateModule(w http.ResponseWriter, r *http.Request) {
	a.setModuleActive(w, r, true)
}

func (a *API) setModuleActive(w http.ResponseWriter, r *http.Request, active bool) {
	caller, err := callerFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	id := mux.Vars(r)["id"]
	if err := a.registry.SetActive(r.Context(), caller, id, active); err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, map[string]interface{}{"id": id, "active": active}, http.StatusOK)
}
