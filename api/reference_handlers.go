package api

import (
	"net/http"
	"time"

	"ams/core"

	"github.com/gorilla/mux"
)

// referenceKind reads and checks the {kind} path variable
func (a *API) referenceKind(w http.ResponseWriter, r *http.Request) (core.ReferenceKind, bool) {
	kind, err := core.ParseReferenceKind(mux.Vars(r)["kind"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), err, a.logger)
		return "", false
	}
	return kind, true
}

func (a *API) listReferenceValues(w http.ResponseWriter, r *http.Request) {
	kind, ok := a.referenceKind(w, r)
	if !ok {
		return
	}
	values, err := a.services.References.List(r.Context(), kind)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, values, http.StatusOK)
}

func (a *API) createReferenceValue(w http.ResponseWriter, r *http.Request) {
	kind, ok := a.referenceKind(w, r)
	if !ok {
		return
	}
	var req core.ReferenceCreate
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	value, created, err := a.services.References.Create(r.Context(), kind, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondCreated(w, value, created)
}

// updateReferenceValue answers 409 when the new value or rank is already taken
func (a *API) updateReferenceValue(w http.ResponseWriter, r *http.Request) {
	kind, ok := a.referenceKind(w, r)
	if !ok {
		return
	}
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	var req core.ReferenceUpdate
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}

	updated, err := a.services.References.Update(r.Context(), kind, id, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if !updated {
		writeError(w, http.StatusConflict, "value or rank already in use", nil, a.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteReferenceValue(w http.ResponseWriter, r *http.Request) {
	kind, ok := a.referenceKind(w, r)
	if !ok {
		return
	}
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	if err := a.services.References.Delete(r.Context(), kind, id); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.services.References.ListUsers(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, users, http.StatusOK)
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var req core.UserCreate
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	user, created, err := a.services.References.CreateUser(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondCreated(w, user, created)
}

// healthCheck reports whether the database answers
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if err := a.services.Stores.DB.ReadDB.PingContext(r.Context()); err != nil {
		a.logger.Warnw("Health check failed", "error", err)
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	a.respondJSON(w, map[string]string{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	}, code)
}
