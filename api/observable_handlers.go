package api

import (
	"net/http"
	"strconv"
	"time"

	"ams/core"

	"github.com/google/uuid"
)

// createObservable creates an observable or returns the existing one with the same type and value
func (a *API) createObservable(w http.ResponseWriter, r *http.Request) {
	var req core.ObservableCreate
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	obs, created, err := a.services.Observables.Create(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondCreated(w, obs, created)
}

// createObservables creates a list of observables in one transaction
func (a *API) createObservables(w http.ResponseWriter, r *http.Request) {
	var req []core.ObservableCreate
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if len(req) == 0 {
		writeError(w, http.StatusBadRequest, "at least one observable is required", nil, a.logger)
		return
	}
	for i := range req {
		if err := a.validate.Struct(&req[i]); err != nil {
			index := i
			writeErrorResponse(w, http.StatusBadRequest, errorResponse{Error: validationMessage(err), Index: &index}, err, a.logger)
			return
		}
	}

	observables, err := a.services.Observables.CreateMany(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, observables, http.StatusOK)
}

func (a *API) getObservable(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	obs, err := a.services.Observables.Get(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, obs, http.StatusOK)
}

func (a *API) updateObservable(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	var req core.ObservableUpdate
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	obs, err := a.services.Observables.Update(r.Context(), id, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, obs, http.StatusOK)
}

func (a *API) getObservableHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	history, err := a.services.Observables.History(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, history, http.StatusOK)
}

// createAnalysis records an analysis result. When a cached result of the same module
// already covers the target, that analysis is returned with 200.
func (a *API) createAnalysis(w http.ResponseWriter, r *http.Request) {
	var req core.AnalysisCreate
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	analysis, created, err := a.services.Analyses.Create(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondCreated(w, analysis, created)
}

// getAnalysis returns an analysis; details are loaded with ?details=true
func (a *API) getAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	withDetails, _ := strconv.ParseBool(r.URL.Query().Get("details"))

	analysis, err := a.services.Analyses.Get(r.Context(), id, withDetails)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, analysis, http.StatusOK)
}

func (a *API) updateAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	var req core.AnalysisUpdate
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	analysis, err := a.services.Analyses.Update(r.Context(), id, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, analysis, http.StatusOK)
}

// addChildObservable attaches an existing observable under an analysis
func (a *API) addChildObservable(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	var req core.ChildObservableAdd
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	analysis, err := a.services.Analyses.AddChildObservable(r.Context(), id, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, analysis, http.StatusOK)
}

func (a *API) getAnalysisHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	history, err := a.services.Analyses.History(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, history, http.StatusOK)
}

// getCachedAnalysis looks up the cached result of a module for a target.
// Query: module, target, and an optional RFC3339 at (defaults to now).
func (a *API) getCachedAnalysis(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	module := q.Get("module")
	if module == "" {
		writeError(w, http.StatusBadRequest, "module is required", nil, a.logger)
		return
	}
	target, err := uuid.Parse(q.Get("target"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "target must be a uuid", err, a.logger)
		return
	}
	at := time.Now().UTC()
	if raw := q.Get("at"); raw != "" {
		if at, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			writeError(w, http.StatusBadRequest, "at must be an RFC3339 timestamp", err, a.logger)
			return
		}
	}

	analysis, found, err := a.services.Analyses.CachedFor(r.Context(), module, target, at)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no cached analysis covers the target", nil, a.logger)
		return
	}
	a.respondJSON(w, analysis, http.StatusOK)
}
