package api

import (
	"net/http"
	"strconv"

	"ams/core"

	"github.com/google/uuid"
)

// createSubmission creates a submission with its root analysis and any nested observables
func (a *API) createSubmission(w http.ResponseWriter, r *http.Request) {
	var req core.SubmissionCreate
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	sub, err := a.services.Submissions.Create(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, sub, http.StatusCreated)
}

// listSubmissions pages through submissions, newest first
func (a *API) listSubmissions(w http.ResponseWriter, r *http.Request) {
	limit, offset := 100, 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	subs, err := a.services.Submissions.List(r.Context(), limit, offset)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, subs, http.StatusOK)
}

func (a *API) getSubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	sub, err := a.services.Submissions.Get(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, sub, http.StatusOK)
}

// updateSubmission applies one update. The uuid comes from the path; a body uuid must match it.
func (a *API) updateSubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	var req core.SubmissionUpdate
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	if req.UUID != uuid.Nil && req.UUID != id {
		writeError(w, http.StatusBadRequest, "uuid in body does not match path", nil, a.logger)
		return
	}
	req.UUID = id

	sub, err := a.services.Submissions.Update(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, sub, http.StatusOK)
}

// batchUpdateSubmissions applies every update in one transaction or none of them
func (a *API) batchUpdateSubmissions(w http.ResponseWriter, r *http.Request) {
	var req []core.SubmissionUpdate
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if len(req) == 0 {
		writeError(w, http.StatusBadRequest, "at least one update is required", nil, a.logger)
		return
	}
	for i := range req {
		if req[i].UUID == uuid.Nil {
			index := i
			writeErrorResponse(w, http.StatusBadRequest, errorResponse{Error: "uuid is required", Index: &index}, nil, a.logger)
			return
		}
	}

	subs, err := a.services.Submissions.BatchUpdate(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, subs, http.StatusOK)
}

// getSubmissionTree renders the analysis tree. Each critical_point query value marks an
// observable whose ancestors are flagged critical_path.
func (a *API) getSubmissionTree(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}

	var opts core.TreeOptions
	for _, raw := range r.URL.Query()["critical_point"] {
		point, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid critical_point: "+raw, err, a.logger)
			return
		}
		opts.CriticalPoints = append(opts.CriticalPoints, point)
	}

	tree, err := a.services.Trees.ReadTree(r.Context(), id, opts)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, tree, http.StatusOK)
}

func (a *API) getSubmissionHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	history, err := a.services.Submissions.History(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, history, http.StatusOK)
}
