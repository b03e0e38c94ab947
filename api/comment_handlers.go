package api

import (
	"net/http"

	"ams/core"
)

// createComment adds a comment to a node; the same text on the same node returns the existing comment
func (a *API) createComment(w http.ResponseWriter, r *http.Request) {
	var req core.CommentCreate
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	comment, created, err := a.services.Comments.Create(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondCreated(w, comment, created)
}

func (a *API) getComment(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	comment, err := a.services.Comments.Get(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, comment, http.StatusOK)
}

func (a *API) updateComment(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	var req core.CommentUpdate
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	comment, err := a.services.Comments.Update(r.Context(), id, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, comment, http.StatusOK)
}

// deleteComment removes a comment. The body carries the acting user and optional version.
func (a *API) deleteComment(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	var req core.NodeDelete
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if err := a.services.Comments.Delete(r.Context(), id, req); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getCommentHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	history, err := a.services.Comments.History(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, history, http.StatusOK)
}

func (a *API) listNodeComments(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	comments, err := a.services.Comments.ListForNode(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, comments, http.StatusOK)
}

func (a *API) createRelationship(w http.ResponseWriter, r *http.Request) {
	var req core.NodeRelationshipCreate
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	rel, created, err := a.services.Relationships.Create(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondCreated(w, rel, created)
}

func (a *API) deleteRelationship(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	var req core.NodeDelete
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if err := a.services.Relationships.Delete(r.Context(), id, req); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listNodeRelationships(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	rels, err := a.services.Relationships.ListForNode(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, rels, http.StatusOK)
}

func (a *API) createEvent(w http.ResponseWriter, r *http.Request) {
	var req core.EventCreate
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	event, err := a.services.Events.Create(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, event, http.StatusCreated)
}

func (a *API) getEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	event, err := a.services.Events.Get(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, event, http.StatusOK)
}

func (a *API) updateEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	var req core.EventUpdate
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	event, err := a.services.Events.Update(r.Context(), id, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, event, http.StatusOK)
}

func (a *API) getEventHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathUUID(w, r)
	if !ok {
		return
	}
	history, err := a.services.Events.History(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, history, http.StatusOK)
}
