package core

import (
	"time"

	"github.com/google/uuid"
)

// Submission is the root of an analysis tree: one unit of triage work.
// FirstDispositionTime and FirstOwnershipTime are derived from history on read and
// are never part of a history snapshot.
type Submission struct {
	UUID             uuid.UUID  `json:"uuid"`
	Version          uuid.UUID  `json:"version"`
	Name             *string    `json:"name"`
	Description      *string    `json:"description"`
	Alert            bool       `json:"alert"`
	Queue            string     `json:"queue"`
	Type             string     `json:"submission_type"`
	Owner            *User      `json:"owner"`
	OwnershipTime    *time.Time `json:"ownership_time"`
	Disposition      *string    `json:"disposition"`
	DispositionTime  *time.Time `json:"disposition_time"`
	DispositionUser  *User      `json:"disposition_user"`
	EventUUID        *uuid.UUID `json:"event_uuid"`
	EventTime        time.Time  `json:"event_time"`
	InsertTime       time.Time  `json:"insert_time"`
	RootAnalysisUUID uuid.UUID  `json:"root_analysis_uuid"`
	Tags             []string   `json:"tags"`
	Threats          []string   `json:"threats"`
	ThreatActors     []string   `json:"threat_actors"`

	FirstDispositionTime *time.Time `json:"first_disposition_time,omitempty"`
	FirstOwnershipTime   *time.Time `json:"first_ownership_time,omitempty"`
}

// OwnerUsername returns the owner's username or nil.
func (s *Submission) OwnerUsername() *string {
	if s.Owner == nil {
		return nil
	}
	u := s.Owner.Username
	return &u
}

// SubmissionCreate is the payload for creating a submission. Observables are created
// as children of the new root analysis.
type SubmissionCreate struct {
	UUID         *uuid.UUID         `json:"uuid,omitempty"`
	Name         *string            `json:"name,omitempty"`
	Description  *string            `json:"description,omitempty"`
	Alert        bool               `json:"alert"`
	Queue        string             `json:"queue" validate:"required"`
	Type         string             `json:"submission_type" validate:"required"`
	Owner        *string            `json:"owner,omitempty"`
	EventTime    *time.Time         `json:"event_time,omitempty"`
	Tags         []string           `json:"tags,omitempty"`
	Threats      []string           `json:"threats,omitempty"`
	ThreatActors []string           `json:"threat_actors,omitempty"`
	Observables  []ObservableCreate `json:"observables,omitempty" validate:"dive"`
	HistoryMeta
}

// SubmissionUpdate is the payload for updating a submission. Fields left Unset are
// not touched.
type SubmissionUpdate struct {
	UUID         uuid.UUID        `json:"uuid"`
	Version      *uuid.UUID       `json:"version,omitempty"`
	Name         Field[string]    `json:"name,omitzero"`
	Description  Field[string]    `json:"description,omitzero"`
	Alert        Field[bool]      `json:"alert,omitzero"`
	Queue        Field[string]    `json:"queue,omitzero"`
	Owner        Field[string]    `json:"owner,omitzero"`
	Disposition  Field[string]    `json:"disposition,omitzero"`
	EventUUID    Field[uuid.UUID] `json:"event_uuid,omitzero"`
	EventTime    Field[time.Time] `json:"event_time,omitzero"`
	Tags         Field[[]string]  `json:"tags,omitzero"`
	Threats      Field[[]string]  `json:"threats,omitzero"`
	ThreatActors Field[[]string]  `json:"threat_actors,omitzero"`
	HistoryMeta
}
