package core

import (
	"time"

	"github.com/google/uuid"
)

// Observable is a typed value seen during analysis. (Type, Value) is unique.
type Observable struct {
	UUID            uuid.UUID  `json:"uuid"`
	Version         uuid.UUID  `json:"version"`
	Type            string     `json:"type"`
	Value           string     `json:"value"`
	Context         *string    `json:"context"`
	ExpiresOn       *time.Time `json:"expires_on"`
	ForDetection    bool       `json:"for_detection"`
	Time            time.Time  `json:"time"`
	RedirectionUUID *uuid.UUID `json:"redirection_uuid"`
	Tags            []string   `json:"tags"`
	Directives      []string   `json:"directives"`
	Threats         []string   `json:"threats"`
	ThreatActors    []string   `json:"threat_actors"`
}

// ObservableCreate is the payload for creating an observable. When ParentAnalysisUUID is
// set the observable is also attached to that analysis with the optional Sort annotation.
type ObservableCreate struct {
	UUID               *uuid.UUID `json:"uuid,omitempty"`
	Type               string     `json:"type" validate:"required"`
	Value              string     `json:"value" validate:"required"`
	Context            *string    `json:"context,omitempty"`
	ExpiresOn          *time.Time `json:"expires_on,omitempty"`
	ForDetection       bool       `json:"for_detection"`
	Time               *time.Time `json:"time,omitempty"`
	RedirectionUUID    *uuid.UUID `json:"redirection_uuid,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	Directives         []string   `json:"directives,omitempty"`
	Threats            []string   `json:"threats,omitempty"`
	ThreatActors       []string   `json:"threat_actors,omitempty"`
	ParentAnalysisUUID *uuid.UUID `json:"parent_analysis_uuid,omitempty"`
	Sort               *int       `json:"sort,omitempty"`
	HistoryMeta
}

// ObservableUpdate is the payload for updating an observable
type ObservableUpdate struct {
	Version         *uuid.UUID       `json:"version,omitempty"`
	Context         Field[string]    `json:"context,omitzero"`
	ExpiresOn       Field[time.Time] `json:"expires_on,omitzero"`
	ForDetection    Field[bool]      `json:"for_detection,omitzero"`
	RedirectionUUID Field[uuid.UUID] `json:"redirection_uuid,omitzero"`
	Time            Field[time.Time] `json:"time,omitzero"`
	Tags            Field[[]string]  `json:"tags,omitzero"`
	Directives      Field[[]string]  `json:"directives,omitzero"`
	Threats         Field[[]string]  `json:"threats,omitzero"`
	ThreatActors    Field[[]string]  `json:"threat_actors,omitzero"`
	HistoryMeta
}
