package core

import (
	"fmt"

	"github.com/google/uuid"
)

// ReferenceKind identifies a table of value-keyed reference data
type ReferenceKind string

const (
	ReferenceQueue              ReferenceKind = "queue"
	ReferenceSubmissionType     ReferenceKind = "submission_type"
	ReferenceObservableType     ReferenceKind = "observable_type"
	ReferenceAnalysisModuleType ReferenceKind = "analysis_module_type"
	ReferenceDisposition        ReferenceKind = "disposition"
	ReferenceTag                ReferenceKind = "tag"
	ReferenceThreat             ReferenceKind = "threat"
	ReferenceThreatActor        ReferenceKind = "threat_actor"
	ReferenceDirective          ReferenceKind = "directive"
	ReferenceRelationshipType   ReferenceKind = "relationship_type"
)

// ReferenceKinds lists every kind in a stable order.
var ReferenceKinds = []ReferenceKind{
	ReferenceQueue,
	ReferenceSubmissionType,
	ReferenceObservableType,
	ReferenceAnalysisModuleType,
	ReferenceDisposition,
	ReferenceTag,
	ReferenceThreat,
	ReferenceThreatActor,
	ReferenceDirective,
	ReferenceRelationshipType,
}

// String returns the string representation
func (k ReferenceKind) String() string {
	return string(k)
}

// ParseReferenceKind validates a kind name taken from a URL or config file
func ParseReferenceKind(s string) (ReferenceKind, error) {
	for _, k := range ReferenceKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", InvalidField("kind", fmt.Sprintf("unknown reference kind %q", s))
}

// ReferenceValue is one row of reference data. Rank is only used by dispositions and
// CacheSeconds only by analysis module types.
type ReferenceValue struct {
	UUID         uuid.UUID     `json:"uuid"`
	Kind         ReferenceKind `json:"kind"`
	Value        string        `json:"value"`
	Description  *string       `json:"description"`
	Rank         *int          `json:"rank,omitempty"`
	CacheSeconds *int          `json:"cache_seconds,omitempty"`
}

// ReferenceCreate is the payload for creating reference data
type ReferenceCreate struct {
	UUID         *uuid.UUID `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	Value        string     `json:"value" yaml:"value" validate:"required,min=1"`
	Description  *string    `json:"description,omitempty" yaml:"description,omitempty"`
	Rank         *int       `json:"rank,omitempty" yaml:"rank,omitempty"`
	CacheSeconds *int       `json:"cache_seconds,omitempty" yaml:"cache_seconds,omitempty" validate:"omitempty,min=0"`
}

// ReferenceUpdate is the payload for updating reference data
type ReferenceUpdate struct {
	Value        Field[string] `json:"value,omitzero"`
	Description  Field[string] `json:"description,omitzero"`
	Rank         Field[int]    `json:"rank,omitzero"`
	CacheSeconds Field[int]    `json:"cache_seconds,omitzero"`
}

// User is an analyst account referenced by owner fields and history records
type User struct {
	UUID        uuid.UUID `json:"uuid"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Email       *string   `json:"email,omitempty"`
}

// UserCreate is the payload for creating a user
type UserCreate struct {
	UUID        *uuid.UUID `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	Username    string     `json:"username" yaml:"username" validate:"required,min=1,max=255"`
	DisplayName string     `json:"display_name" yaml:"display_name"`
	Email       *string    `json:"email,omitempty" yaml:"email,omitempty" validate:"omitempty,email"`
}
