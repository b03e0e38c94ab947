package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// HistoryMeta carries the acting user and an optional backdated action time.
// Every mutating payload embeds it.
type HistoryMeta struct {
	HistoryUsername string     `json:"history_username"`
	HistoryTime     *time.Time `json:"history_time,omitempty"`
}

// Validate checks that an acting user was supplied
func (m HistoryMeta) Validate() error {
	if strings.TrimSpace(m.HistoryUsername) == "" {
		return InvalidField("history_username", "is required")
	}
	return nil
}

// NodeDelete is the payload for deleting a leaf node (comment or relationship)
type NodeDelete struct {
	Version *uuid.UUID `json:"version,omitempty"`
	HistoryMeta
}

// Comment is a free-text note attached to another node
type Comment struct {
	UUID       uuid.UUID `json:"uuid"`
	Version    uuid.UUID `json:"version"`
	NodeUUID   uuid.UUID `json:"node_uuid"`
	Username   string    `json:"username"`
	InsertTime time.Time `json:"insert_time"`
	Value      string    `json:"value"`
}

// CommentCreate is the payload for creating a comment
type CommentCreate struct {
	UUID     *uuid.UUID `json:"uuid,omitempty"`
	NodeUUID uuid.UUID  `json:"node_uuid" validate:"required"`
	Username string     `json:"username" validate:"required"`
	Value    string     `json:"value" validate:"required,min=1"`
	HistoryMeta
}

// CommentUpdate is the payload for editing a comment
type CommentUpdate struct {
	Version *uuid.UUID    `json:"version,omitempty"`
	Value   Field[string] `json:"value,omitzero"`
	HistoryMeta
}

// NodeRelationship links a node to a related node with a typed edge
type NodeRelationship struct {
	UUID            uuid.UUID `json:"uuid"`
	Version         uuid.UUID `json:"version"`
	NodeUUID        uuid.UUID `json:"node_uuid"`
	RelatedNodeUUID uuid.UUID `json:"related_node_uuid"`
	Type            string    `json:"relationship_type"`
}

// DisplayValue is how the relationship appears in the owning node's list diffs
func (r NodeRelationship) DisplayValue() string {
	return r.Type + ":" + r.RelatedNodeUUID.String()
}

// NodeRelationshipCreate is the payload for creating a relationship
type NodeRelationshipCreate struct {
	UUID            *uuid.UUID `json:"uuid,omitempty"`
	NodeUUID        uuid.UUID  `json:"node_uuid" validate:"required"`
	RelatedNodeUUID uuid.UUID  `json:"related_node_uuid" validate:"required"`
	Type            string     `json:"relationship_type" validate:"required"`
	HistoryMeta
}

// Event groups submissions that belong to the same incident
type Event struct {
	UUID            uuid.UUID   `json:"uuid"`
	Version         uuid.UUID   `json:"version"`
	Name            string      `json:"name"`
	Status          *string     `json:"status"`
	CreationTime    time.Time   `json:"creation_time"`
	Tags            []string    `json:"tags"`
	Threats         []string    `json:"threats"`
	SubmissionUUIDs []uuid.UUID `json:"submission_uuids"`
}

// EventCreate is the payload for creating an event
type EventCreate struct {
	UUID    *uuid.UUID `json:"uuid,omitempty"`
	Name    string     `json:"name" validate:"required,min=1"`
	Status  *string    `json:"status,omitempty"`
	Tags    []string   `json:"tags,omitempty"`
	Threats []string   `json:"threats,omitempty"`
	HistoryMeta
}

// EventUpdate is the payload for updating an event
type EventUpdate struct {
	Version *uuid.UUID      `json:"version,omitempty"`
	Name    Field[string]   `json:"name,omitzero"`
	Status  Field[string]   `json:"status,omitzero"`
	Tags    Field[[]string] `json:"tags,omitzero"`
	Threats Field[[]string] `json:"threats,omitzero"`
	HistoryMeta
}
