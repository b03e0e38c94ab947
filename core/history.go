package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NodeType names a kind of versioned Node
type NodeType string

const (
	NodeTypeSubmission   NodeType = "submission"
	NodeTypeObservable   NodeType = "observable"
	NodeTypeAnalysis     NodeType = "analysis"
	NodeTypeComment      NodeType = "comment"
	NodeTypeRelationship NodeType = "node_relationship"
	NodeTypeEvent        NodeType = "event"
)

// String returns the string representation
func (t NodeType) String() string {
	return string(t)
}

// HasHistory reports whether the node type keeps its own history ledger.
// Relationships record their changes on the owning node instead.
func (t NodeType) HasHistory() bool {
	switch t {
	case NodeTypeSubmission, NodeTypeObservable, NodeTypeAnalysis, NodeTypeComment, NodeTypeEvent:
		return true
	default:
		return false
	}
}

// IsLeaf reports whether the node type annotates other nodes. Leaf nodes cannot carry
// comments or relationships themselves, so deleting one never strands a dependent row.
func (t NodeType) IsLeaf() bool {
	return t == NodeTypeComment || t == NodeTypeRelationship
}

// ParseNodeType validates a node type name
func ParseNodeType(s string) (NodeType, error) {
	t := NodeType(s)
	switch t {
	case NodeTypeSubmission, NodeTypeObservable, NodeTypeAnalysis, NodeTypeComment, NodeTypeRelationship, NodeTypeEvent:
		return t, nil
	}
	return "", InvalidField("node_type", fmt.Sprintf("unknown node type %q", s))
}

// HistoryAction is the kind of mutation a HistoryRecord describes
type HistoryAction string

const (
	HistoryActionCreate HistoryAction = "CREATE"
	HistoryActionUpdate HistoryAction = "UPDATE"
)

// HistoryRecord is one immutable ledger entry for a Node.
// CREATE records have no Field and no Diff.
type HistoryRecord struct {
	UUID       uuid.UUID       `json:"uuid"`
	RecordUUID uuid.UUID       `json:"record_uuid"`
	Action     HistoryAction   `json:"action"`
	ActionBy   string          `json:"action_by"`
	ActionTime time.Time       `json:"action_time"`
	Field      *string         `json:"field"`
	Diff       *Diff           `json:"diff"`
	Snapshot   json.RawMessage `json:"snapshot"`
}

// FirstFieldChange scans history in ledger order and returns the action time of the
// first UPDATE that set field to a non-null value.
func FirstFieldChange(records []HistoryRecord, field string) *time.Time {
	for _, r := range records {
		if r.Action != HistoryActionUpdate || r.Field == nil || *r.Field != field || r.Diff == nil {
			continue
		}
		if r.Diff.IsList() || r.Diff.NewValue == nil {
			continue
		}
		t := r.ActionTime
		return &t
	}
	return nil
}
