package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TimeRange is a half-open interval [Start, End)
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CacheRange returns [runTime, runTime+cacheSeconds), or nil when the module does not cache.
func CacheRange(runTime time.Time, cacheSeconds *int) *TimeRange {
	if cacheSeconds == nil || *cacheSeconds <= 0 {
		return nil
	}
	return &TimeRange{Start: runTime, End: runTime.Add(time.Duration(*cacheSeconds) * time.Second)}
}

// Contains reports whether t falls inside the range
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Overlaps reports whether two half-open ranges share any instant
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Analysis is one unit of work performed by a module against a target observable.
// The root analysis of a submission has neither module type nor target.
type Analysis struct {
	UUID                 uuid.UUID       `json:"uuid"`
	Version              uuid.UUID       `json:"version"`
	AnalysisModuleType   *string         `json:"analysis_module_type"`
	TargetUUID           *uuid.UUID      `json:"target_uuid"`
	RunTime              time.Time       `json:"run_time"`
	CachedDuring         *TimeRange      `json:"cached_during"`
	Summary              *string         `json:"summary"`
	ErrorMessage         *string         `json:"error_message"`
	StackTrace           *string         `json:"stack_trace"`
	Details              json.RawMessage `json:"details,omitempty"`
	ChildObservableUUIDs []uuid.UUID     `json:"child_observable_uuids"`
}

// IsRoot reports whether this is a submission's synthetic root analysis
func (a *Analysis) IsRoot() bool {
	return a.AnalysisModuleType == nil && a.TargetUUID == nil
}

// AnalysisCreate is the payload for recording an analysis result within a submission
type AnalysisCreate struct {
	UUID               *uuid.UUID      `json:"uuid,omitempty"`
	SubmissionUUID     uuid.UUID       `json:"submission_uuid" validate:"required"`
	AnalysisModuleType string          `json:"analysis_module_type" validate:"required"`
	TargetUUID         uuid.UUID       `json:"target_uuid" validate:"required"`
	RunTime            *time.Time      `json:"run_time,omitempty"`
	Details            json.RawMessage `json:"details,omitempty"`
	Summary            *string         `json:"summary,omitempty"`
	ErrorMessage       *string         `json:"error_message,omitempty"`
	StackTrace         *string         `json:"stack_trace,omitempty"`
	HistoryMeta
}

// AnalysisUpdate is the payload for updating an analysis result
type AnalysisUpdate struct {
	Version      *uuid.UUID             `json:"version,omitempty"`
	Summary      Field[string]          `json:"summary,omitzero"`
	ErrorMessage Field[string]          `json:"error_message,omitzero"`
	StackTrace   Field[string]          `json:"stack_trace,omitzero"`
	Details      Field[json.RawMessage] `json:"details,omitzero"`
	HistoryMeta
}

// ChildObservableAdd attaches an existing observable to an analysis
type ChildObservableAdd struct {
	ObservableUUID uuid.UUID `json:"observable_uuid" validate:"required"`
	Sort           *int      `json:"sort,omitempty"`
	HistoryMeta
}
