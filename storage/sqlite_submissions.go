package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ams/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubmissionStorage persists submissions and their analysis membership
type SubmissionStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSubmissionStorage creates a new submission storage handler
func NewSubmissionStorage(db *SQLite, logger *zap.SugaredLogger) *SubmissionStorage {
	return &SubmissionStorage{db: db, logger: logger}
}

const submissionSelect = `SELECT s.uuid, n.version, s.name, s.description, s.alert, q.value, t.value,
	o.uuid, o.username, o.display_name, o.email, s.ownership_time,
	d.value, s.disposition_time,
	du.uuid, du.username, du.display_name, du.email,
	s.event_uuid, s.event_time, s.insert_time, s.root_analysis_uuid
	FROM submissions s
	JOIN nodes n ON n.uuid = s.uuid
	JOIN reference_values q ON q.uuid = s.queue_uuid
	JOIN reference_values t ON t.uuid = s.type_uuid
	LEFT JOIN users o ON o.uuid = s.owner_uuid
	LEFT JOIN reference_values d ON d.uuid = s.disposition_uuid
	LEFT JOIN users du ON du.uuid = s.disposition_user_uuid`

type nullUser struct {
	id          uuid.NullUUID
	username    sql.NullString
	displayName sql.NullString
	email       sql.NullString
}

func (u nullUser) user() *core.User {
	if !u.id.Valid {
		return nil
	}
	return &core.User{
		UUID:        u.id.UUID,
		Username:    u.username.String,
		DisplayName: u.displayName.String,
		Email:       fromNullString(u.email),
	}
}

func scanSubmission(row interface{ Scan(...any) error }) (core.Submission, error) {
	var (
		s               core.Submission
		name            sql.NullString
		description     sql.NullString
		alert           int
		owner           nullUser
		ownershipTime   sql.NullInt64
		disposition     sql.NullString
		dispositionTime sql.NullInt64
		dispositionUser nullUser
		eventUUID       uuid.NullUUID
		eventTime       int64
		insertTime      int64
	)
	err := row.Scan(&s.UUID, &s.Version, &name, &description, &alert, &s.Queue, &s.Type,
		&owner.id, &owner.username, &owner.displayName, &owner.email, &ownershipTime,
		&disposition, &dispositionTime,
		&dispositionUser.id, &dispositionUser.username, &dispositionUser.displayName, &dispositionUser.email,
		&eventUUID, &eventTime, &insertTime, &s.RootAnalysisUUID)
	if err != nil {
		return core.Submission{}, err
	}
	s.Name = fromNullString(name)
	s.Description = fromNullString(description)
	s.Alert = alert == 1
	s.Owner = owner.user()
	s.OwnershipTime = fromNullNanos(ownershipTime)
	s.Disposition = fromNullString(disposition)
	s.DispositionTime = fromNullNanos(dispositionTime)
	s.DispositionUser = dispositionUser.user()
	s.EventUUID = fromNullUUID(eventUUID)
	s.EventTime = fromNanos(eventTime)
	s.InsertTime = fromNanos(insertTime)
	return s, nil
}

func usernameOf(u *core.User) sql.NullString {
	if u == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: u.Username, Valid: true}
}

// Insert writes the submission row. Queue, type, owner and disposition are stored by the
// uuid of their display value, which the caller must already have resolved.
func (s *SubmissionStorage) Insert(ctx context.Context, q Querier, sub *core.Submission) error {
	_, err := q.ExecContext(ctx, `INSERT INTO submissions
		(uuid, root_analysis_uuid, name, description, alert, queue_uuid, type_uuid, owner_uuid, ownership_time,
		 event_time, insert_time)
		VALUES (?, ?, ?, ?, ?,
			(SELECT uuid FROM reference_values WHERE kind = 'queue' AND value = ?),
			(SELECT uuid FROM reference_values WHERE kind = 'submission_type' AND value = ?),
			(SELECT uuid FROM users WHERE username = ?),
			?, ?, ?)`,
		sub.UUID, sub.RootAnalysisUUID, nullString(sub.Name), nullString(sub.Description), boolToInt(sub.Alert),
		sub.Queue, sub.Type, usernameOf(sub.Owner), nullNanos(sub.OwnershipTime),
		toNanos(sub.EventTime), toNanos(sub.InsertTime))
	if err != nil {
		return fmt.Errorf("failed to insert submission %s: %w", sub.UUID, err)
	}
	return nil
}

// Save writes the mutable columns of sub
func (s *SubmissionStorage) Save(ctx context.Context, q Querier, sub *core.Submission) error {
	_, err := q.ExecContext(ctx, `UPDATE submissions SET
		name = ?, description = ?, alert = ?,
		queue_uuid = (SELECT uuid FROM reference_values WHERE kind = 'queue' AND value = ?),
		owner_uuid = (SELECT uuid FROM users WHERE username = ?),
		ownership_time = ?,
		disposition_uuid = (SELECT uuid FROM reference_values WHERE kind = 'disposition' AND value = ?),
		disposition_time = ?,
		disposition_user_uuid = (SELECT uuid FROM users WHERE username = ?),
		event_uuid = ?, event_time = ?
		WHERE uuid = ?`,
		nullString(sub.Name), nullString(sub.Description), boolToInt(sub.Alert),
		sub.Queue,
		usernameOf(sub.Owner),
		nullNanos(sub.OwnershipTime),
		nullString(sub.Disposition),
		nullNanos(sub.DispositionTime),
		usernameOf(sub.DispositionUser),
		nullUUID(sub.EventUUID), toNanos(sub.EventTime),
		sub.UUID)
	if err != nil {
		return fmt.Errorf("failed to save submission %s: %w", sub.UUID, err)
	}
	return nil
}

// Get returns the fully rendered submission
func (s *SubmissionStorage) Get(ctx context.Context, q Querier, id uuid.UUID) (*core.Submission, error) {
	sub, err := scanSubmission(q.QueryRowContext(ctx, submissionSelect+` WHERE s.uuid = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.UUIDNotFound("submission", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission %s: %w", id, err)
	}
	if sub.Tags, err = ReferenceValues(ctx, q, id, core.ReferenceTag); err != nil {
		return nil, err
	}
	if sub.Threats, err = ReferenceValues(ctx, q, id, core.ReferenceThreat); err != nil {
		return nil, err
	}
	if sub.ThreatActors, err = ReferenceValues(ctx, q, id, core.ReferenceThreatActor); err != nil {
		return nil, err
	}
	return &sub, nil
}

// List returns submissions newest first
func (s *SubmissionStorage) List(ctx context.Context, q Querier, limit, offset int) ([]core.Submission, error) {
	rows, err := q.QueryContext(ctx, `SELECT s.uuid FROM submissions s ORDER BY s.insert_time DESC, s.uuid LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	ids, err := scanUUIDs(rows)
	if err != nil {
		return nil, err
	}
	subs := make([]core.Submission, 0, len(ids))
	for _, id := range ids {
		sub, err := s.Get(ctx, q, id)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, nil
}

// AddAnalysis maps an analysis into a submission. Returns false when it was already mapped.
func (s *SubmissionStorage) AddAnalysis(ctx context.Context, q Querier, submissionUUID, analysisUUID uuid.UUID) (bool, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO submission_analyses (submission_uuid, analysis_uuid) VALUES (?, ?)
		ON CONFLICT (submission_uuid, analysis_uuid) DO NOTHING`, submissionUUID, analysisUUID)
	if err != nil {
		return false, fmt.Errorf("failed to map analysis %s to submission %s: %w", analysisUUID, submissionUUID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AnalysisUUIDs returns every analysis mapped to the submission in mapping order
func (s *SubmissionStorage) AnalysisUUIDs(ctx context.Context, q Querier, submissionUUID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx, `SELECT analysis_uuid FROM submission_analyses WHERE submission_uuid = ? ORDER BY rowid`, submissionUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to load analyses of submission %s: %w", submissionUUID, err)
	}
	return scanUUIDs(rows)
}

// ListContainingAnalysis returns every submission whose analysis set contains the analysis
func (s *SubmissionStorage) ListContainingAnalysis(ctx context.Context, q Querier, analysisUUID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx, `SELECT submission_uuid FROM submission_analyses WHERE analysis_uuid = ? ORDER BY submission_uuid`, analysisUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to find submissions containing analysis %s: %w", analysisUUID, err)
	}
	return scanUUIDs(rows)
}

// ListContainingObservable returns every submission with an analysis that produced the observable
func (s *SubmissionStorage) ListContainingObservable(ctx context.Context, q Querier, observableUUID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT sa.submission_uuid FROM submission_analyses sa
		JOIN analysis_child_observables c ON c.analysis_uuid = sa.analysis_uuid
		WHERE c.observable_uuid = ?
		ORDER BY sa.submission_uuid`, observableUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to find submissions containing observable %s: %w", observableUUID, err)
	}
	return scanUUIDs(rows)
}

// ListForEvent returns the submissions attached to an event
func (s *SubmissionStorage) ListForEvent(ctx context.Context, q Querier, eventUUID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx, `SELECT uuid FROM submissions WHERE event_uuid = ? ORDER BY insert_time, uuid`, eventUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions of event %s: %w", eventUUID, err)
	}
	return scanUUIDs(rows)
}
