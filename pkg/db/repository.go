package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/fleetkit/handoff/pkg/errors"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = stderrors.New("session not found")
	// ErrActiveSession is returned when creating a session while another
	// one has not completed.
	ErrActiveSession = stderrors.New("an unfinished session already exists")
	// ErrInvalidTransition is returned when a phase change breaks the flow order.
	ErrInvalidTransition = stderrors.New("invalid phase transition")
)

const sessionColumns = `id, attempt_id, phase, failed_phase, failure_reason,
	artifact_url, expected_digest, local_artifact_path, last_error,
	confirmation_handle, created_at, updated_at`

// Repository provides database operations for provisioning sessions
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// Transitions are read-check-write; one connection serializes them.
	db.SetMaxOpenConns(1)

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new session. Only one unfinished session may exist.
func (r *Repository) Create(ctx context.Context, s *Session) error {
	slog.Info("database_create_session", "session_id", s.ID, "phase", s.Phase)

	if s.Phase == "" {
		s.Phase = PhaseIdle
	}
	if s.Phase != PhaseIdle {
		return fmt.Errorf("%w: new session must start idle, got %q", ErrInvalidTransition, s.Phase)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var unfinished int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE phase != ?`, PhaseComplete).Scan(&unfinished)
	if err != nil {
		slog.Error("database_query_failed", "error", err)
		return errors.Wrap(err, "failed to count sessions")
	}
	if unfinished > 0 {
		slog.Warn("database_active_session_exists", "session_id", s.ID)
		return ErrActiveSession
	}

	query := `
		INSERT INTO sessions (id, attempt_id, phase, artifact_url, expected_digest)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query, s.ID, s.AttemptID, s.Phase, s.ArtifactURL, s.ExpectedDigest); err != nil {
		slog.Error("database_insert_failed", "session_id", s.ID, "error", err)
		return errors.Wrap(err, "failed to insert session")
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return errors.Wrap(err, "failed to commit transaction")
	}

	slog.Info("database_session_created", "session_id", s.ID)
	return nil
}

// Get retrieves a session by ID
func (r *Repository) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		slog.Info("database_session_not_found", "session_id", id)
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("database_query_failed", "session_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query session")
	}
	return s, nil
}

// Latest retrieves the most recently created session, or nil when there is none.
func (r *Repository) Latest(ctx context.Context) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY rowid DESC LIMIT 1`)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to query latest session")
	}
	return s, nil
}

// List retrieves all sessions, newest first
func (r *Repository) List(ctx context.Context) ([]*Session, error) {
	slog.Debug("database_list_sessions")

	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY rowid DESC`)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	return sessions, nil
}

// Transition moves a session to phase to, applying mutate to the loaded
// record first. The move is validated against the flow order and logged to
// the transition history in the same transaction.
func (r *Repository) Transition(ctx context.Context, id string, to Phase, mutate func(*Session)) (*Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("database_query_failed", "session_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to load session")
	}

	from := s.Phase
	if err := s.CanTransitionTo(to); err != nil {
		slog.Error("database_invalid_transition", "session_id", id, "from", from, "to", to, "error", err)
		return nil, err
	}

	if from == PhaseFailed {
		s.FailedPhase = ""
		s.FailureReason = ""
		s.LastError = ""
	}
	if to == PhaseFailed {
		s.FailedPhase = from
		s.ConfirmationHandle = ""
	}
	if mutate != nil {
		mutate(s)
	}
	s.Phase = to

	query := `
		UPDATE sessions
		SET attempt_id = ?, phase = ?, failed_phase = ?, failure_reason = ?,
		    local_artifact_path = ?, last_error = ?, confirmation_handle = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	if _, err := tx.ExecContext(ctx, query,
		s.AttemptID, s.Phase, s.FailedPhase, s.FailureReason,
		s.LocalArtifactPath, s.LastError, s.ConfirmationHandle, s.ID); err != nil {
		slog.Error("database_update_failed", "session_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to update session")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_transitions (session_id, attempt_id, from_phase, to_phase) VALUES (?, ?, ?, ?)`,
		s.ID, s.AttemptID, from, to); err != nil {
		slog.Error("database_history_insert_failed", "session_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to record transition")
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return nil, errors.Wrap(err, "failed to commit transaction")
	}

	slog.Info("database_session_transitioned", "session_id", id, "from", from, "to", to)
	return s, nil
}

// Fail moves a session into the failed phase with a reason and message.
func (r *Repository) Fail(ctx context.Context, id, reason, message string) (*Session, error) {
	return r.Transition(ctx, id, PhaseFailed, func(s *Session) {
		s.FailureReason = reason
		s.LastError = message
	})
}

// SetAttempt records the attempt identifier of the run driving the session.
func (r *Repository) SetAttempt(ctx context.Context, id, attemptID string) error {
	return r.updateField(ctx, id, "attempt_id", attemptID)
}

// SetConfirmationHandle records (or clears, with "") a pending install confirmation.
func (r *Repository) SetConfirmationHandle(ctx context.Context, id, handle string) error {
	return r.updateField(ctx, id, "confirmation_handle", handle)
}

// ClearArtifact forgets the local artifact path after the file is removed.
func (r *Repository) ClearArtifact(ctx context.Context, id string) error {
	return r.updateField(ctx, id, "local_artifact_path", "")
}

func (r *Repository) updateField(ctx context.Context, id, column, value string) error {
	slog.Debug("database_update_field", "session_id", id, "column", column)

	query := fmt.Sprintf(`UPDATE sessions SET %s = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, column)
	result, err := r.db.ExecContext(ctx, query, value, id)
	if err != nil {
		slog.Error("database_update_failed", "session_id", id, "column", column, "error", err)
		return errors.Wrapf(err, "failed to update %s", column)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// History returns the phase transitions of a session in order.
func (r *Repository) History(ctx context.Context, id string) ([]Transition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, attempt_id, from_phase, to_phase, created_at
		FROM session_transitions WHERE session_id = ? ORDER BY id ASC
	`, id)
	if err != nil {
		slog.Error("database_history_query_failed", "session_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query history")
	}
	defer rows.Close()

	var history []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.SessionID, &t.AttemptID, &t.From, &t.To, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan transition")
		}
		history = append(history, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return history, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.AttemptID, &s.Phase, &s.FailedPhase, &s.FailureReason,
		&s.ArtifactURL, &s.ExpectedDigest, &s.LocalArtifactPath, &s.LastError,
		&s.ConfirmationHandle, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
