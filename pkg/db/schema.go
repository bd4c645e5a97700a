package db

// Schema defines the SQLite database schema for provisioning sessions.
// It creates the sessions table, which holds the single mutable record of a
// handoff, and session_transitions, an append-only log of every phase change.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    attempt_id TEXT NOT NULL DEFAULT '',
    phase TEXT NOT NULL CHECK(phase IN (
        'idle', 'downloading', 'verifying', 'installing', 'awaiting_install_signal',
        'granting_capabilities', 'awaiting_activation', 'transferring_ownership',
        'complete', 'failed')),
    failed_phase TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    artifact_url TEXT NOT NULL,
    expected_digest TEXT NOT NULL DEFAULT '',
    local_artifact_path TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    confirmation_handle TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_phase ON sessions(phase);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);

CREATE TABLE IF NOT EXISTS session_transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    attempt_id TEXT NOT NULL DEFAULT '',
    from_phase TEXT NOT NULL,
    to_phase TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_session_transitions_session ON session_transitions(session_id);
`

// Failure reasons recorded alongside the failed phase.
const (
	ReasonDownload     = "download"
	ReasonVerification = "verification"
	ReasonInstall      = "install"
	ReasonTransfer     = "transfer"
	ReasonInterrupted  = "interrupted"
)

// Session represents a provisioning session record
type Session struct {
	ID                 string
	AttemptID          string
	Phase              Phase
	FailedPhase        Phase
	FailureReason      string
	ArtifactURL        string
	ExpectedDigest     string
	LocalArtifactPath  string
	LastError          string
	ConfirmationHandle string
	CreatedAt          string
	UpdatedAt          string
}

// Transition is one entry of a session's phase history.
type Transition struct {
	ID        int64
	SessionID string
	AttemptID string
	From      Phase
	To        Phase
	CreatedAt string
}
