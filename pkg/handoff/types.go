package handoff

// SessionRequest is the FSM input of one run
type SessionRequest struct {
	SessionID string
	AttemptID string
}

// SessionResponse is the FSM output (accumulated across transitions)
type SessionResponse struct {
	// From every transition
	Phase string

	// From Download
	LocalArtifactPath string
	BytesReceived     int64

	// From Install
	InstallMode string

	// From Grant
	CapabilitiesGranted int
	CapabilitiesFailed  int

	// From AwaitActivation
	TargetActive bool

	// From Transfer/failure
	TransferStatus string
	Status         string
	ErrorMessage   string
}

// State names
const (
	StateCheck           = "check"
	StateDownload        = "download"
	StateVerify          = "verify"
	StateInstall         = "install"
	StateAwaitInstall    = "await_install"
	StateGrant           = "grant"
	StateAwaitActivation = "await_activation"
	StateTransfer        = "transfer"
	StateDone            = "done"
)
