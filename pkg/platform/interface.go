// Package platform is the boundary to the device's privileged primitives:
// the package installer, the permission-grant engine and the owner-transfer
// engine. The orchestrator only ever talks to a Platform.
package platform

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
)

var (
	// ErrInstallRejected is returned when the platform refuses a silent install.
	ErrInstallRejected = stderrors.New("silent install rejected")
	// ErrAdminInactive is returned when the target admin is not active.
	ErrAdminInactive = stderrors.New("device admin not active")
	// ErrPackageNotFound is returned when a package is not installed.
	ErrPackageNotFound = stderrors.New("package not found")
	// ErrNotSupported is returned for primitives a backend does not provide.
	ErrNotSupported = stderrors.New("operation not supported by platform")
)

// Install completion statuses carried by an InstallSignal.
const (
	StatusSuccess                 = "success"
	StatusPendingUserConfirmation = "pending_user_confirmation"
	StatusFailed                  = "failed"
)

// Install modes sent to the installer.
const (
	ModeSilent      = "silent"
	ModeInteractive = "interactive"
)

// Component names a device admin component within a package.
type Component struct {
	Package string
	Class   string
}

// ParseComponent parses a flattened component name such as
// "com.example.agent/.AdminReceiver".
func ParseComponent(s string) (Component, error) {
	pkg, class, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || pkg == "" || class == "" {
		return Component{}, fmt.Errorf("invalid component name %q, want package/class", s)
	}
	return Component{Package: pkg, Class: class}, nil
}

// String returns the flattened form of the component.
func (c Component) String() string {
	return c.Package + "/" + c.Class
}

// InstallRequest identifies an installation attempt.
type InstallRequest struct {
	AttemptID   string
	Package     string
	CallbackURL string
}

// InstallSignal is the asynchronous completion notice for an install attempt.
type InstallSignal struct {
	AttemptID          string `json:"attemptId"`
	Status             string `json:"status"`
	Message            string `json:"message,omitempty"`
	ConfirmationHandle string `json:"confirmationHandle,omitempty"`
}

// Platform exposes the privileged primitives used during the handoff
type Platform interface {
	// IsInstalled reports whether a package is present on the device
	IsInstalled(ctx context.Context, pkg string) (bool, error)

	// InstallSilently submits the artifact for a session-based install that
	// needs no user interaction. Returns ErrInstallRejected when refused.
	InstallSilently(ctx context.Context, artifactPath string, req InstallRequest) error

	// InstallInteractively submits the artifact through the user-facing installer
	InstallInteractively(ctx context.Context, artifactPath string, req InstallRequest) error

	// PresentConfirmation shows a pending install confirmation to the user
	PresentConfirmation(ctx context.Context, handle string) error

	// GrantCapability grants one runtime capability to a package on behalf of admin
	GrantCapability(ctx context.Context, admin Component, pkg, capability string) (bool, error)

	// IsAdminActive reports whether a component is an active device admin
	IsAdminActive(ctx context.Context, admin Component) (bool, error)

	// LaunchAgent starts the package's entry point
	LaunchAgent(ctx context.Context, pkg string) error

	// TransferOwnership hands exclusive owner authority from one admin to another
	TransferOwnership(ctx context.Context, from, to Component, metadata map[string]string) error

	// Close releases backend resources
	Close() error
}
