// Package ownership performs the one-shot transfer of device owner authority.
package ownership

import (
	"context"
	stderrors "errors"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"github.com/fleetkit/handoff/pkg/platform"
)

// Metadata keys always present on a transfer.
const (
	MetaSourceAgentID     = "source_agent_id"
	MetaTransferTimestamp = "transfer_timestamp"
)

// Status of a transfer.
type Status string

const (
	Success             Status = "success"
	TargetNotInstalled  Status = "target_not_installed"
	TargetAdminInactive Status = "target_admin_inactive"
	OtherFailure        Status = "other_failure"
)

// Request describes a transfer from one admin to another.
type Request struct {
	From     platform.Component
	To       platform.Component
	Metadata map[string]string
}

// Result of a transfer.
type Result struct {
	Status  Status
	Message string
}

// OK reports whether ownership moved.
func (r Result) OK() bool {
	return r.Status == Success
}

// Executor performs transfers through a Platform.
type Executor struct {
	platform platform.Platform
	extra    map[string]string
	now      func() time.Time
}

// NewExecutor creates an Executor. extra pairs are added to every transfer's
// metadata without overriding the built-in keys.
func NewExecutor(p platform.Platform, extra map[string]string) *Executor {
	return &Executor{platform: p, extra: extra, now: time.Now}
}

// Transfer hands owner authority from req.From to req.To. It never returns
// an error; every failure is classified in the Result.
func (e *Executor) Transfer(ctx context.Context, req Request) Result {
	installed, err := e.platform.IsInstalled(ctx, req.To.Package)
	if err != nil {
		return e.result(req, Result{Status: OtherFailure, Message: err.Error()})
	}
	if !installed {
		return e.result(req, Result{Status: TargetNotInstalled, Message: req.To.Package + " is not installed"})
	}

	md := e.metadata(req)
	err = e.platform.TransferOwnership(ctx, req.From, req.To, md)
	switch {
	case err == nil:
		return e.result(req, Result{Status: Success})
	case stderrors.Is(err, platform.ErrAdminInactive):
		return e.result(req, Result{Status: TargetAdminInactive, Message: err.Error()})
	case stderrors.Is(err, platform.ErrPackageNotFound):
		return e.result(req, Result{Status: TargetNotInstalled, Message: err.Error()})
	}
	return e.result(req, Result{Status: OtherFailure, Message: err.Error()})
}

func (e *Executor) metadata(req Request) map[string]string {
	md := make(map[string]string, len(e.extra)+len(req.Metadata)+2)
	maps.Copy(md, e.extra)
	maps.Copy(md, req.Metadata)
	md[MetaSourceAgentID] = req.From.Package
	md[MetaTransferTimestamp] = strconv.FormatInt(e.now().UnixMilli(), 10)
	return md
}

func (e *Executor) result(req Request, r Result) Result {
	if r.OK() {
		slog.Info("ownership_transferred", "from", req.From.String(), "to", req.To.String())
	} else {
		slog.Error("ownership_transfer_failed", "from", req.From.String(), "to", req.To.String(),
			"status", r.Status, "message", r.Message)
	}
	return r
}
