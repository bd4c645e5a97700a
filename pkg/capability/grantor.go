// Package capability grants runtime capabilities to an agent, one at a time
// and best-effort.
package capability

import (
	"context"
	"log/slog"

	"github.com/fleetkit/handoff/pkg/platform"
)

// Outcome of a single grant.
type Outcome struct {
	Granted bool
	Error   string
}

// Report summarizes one GrantAll call. Granted+Failed always equals the
// number of capabilities requested.
type Report struct {
	Granted       int
	Failed        int
	PerCapability map[string]Outcome
}

// Complete reports whether every capability was granted.
func (r Report) Complete() bool {
	return r.Failed == 0
}

// Grantor grants capabilities on behalf of an admin component.
type Grantor struct {
	platform platform.Platform
	admin    platform.Component
	onGrant  func(pkg string, granted bool)
}

// NewGrantor creates a Grantor acting as admin. onGrant, when set, is called
// after every individual grant.
func NewGrantor(p platform.Platform, admin platform.Component, onGrant func(pkg string, granted bool)) *Grantor {
	return &Grantor{platform: p, admin: admin, onGrant: onGrant}
}

// GrantAll attempts every capability independently. A refusal or error for
// one capability never stops the others.
func (g *Grantor) GrantAll(ctx context.Context, pkg string, caps []string) Report {
	report := Report{PerCapability: make(map[string]Outcome, len(caps))}

	for _, c := range caps {
		ok, err := g.platform.GrantCapability(ctx, g.admin, pkg, c)
		out := Outcome{Granted: ok && err == nil}
		if err != nil {
			out.Error = err.Error()
			slog.Warn("capability_grant_error", "package", pkg, "capability", c, "error", err)
		} else if !ok {
			slog.Warn("capability_grant_refused", "package", pkg, "capability", c)
		}

		if out.Granted {
			report.Granted++
		} else {
			report.Failed++
		}
		report.PerCapability[c] = out

		if g.onGrant != nil {
			g.onGrant(pkg, out.Granted)
		}
	}

	slog.Info("capability_grant_report", "package", pkg, "granted", report.Granted, "failed", report.Failed)
	return report
}
