package platform

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fleetkit/handoff/pkg/errors"
)

const defaultBridgeTimeout = 15 * time.Second

// Bridge is a Platform backed by the on-device privileged bridge, spoken to
// as JSON over HTTP.
type Bridge struct {
	baseURL    *url.URL
	client     *http.Client
	maxRetries uint64
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithHTTPClient overrides the client used to reach the bridge.
func WithHTTPClient(c *http.Client) BridgeOption {
	return func(b *Bridge) { b.client = c }
}

// WithMaxRetries bounds retries of idempotent queries.
func WithMaxRetries(n uint64) BridgeOption {
	return func(b *Bridge) { b.maxRetries = n }
}

// NewBridge creates a bridge client for baseURL.
func NewBridge(baseURL string, opts ...BridgeOption) (*Bridge, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid bridge URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid bridge URL %q: scheme must be http or https", baseURL)
	}

	b := &Bridge{
		baseURL:    u,
		client:     &http.Client{Timeout: defaultBridgeTimeout},
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(b)
	}

	slog.Info("platform_bridge_init", "url", u.Redacted())
	return b, nil
}

type bridgeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type installBody struct {
	ArtifactPath string `json:"artifactPath"`
	Package      string `json:"package"`
	AttemptID    string `json:"attemptId"`
	Mode         string `json:"mode"`
	CallbackURL  string `json:"callbackUrl,omitempty"`
}

type grantBody struct {
	Admin      string `json:"admin"`
	Package    string `json:"package"`
	Capability string `json:"capability"`
}

type transferBody struct {
	From     string            `json:"from"`
	To       string            `json:"to"`
	Metadata map[string]string `json:"metadata"`
}

func (b *Bridge) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	var out struct {
		Installed bool `json:"installed"`
	}
	if err := b.query(ctx, "/v1/packages/"+url.PathEscape(pkg), nil, &out); err != nil {
		if stderrors.Is(err, ErrPackageNotFound) {
			return false, nil
		}
		return false, err
	}
	return out.Installed, nil
}

func (b *Bridge) InstallSilently(ctx context.Context, artifactPath string, req InstallRequest) error {
	return b.install(ctx, artifactPath, req, ModeSilent)
}

func (b *Bridge) InstallInteractively(ctx context.Context, artifactPath string, req InstallRequest) error {
	return b.install(ctx, artifactPath, req, ModeInteractive)
}

func (b *Bridge) install(ctx context.Context, artifactPath string, req InstallRequest, mode string) error {
	slog.Info("bridge_install_submit", "attempt_id", req.AttemptID, "package", req.Package, "mode", mode)
	return b.post(ctx, "/v1/installs", installBody{
		ArtifactPath: artifactPath,
		Package:      req.Package,
		AttemptID:    req.AttemptID,
		Mode:         mode,
		CallbackURL:  req.CallbackURL,
	}, nil)
}

func (b *Bridge) PresentConfirmation(ctx context.Context, handle string) error {
	return b.post(ctx, "/v1/confirmations", map[string]string{"handle": handle}, nil)
}

func (b *Bridge) GrantCapability(ctx context.Context, admin Component, pkg, capability string) (bool, error) {
	var out struct {
		Granted bool `json:"granted"`
	}
	err := b.post(ctx, "/v1/grants", grantBody{
		Admin:      admin.String(),
		Package:    pkg,
		Capability: capability,
	}, &out)
	if err != nil {
		return false, err
	}
	return out.Granted, nil
}

func (b *Bridge) IsAdminActive(ctx context.Context, admin Component) (bool, error) {
	var out struct {
		Active bool `json:"active"`
	}
	q := url.Values{"component": {admin.String()}}
	if err := b.query(ctx, "/v1/admins/active", q, &out); err != nil {
		return false, err
	}
	return out.Active, nil
}

func (b *Bridge) LaunchAgent(ctx context.Context, pkg string) error {
	return b.post(ctx, "/v1/launches", map[string]string{"package": pkg}, nil)
}

func (b *Bridge) TransferOwnership(ctx context.Context, from, to Component, metadata map[string]string) error {
	slog.Info("bridge_transfer_ownership", "from", from.String(), "to", to.String())
	return b.post(ctx, "/v1/ownership/transfer", transferBody{
		From:     from.String(),
		To:       to.String(),
		Metadata: metadata,
	}, nil)
}

func (b *Bridge) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// query performs an idempotent GET, retrying transport errors and 5xx.
func (b *Bridge) query(ctx context.Context, path string, q url.Values, out any) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), b.maxRetries), ctx)

	op := func() error {
		err := b.do(ctx, http.MethodGet, path, q, nil, out)
		var se *statusError
		if stderrors.As(err, &se) && se.status < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("bridge_query_retry", "path", path, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(op, policy, notify)
}

func (b *Bridge) post(ctx context.Context, path string, body, out any) error {
	return b.do(ctx, http.MethodPost, path, nil, body, out)
}

type statusError struct {
	status int
	code   string
	msg    string
}

func (e *statusError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("bridge returned %d %s", e.status, e.code)
	}
	return fmt.Sprintf("bridge returned %d %s: %s", e.status, e.code, e.msg)
}

func (b *Bridge) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := b.baseURL.JoinPath(path)
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode bridge request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return errors.Wrap(err, "failed to build bridge request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "bridge %s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeBridgeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode bridge %s %s response", method, path)
	}
	return nil
}

func decodeBridgeError(resp *http.Response) error {
	var be bridgeError
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &be); err != nil {
		be.Message = strings.TrimSpace(string(data))
	}

	se := &statusError{status: resp.StatusCode, code: be.Code, msg: be.Message}

	var sentinel error
	switch {
	case be.Code == CodePackageNotFound:
		sentinel = ErrPackageNotFound
	case be.Code == CodeAdminInactive:
		sentinel = ErrAdminInactive
	case be.Code == CodeInstallRejected, resp.StatusCode == http.StatusConflict:
		sentinel = ErrInstallRejected
	case be.Code == CodeNotSupported, resp.StatusCode == http.StatusNotImplemented:
		sentinel = ErrNotSupported
	}
	if sentinel == nil {
		return se
	}
	return &codedError{sentinel: sentinel, statusError: se}
}

// codedError keeps both the platform sentinel and the HTTP status visible to
// errors.Is and errors.As.
type codedError struct {
	sentinel error
	*statusError
}

func (e *codedError) Error() string {
	return e.sentinel.Error() + ": " + e.statusError.Error()
}

func (e *codedError) Unwrap() []error {
	return []error{e.sentinel, e.statusError}
}
