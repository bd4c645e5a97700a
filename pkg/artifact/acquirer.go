// Package artifact streams the target agent's installable artifact to local
// storage over HTTP(S) or from S3.
package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fleetkit/handoff/pkg/errors"
	"github.com/fleetkit/handoff/pkg/security"
)

// Defaults mirror what the bootstrap agent historically used.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultReadTimeout    = 60 * time.Second
)

// Options configures an Acquirer.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	S3Region       string
	Validator      *security.Validator
	HTTPClient     *http.Client
}

// Acquirer downloads artifacts to local files.
type Acquirer struct {
	httpClient  *http.Client
	readTimeout time.Duration
	validator   *security.Validator
	s3Region    string

	s3Once sync.Once
	s3     *S3Client
	s3Err  error
}

// NewAcquirer creates an Acquirer.
func NewAcquirer(opts Options) *Acquirer {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
				TLSHandshakeTimeout:   opts.ConnectTimeout,
				ResponseHeaderTimeout: opts.ReadTimeout,
			},
		}
	}

	return &Acquirer{
		httpClient:  client,
		readTimeout: opts.ReadTimeout,
		validator:   opts.Validator,
		s3Region:    opts.S3Region,
	}
}

// Acquire streams rawURL into dest, calling onProgress as bytes arrive. Any
// existing file at dest is replaced only once the download is complete; a
// failed download leaves no partial file behind.
func (a *Acquirer) Acquire(ctx context.Context, rawURL, dest string, onProgress func(Progress)) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrap(err, "invalid artifact URL")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("download_started", "url", redact(u), "local_path", dest)

	body, total, err := a.open(ctx, u)
	if err != nil {
		slog.Error("download_open_failed", "url", redact(u), "error", err)
		return "", err
	}
	defer body.Close()

	if total > 0 {
		if err := a.validator.ValidateFileSize(total); err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create download dir")
	}

	partial := dest + ".partial"
	f, err := os.Create(partial)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", partial, "error", err)
		return "", errors.Wrap(err, "failed to create local file")
	}

	pw := newProgressWriter(total, onProgress, a.validator)
	if onProgress != nil {
		onProgress(pw.progress)
	}

	size, err := io.Copy(io.MultiWriter(f, pw), newIdleReader(body, a.readTimeout, cancel))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && total > 0 && size != total {
		err = fmt.Errorf("download truncated: received %d of %d bytes", size, total)
	}
	if err != nil {
		os.Remove(partial)
		slog.Error("download_failed", "url", redact(u), "received", size, "error", err)
		return "", errors.Wrap(err, "failed to download artifact")
	}

	if err := os.Rename(partial, dest); err != nil {
		os.Remove(partial)
		return "", errors.Wrap(err, "failed to move artifact into place")
	}

	slog.Info("download_complete", "local_path", dest, "progress", pw.progress.String())
	return dest, nil
}

func (a *Acquirer) open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	switch u.Scheme {
	case "http", "https":
		return a.openHTTP(ctx, u)
	case "s3":
		bucket, key, err := parseS3URL(u)
		if err != nil {
			return nil, 0, err
		}
		client, err := a.s3Client(ctx)
		if err != nil {
			return nil, 0, err
		}
		return client.Open(ctx, bucket, key)
	}
	return nil, 0, fmt.Errorf("unsupported artifact URL scheme %q", u.Scheme)
}

func (a *Acquirer) openHTTP(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to build request")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(err, "request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("unexpected HTTP status %s", resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

func (a *Acquirer) s3Client(ctx context.Context) (*S3Client, error) {
	a.s3Once.Do(func() {
		a.s3, a.s3Err = NewS3Client(ctx, a.s3Region)
	})
	return a.s3, a.s3Err
}

// idleReader cancels the download when no bytes arrive for the timeout.
type idleReader struct {
	r     io.Reader
	d     time.Duration
	timer *time.Timer
}

func newIdleReader(r io.Reader, d time.Duration, cancel context.CancelFunc) *idleReader {
	return &idleReader{r: r, d: d, timer: time.AfterFunc(d, cancel)}
}

func (r *idleReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	if n > 0 {
		r.timer.Reset(r.d)
	}
	if err != nil {
		r.timer.Stop()
	}
	return n, err
}

func redact(u *url.URL) string {
	return u.Redacted()
}
