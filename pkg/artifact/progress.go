package artifact

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/fleetkit/handoff/pkg/security"
)

// Progress is a snapshot of a running download. TotalBytes is zero or
// negative when the size was not announced.
type Progress struct {
	BytesReceived int64
	TotalBytes    int64
}

// Known reports whether the total size is known.
func (p Progress) Known() bool {
	return p.TotalBytes > 0
}

// Percent returns completion in [0, 100] and false when the total is unknown.
func (p Progress) Percent() (int, bool) {
	if !p.Known() {
		return 0, false
	}
	pct := p.BytesReceived * 100 / p.TotalBytes
	if pct > 100 {
		pct = 100
	}
	return int(pct), true
}

// String renders progress for logs.
func (p Progress) String() string {
	if pct, ok := p.Percent(); ok {
		return fmt.Sprintf("%s / %s (%d%%)",
			humanize.Bytes(uint64(p.BytesReceived)), humanize.Bytes(uint64(p.TotalBytes)), pct)
	}
	return humanize.Bytes(uint64(p.BytesReceived))
}

// progressWriter counts bytes flowing to disk, reports them and enforces
// the artifact size limit.
type progressWriter struct {
	progress   Progress
	onProgress func(Progress)
	validator  *security.Validator
	logEvery   *rate.Sometimes
}

func newProgressWriter(total int64, onProgress func(Progress), validator *security.Validator) *progressWriter {
	return &progressWriter{
		progress:   Progress{TotalBytes: total},
		onProgress: onProgress,
		validator:  validator,
		logEvery:   &rate.Sometimes{First: 1, Interval: 2 * time.Second},
	}
}

func (w *progressWriter) Write(b []byte) (int, error) {
	w.progress.BytesReceived += int64(len(b))
	if err := w.validator.ValidateFileSize(w.progress.BytesReceived); err != nil {
		return 0, err
	}

	if w.onProgress != nil {
		w.onProgress(w.progress)
	}
	w.logEvery.Do(func() {
		slog.Info("download_progress", "progress", w.progress.String())
	})
	return len(b), nil
}
