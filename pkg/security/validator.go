package security

import (
	"fmt"
	"log/slog"
)

// Validator enforces size limits on downloaded artifacts
type Validator struct {
	maxFileSize int64
}

// NewValidator creates a new security validator. A non-positive limit
// disables the size check.
func NewValidator(maxFileSize int64) *Validator {
	slog.Info("security_validator_init", "max_file_size_mb", maxFileSize/1024/1024)

	return &Validator{maxFileSize: maxFileSize}
}

// ValidateFileSize checks if a file exceeds max file size
func (v *Validator) ValidateFileSize(size int64) error {
	if v == nil || v.maxFileSize <= 0 {
		return nil
	}
	if size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.maxFileSize/1024/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// MaxFileSize returns the configured limit.
func (v *Validator) MaxFileSize() int64 {
	if v == nil {
		return 0
	}
	return v.maxFileSize
}
