package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ignored"))

	base := stderrors.New("disk full")
	err := Wrap(base, "write artifact")
	assert.EqualError(t, err, "write artifact: disk full")
	assert.True(t, stderrors.Is(err, base))
}

func TestWrapf(t *testing.T) {
	assert.Nil(t, Wrapf(nil, "phase %s", "download"))

	base := stderrors.New("timeout")
	err := Wrapf(base, "phase %s", "download")
	assert.EqualError(t, err, "phase download: timeout")
	assert.True(t, stderrors.Is(err, base))
}
