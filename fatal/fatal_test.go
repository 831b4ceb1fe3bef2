package fatal

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbortPanicsWithViolation(t *testing.T) {

	var out bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&out, nil)))
	defer SetLogger(nil)

	require.PanicsWithError(t, "kfree: double free of 0x1000", func() {
		Abort("kfree", "double free of %#x", 0x1000)
	})

	assert.Contains(t, out.String(), "kernel panic")
	assert.Contains(t, out.String(), "op=kfree")
}

func TestRecover(t *testing.T) {

	var violation *Violation
	var ok bool

	func() {
		defer func() {
			violation, ok = Recover(recover())
		}()
		Abort("bget", "no buffers")
	}()

	require.True(t, ok)
	assert.Equal(t, "bget", violation.Op)
	assert.Equal(t, "no buffers", violation.Msg)

	_, ok = Recover("something else")
	assert.False(t, ok)
}
