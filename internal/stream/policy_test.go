package stream

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		in   string
		want Policy
	}{
		{"", Report},
		{"report", Report},
		{"ignore", Ignore},
		{"stop", Stop},
		{"enospc", Enospc},
	} {
		p, err := ParsePolicy(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, p, "input %q", tc.in)
	}

	_, err := ParsePolicy("bogus")
	assert.Error(t, err)
}

func TestResolveAction(t *testing.T) {
	t.Parallel()
	ioErr := errors.New("read failed")
	nospace := fmt.Errorf("write: %w", syscall.ENOSPC)

	assert.Equal(t, ActionReport, resolveAction(ioErr, Report))
	assert.Equal(t, ActionIgnore, resolveAction(ioErr, Ignore))
	assert.Equal(t, ActionStop, resolveAction(ioErr, Stop))

	// Enospc pauses only on out-of-space, reports everything else.
	assert.Equal(t, ActionStop, resolveAction(nospace, Enospc))
	assert.Equal(t, ActionReport, resolveAction(ioErr, Enospc))
}
