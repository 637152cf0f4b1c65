package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := Validation("bad extension %q", ".exe")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.True(t, IsKind(err, KindValidation))
	assert.False(t, IsKind(err, KindNotFound))
}

func TestKindOfWrapped(t *testing.T) {
	inner := UpstreamRejected("dataset quota exceeded")
	outer := fmt.Errorf("upload document: %w", inner)
	assert.Equal(t, KindUpstreamRejected, KindOf(outer))
	assert.Equal(t, "dataset quota exceeded", Message(outer))
}

func TestKindOfUntyped(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := UpstreamUnavailable(cause, "conversion service")
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "upstream_unavailable")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable kind", UpstreamUnavailable(errors.New("x"), "kb"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"connection refused", errors.New("dial tcp 10.0.0.1:80: connection refused"), true},
		{"timeout text", errors.New("request timeout after 30s"), true},
		{"rejected kind", UpstreamRejected("code 102"), false},
		{"plain", errors.New("no such file"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}
