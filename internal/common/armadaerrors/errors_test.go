package armadaerrors

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrNotFound_Error(t *testing.T) {
	tests := map[string]struct {
		err      *ErrNotFound
		expected string
	}{
		"value only": {
			err:      &ErrNotFound{Value: "T1_US_FNAL"},
			expected: `resource "T1_US_FNAL" does not exist`,
		},
		"with type and message": {
			err:      &ErrNotFound{Type: "site", Value: "T1_US_FNAL", Message: "not in job store"},
			expected: `resource "T1_US_FNAL" of type "site" does not exist; not in job store`,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.err.Error())
		})
	}
}

func TestIsNotFound(t *testing.T) {
	err := errors.Wrap(&ErrNotFound{Value: "foo"}, "looking up site")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(errors.New("foo")))
}

func TestErrUnavailable(t *testing.T) {
	cause := errors.New("connection refused")
	err := errors.WithStack(&ErrUnavailable{Service: "registry", Cause: cause})
	assert.EqualError(t, err, "registry is unavailable: connection refused")

	var unavailable *ErrUnavailable
	assert.ErrorAs(t, err, &unavailable)
	assert.ErrorIs(t, err, cause)
}
