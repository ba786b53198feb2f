package gameerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindsSurviveWrapping(t *testing.T) {
	err := NotFound("room %s", "abc")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "abc")

	wrapped := fmt.Errorf("lookup: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotFound))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{Validation("bad"), 400},
		{Unauthorized("nope"), 401},
		{NotFound("gone"), 404},
		{Conflict("taken"), 409},
		{Precondition("not yet"), 422},
		{Internal(errors.New("boom")), 500},
		{errors.New("unclassified"), 500},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, HTTPStatus(tc.err), "%v", tc.err)
	}
}

func TestInternalNilPassthrough(t *testing.T) {
	require.NoError(t, Internal(nil))
}
