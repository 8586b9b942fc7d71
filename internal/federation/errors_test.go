package federation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emptyError struct{}

func (emptyError) Error() string { return "" }

func TestWrapFetch_NamesFailureClass(t *testing.T) {
	t.Parallel()

	err := WrapFetch(errors.New("dial tcp: refused"))
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "*errors.errorString", fe.Class)
	assert.Contains(t, err.Error(), "instance fetch failed")
	assert.Contains(t, err.Error(), "dial tcp: refused")
}

func TestWrapFetch_EmptyMessageStillNamesClass(t *testing.T) {
	t.Parallel()

	err := WrapFetch(emptyError{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "federation.emptyError")
}

func TestWrapFetch_PreservesSentinelsAndIdempotent(t *testing.T) {
	t.Parallel()

	inner := WrapFetch(ErrRestrictedAddress)
	assert.ErrorIs(t, inner, ErrRestrictedAddress)

	again := WrapFetch(inner)
	assert.Same(t, inner, again)

	assert.NoError(t, WrapFetch(nil))
}
