package unarchive

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptySource(t *testing.T) {
	var source EmptySource

	_, err := source.Bool()
	require.ErrorIs(t, err, ErrNotSupported)
	require.ErrorContains(t, err, "bool value")

	_, err = source.Int()
	require.ErrorIs(t, err, ErrNotSupported)

	_, err = source.Uint()
	require.ErrorIs(t, err, ErrNotSupported)

	_, err = source.Float()
	require.ErrorIs(t, err, ErrNotSupported)

	_, err = source.String()
	require.ErrorIs(t, err, ErrNotSupported)

	_, err = source.Get("street")
	require.ErrorIs(t, err, ErrNotSupported)
	require.ErrorContains(t, err, `"street"`)

	_, err = source.KeyValues()
	require.ErrorIs(t, err, ErrNotSupported)

	_, err = source.Iter()
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestEmptySourceEmbedded(t *testing.T) {
	// only the overridden conversion succeeds
	source := plainStringSource{Value: "42"}

	value, err := UnmarshalNew[int](source)
	require.NoError(t, err)
	require.Equal(t, 42, value)

	_, err = UnmarshalNew[[]int](source)
	require.ErrorIs(t, err, ErrNotSupported)
	require.ErrorContains(t, err, "iterate")
}
