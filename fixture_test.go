package unarchive_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gum/unarchive"
	"github.com/go-gum/unarchive/location"
	"github.com/stretchr/testify/require"
)

// testdata/address_cache.plist has the layout Foundation writes for a dictionary
// holding an address and a number, including a mutable string.
const fixturePath = "testdata/address_cache.plist"

func TestUnarchiveFixture(t *testing.T) {
	registry := unarchive.NewRegistry()
	require.NoError(t, location.Register(registry))

	root, err := unarchive.NewUnarchiver(registry).UnarchiveFile(fixturePath)
	require.NoError(t, err)

	entries, ok := root.(map[string]any)
	require.True(t, ok, "root is %T", root)
	require.Len(t, entries, 2)
	require.Equal(t, int64(42), entries["visits"])

	address, ok := entries["Berlin, Germany"].(*location.Address)
	require.True(t, ok, "entry is %T", entries["Berlin, Germany"])

	require.Equal(t, "Unter den Linden 1", address.Street)
	require.Equal(t, "10117", address.ZipCode)
	require.Equal(t, location.City{
		Name:    "Berlin",
		Country: location.Country{Name: "Germany", ISO: "DE"},
	}, address.City)
	require.InDelta(t, 52.5170365, address.Location.Latitude, 1e-9)
	require.InDelta(t, 13.3888599, address.Location.Longitude, 1e-9)
	require.NoError(t, address.Validate())
}

func TestUnarchiveFixtureWithoutRegistry(t *testing.T) {
	_, err := unarchive.UnarchiveFile(fixturePath)

	var archiveErr *unarchive.Error
	require.ErrorAs(t, err, &archiveErr)
	require.Equal(t, unarchive.CodeUnknownType, archiveErr.Code)
	require.Equal(t, "Location.Address", archiveErr.ClassName)
	require.Equal(t, fixturePath, archiveErr.Path)
}

func TestUnarchiveFixtureTruncated(t *testing.T) {
	data, err := os.ReadFile(fixturePath)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "truncated.plist")
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o644))

	registry := unarchive.NewRegistry()
	require.NoError(t, location.Register(registry))

	root, err := unarchive.NewUnarchiver(registry).UnarchiveFile(path)
	require.Nil(t, root)
	require.ErrorIs(t, err, unarchive.ErrMalformedArchive)
}

func TestUnarchiveFixtureRoundTrip(t *testing.T) {
	registry := unarchive.NewRegistry()
	require.NoError(t, location.Register(registry))

	unarchiver := unarchive.NewUnarchiver(registry)

	original, err := unarchiver.UnarchiveFile(fixturePath)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "rewritten.archive")
	require.NoError(t, unarchive.NewArchiver(registry).ArchiveFile(path, original))

	rewritten, err := unarchiver.UnarchiveFile(path)
	require.NoError(t, err)
	require.Equal(t, original, rewritten)
}
