package unarchive

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

type Leaf struct {
	Name string
}

type Pair struct {
	Left  *Leaf
	Right *Leaf
}

type Node struct {
	Name string `archive:"name"`
	Next *Node  `archive:"next"`
}

func testRegistry() *Registry {
	registry := NewRegistry()
	Register[Leaf](registry, "Leaf")
	Register[Pair](registry, "Pair")
	Register[Node](registry, "Node", "Element")
	return registry
}

func writeArchive(t *testing.T, archiver *Archiver, v any) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.archive")
	require.NoError(t, archiver.ArchiveFile(path, v))
	return path
}

func requireCode(t *testing.T, err error, code Code) *Error {
	t.Helper()

	var archiveErr *Error
	require.ErrorAs(t, err, &archiveErr)
	require.Equal(t, code, archiveErr.Code, "error: %s", err)
	return archiveErr
}

func TestUnarchiveFileFoundationValues(t *testing.T) {
	when := time.Date(2015, time.October, 11, 12, 30, 0, 0, time.UTC)

	value := map[string]any{
		"name":    "Zürich",
		"count":   int64(3),
		"ratio":   0.25,
		"valid":   true,
		"tags":    []any{"first", "second"},
		"data":    []byte{0xde, 0xad, 0xbe, 0xef},
		"when":    when,
		"nested":  map[string]any{"answer": int64(42)},
		"nothing": nil,
	}

	for _, format := range []Format{FormatBinary, FormatXML} {
		t.Run(format.String(), func(t *testing.T) {
			path := writeArchive(t, NewArchiver(nil).WithFormat(format), value)

			root, err := UnarchiveFile(path)
			require.NoError(t, err)
			require.Equal(t, value, root)
		})
	}
}

func TestUnarchiveFileFormatsAgree(t *testing.T) {
	registry := testRegistry()

	value := &Pair{Left: &Leaf{Name: "left"}, Right: &Leaf{Name: "right"}}

	binary, err := NewArchiver(registry).Marshal(value)
	require.NoError(t, err)

	xml, err := NewArchiver(registry).WithFormat(FormatXML).Marshal(value)
	require.NoError(t, err)
	require.NotEqual(t, binary, xml)

	fromBinary, err := NewUnarchiver(registry).Unarchive(binary)
	require.NoError(t, err)

	fromXML, err := NewUnarchiver(registry).Unarchive(xml)
	require.NoError(t, err)

	require.Equal(t, value, fromBinary)
	require.Equal(t, fromBinary, fromXML)
}

func TestUnarchiveFileNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.archive")

	root, err := UnarchiveFile(path)
	require.Nil(t, root)
	require.ErrorIs(t, err, ErrFileNotFound)
	require.ErrorIs(t, err, os.ErrNotExist)

	archiveErr := requireCode(t, err, CodeFileNotFound)
	require.True(t, archiveErr.Code.IsFilesystem())
	require.Equal(t, path, archiveErr.Path)
	require.Equal(t, 260, archiveErr.Code.CocoaCode())
	require.Equal(t, "NSCocoaErrorDomain", archiveErr.Domain())
}

func TestUnarchiveFileDirectory(t *testing.T) {
	root, err := UnarchiveFile(t.TempDir())
	require.Nil(t, root)

	archiveErr := requireCode(t, err, CodeNotRegularFile)
	require.True(t, archiveErr.Code.IsFilesystem())
}

func TestUnarchiveFilePermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read any file")
	}

	path := writeArchive(t, NewArchiver(nil), "secret")
	require.NoError(t, os.Chmod(path, 0o000))

	_, err := UnarchiveFile(path)
	archiveErr := requireCode(t, err, CodePermissionDenied)
	require.True(t, archiveErr.Code.IsFilesystem())
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestUnarchiveFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.archive")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	root, err := UnarchiveFile(path)
	require.Nil(t, root)

	archiveErr := requireCode(t, err, CodeMalformedArchive)
	require.False(t, archiveErr.Code.IsFilesystem())
	require.Equal(t, 4864, archiveErr.Code.CocoaCode())
}

func TestUnarchiveFileIndependentResults(t *testing.T) {
	path := writeArchive(t, NewArchiver(nil), map[string]any{
		"tags": []any{"a", "b"},
	})

	first, err := UnarchiveFile(path)
	require.NoError(t, err)

	second, err := UnarchiveFile(path)
	require.NoError(t, err)

	require.Equal(t, first, second)

	first.(map[string]any)["tags"].([]any)[0] = "changed"
	first.(map[string]any)["added"] = true

	require.Equal(t, map[string]any{"tags": []any{"a", "b"}}, second)
}

func TestUnarchiveFileConcurrent(t *testing.T) {
	registry := testRegistry()
	path := writeArchive(t, NewArchiver(registry), &Node{Name: "first", Next: &Node{Name: "second"}})

	unarchiver := NewUnarchiver(registry)

	var wg sync.WaitGroup
	errs := make([]error, 16)

	for idx := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()

			root, err := unarchiver.UnarchiveFile(path)
			if err == nil && root.(*Node).Next.Name != "second" {
				err = errors.New("unexpected result")
			}

			errs[idx] = err
		}()
	}

	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestUnarchiveTruncated(t *testing.T) {
	data, err := NewArchiver(nil).Marshal(map[string]any{
		"name":  "a value that makes the archive a little longer",
		"count": int64(12),
		"tags":  []any{"x", "y", "z"},
	})
	require.NoError(t, err)

	for length := 0; length < len(data); length += 7 {
		_, err := NewUnarchiver(nil).Unarchive(data[:length])
		requireCode(t, err, CodeMalformedArchive)
	}
}

func TestUnarchiveGarbageNeverPanics(t *testing.T) {
	inputs := [][]byte{
		[]byte("hello world"),
		[]byte("bplist00"),
		[]byte("bplist00\x00\x01\x02\x03\x04\x05"),
		[]byte("<?xml version=\"1.0\"?><plist><dict><key>"),
		{0x28, 0xb5, 0x2f, 0xfd, 0x00, 0x01},
		{0x1f, 0x8b, 0x08},
		{0x04, 0x22, 0x4d, 0x18, 0xff},
		[]byte("\xff\x06\x00\x00sNaPpY\x00\x00"),
	}

	for _, input := range inputs {
		root, err := NewUnarchiver(nil).Unarchive(input)
		require.Nil(t, root)

		var archiveErr *Error
		require.ErrorAs(t, err, &archiveErr)
		require.False(t, archiveErr.Code.IsFilesystem())
	}
}

func TestUnarchiveNotAnArchive(t *testing.T) {
	cases := map[string]any{
		"plain dictionary": map[string]any{"hello": "world"},
		"plain array":      []any{"hello"},
		"wrong archiver": map[string]any{
			"$archiver": "NSArchiver",
			"$version":  100000,
			"$objects":  []any{"$null"},
			"$top":      map[string]any{"root": plist.UID(0)},
		},
		"wrong version": map[string]any{
			"$archiver": "NSKeyedArchiver",
			"$version":  99,
			"$objects":  []any{"$null"},
			"$top":      map[string]any{"root": plist.UID(0)},
		},
		"missing root": map[string]any{
			"$archiver": "NSKeyedArchiver",
			"$version":  100000,
			"$objects":  []any{"$null"},
			"$top":      map[string]any{"other": plist.UID(0)},
		},
		"reference out of range": map[string]any{
			"$archiver": "NSKeyedArchiver",
			"$version":  100000,
			"$objects":  []any{"$null", []any{plist.UID(7)}},
			"$top":      map[string]any{"root": plist.UID(1)},
		},
		"class without name": map[string]any{
			"$archiver": "NSKeyedArchiver",
			"$version":  100000,
			"$objects": []any{
				"$null",
				map[string]any{"$class": plist.UID(2)},
				map[string]any{"$classes": []any{"Thing"}},
			},
			"$top": map[string]any{"root": plist.UID(1)},
		},
		"dictionary length mismatch": map[string]any{
			"$archiver": "NSKeyedArchiver",
			"$version":  100000,
			"$objects": []any{
				"$null",
				map[string]any{
					"$class":     plist.UID(2),
					"NS.keys":    []any{plist.UID(3), plist.UID(3)},
					"NS.objects": []any{plist.UID(3)},
				},
				map[string]any{"$classname": "NSDictionary", "$classes": []any{"NSDictionary", "NSObject"}},
				"key",
			},
			"$top": map[string]any{"root": plist.UID(1)},
		},
	}

	for name, document := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := plist.Marshal(document, plist.BinaryFormat)
			require.NoError(t, err)

			_, err = NewUnarchiver(nil).Unarchive(data)
			requireCode(t, err, CodeMalformedArchive)
			require.ErrorIs(t, err, ErrMalformedArchive)
		})
	}
}

func TestUnarchiveNilRoot(t *testing.T) {
	data, err := NewArchiver(nil).Marshal(nil)
	require.NoError(t, err)

	root, err := NewUnarchiver(nil).Unarchive(data)
	require.NoError(t, err)
	require.Nil(t, root)
}

func TestUnarchiveUnknownClass(t *testing.T) {
	path := writeArchive(t, NewArchiver(testRegistry()), &Leaf{Name: "leaf"})

	root, err := UnarchiveFile(path)
	require.Nil(t, root)

	archiveErr := requireCode(t, err, CodeUnknownType)
	require.Equal(t, "Leaf", archiveErr.ClassName)
	require.ErrorIs(t, err, ErrUnknownType)
	require.False(t, archiveErr.Code.IsFilesystem())
}

func TestUnarchiveResolvesSuperclass(t *testing.T) {
	path := writeArchive(t, NewArchiver(testRegistry()), &Node{Name: "node"})

	// the archived class is unknown, but its superclass is registered
	registry := NewRegistry()
	Register[Leaf](registry, "Element")

	root, err := NewUnarchiver(registry).WithTag("archive").UnarchiveFile(path)
	require.NoError(t, err)
	require.Equal(t, &Leaf{}, root)
}

func TestUnarchiveTypedTargetNeedsNoRegistry(t *testing.T) {
	path := writeArchive(t, NewArchiver(testRegistry()), &Pair{
		Left:  &Leaf{Name: "left"},
		Right: &Leaf{Name: "right"},
	})

	pair, err := UnarchiveFileAs[Pair](NewUnarchiver(nil), path)
	require.NoError(t, err)
	require.Equal(t, Pair{Left: &Leaf{Name: "left"}, Right: &Leaf{Name: "right"}}, pair)
}

func TestUnarchiveSharedReferences(t *testing.T) {
	registry := testRegistry()

	shared := &Leaf{Name: "shared"}
	path := writeArchive(t, NewArchiver(registry), &Pair{Left: shared, Right: shared})

	root, err := NewUnarchiver(registry).UnarchiveFile(path)
	require.NoError(t, err)

	pair := root.(*Pair)
	require.Equal(t, "shared", pair.Left.Name)
	require.Same(t, pair.Left, pair.Right)

	typed, err := UnarchiveFileAs[*Pair](NewUnarchiver(nil), path)
	require.NoError(t, err)
	require.Same(t, typed.Left, typed.Right)
}

func TestUnarchiveCycle(t *testing.T) {
	registry := testRegistry()

	first := &Node{Name: "first"}
	second := &Node{Name: "second", Next: first}
	first.Next = second

	path := writeArchive(t, NewArchiver(registry), first)

	root, err := NewUnarchiver(registry).UnarchiveFile(path)
	require.NoError(t, err)

	node := root.(*Node)
	require.Equal(t, "first", node.Name)
	require.Equal(t, "second", node.Next.Name)
	require.Same(t, node, node.Next.Next)

	typed, err := UnarchiveFileAs[*Node](NewUnarchiver(nil), path)
	require.NoError(t, err)
	require.Same(t, typed, typed.Next.Next)
}

func TestUnarchiveCyclicArray(t *testing.T) {
	values := make([]any, 2)
	values[0] = "head"

	outer := map[string]any{"values": values}
	values[1] = outer

	data, err := NewArchiver(nil).Marshal(outer)
	require.NoError(t, err)

	root, err := NewUnarchiver(nil).Unarchive(data)
	require.NoError(t, err)

	decoded := root.(map[string]any)
	inner := decoded["values"].([]any)
	require.Equal(t, "head", inner[0])

	// the dictionary inside the array is the root dictionary itself
	inner[1].(map[string]any)["marker"] = true
	require.Equal(t, true, decoded["marker"])
}

func TestUnarchiveCompressed(t *testing.T) {
	registry := testRegistry()
	value := &Node{Name: "compressed", Next: &Node{Name: "tail"}}

	for _, compression := range []Compression{CompressionNone, CompressionZstd, CompressionGzip, CompressionLZ4, CompressionSnappy} {
		t.Run(compression.String(), func(t *testing.T) {
			archiver := NewArchiver(registry).WithCompression(compression)

			data, err := archiver.Marshal(value)
			require.NoError(t, err)
			require.Equal(t, compression, detectCompression(data))

			path := writeArchive(t, archiver, value)

			root, err := NewUnarchiver(registry).UnarchiveFile(path)
			require.NoError(t, err)
			require.Equal(t, value, root)
		})
	}
}

func TestUnarchiveCompressedSizeLimit(t *testing.T) {
	zeros := bytes.Repeat([]byte{0}, 4<<20)

	for _, compression := range []Compression{CompressionZstd, CompressionGzip, CompressionLZ4, CompressionSnappy} {
		t.Run(compression.String(), func(t *testing.T) {
			data, err := compress(zeros, compression)
			require.NoError(t, err)
			require.Less(t, len(data), 1<<20)

			_, err = NewUnarchiver(nil).WithMaxArchiveSize(1 << 20).Unarchive(data)
			requireCode(t, err, CodeMalformedArchive)
		})
	}

	t.Run("none", func(t *testing.T) {
		_, err := NewUnarchiver(nil).WithMaxArchiveSize(1 << 20).Unarchive(zeros)
		requireCode(t, err, CodeMalformedArchive)
		require.ErrorContains(t, err, "exceeds")
	})

	t.Run("within limit", func(t *testing.T) {
		value := &Node{Name: "small"}

		data, err := NewArchiver(testRegistry()).WithCompression(CompressionZstd).Marshal(value)
		require.NoError(t, err)

		root, err := NewUnarchiver(testRegistry()).WithMaxArchiveSize(1 << 20).Unarchive(data)
		require.NoError(t, err)
		require.Equal(t, value, root)
	})
}

func TestUnarchiveMaxDepth(t *testing.T) {
	var nested any = "bottom"
	for range 32 {
		nested = []any{nested}
	}

	data, err := NewArchiver(nil).Marshal(nested)
	require.NoError(t, err)

	_, err = NewUnarchiver(nil).Unarchive(data)
	require.NoError(t, err)

	_, err = NewUnarchiver(nil).WithMaxDepth(8).Unarchive(data)
	requireCode(t, err, CodeDecodeFailed)
}

func TestUnarchiveTypeMismatch(t *testing.T) {
	data, err := NewArchiver(nil).Marshal("not a number")
	require.NoError(t, err)

	var target int
	err = NewUnarchiver(nil).Unmarshal(data, &target)
	requireCode(t, err, CodeDecodeFailed)
	require.ErrorIs(t, err, ErrDecodeFailed)
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestUnarchiveRealOutOfRange(t *testing.T) {
	type Measure struct {
		N float64
	}

	registry := NewRegistry()
	Register[Measure](registry, "Measure")

	data, err := NewArchiver(registry).Marshal(&Measure{N: 1e19})
	require.NoError(t, err)

	var signed struct{ N int64 }
	err = NewUnarchiver(nil).Unmarshal(data, &signed)
	requireCode(t, err, CodeDecodeFailed)
	require.ErrorIs(t, err, strconv.ErrRange)

	var unsigned struct{ N uint64 }
	require.NoError(t, NewUnarchiver(nil).Unmarshal(data, &unsigned))
	require.Equal(t, uint64(10_000_000_000_000_000_000), unsigned.N)

	data, err = NewArchiver(registry).Marshal(&Measure{N: -1})
	require.NoError(t, err)

	err = NewUnarchiver(nil).Unmarshal(data, &unsigned)
	requireCode(t, err, CodeDecodeFailed)
	require.ErrorIs(t, err, ErrNotSupported)

	data, err = NewArchiver(registry).Marshal(&Measure{N: -4096})
	require.NoError(t, err)

	require.NoError(t, NewUnarchiver(nil).Unmarshal(data, &signed))
	require.Equal(t, int64(-4096), signed.N)
}

func TestUnarchiveDateRange(t *testing.T) {
	// about 200 years after the reference date still fits
	far := time.Date(2200, time.January, 1, 12, 0, 0, 0, time.UTC)

	path := writeArchive(t, NewArchiver(nil), map[string]any{"when": far})

	root, err := UnarchiveFile(path)
	require.NoError(t, err)

	when, ok := root.(map[string]any)["when"].(time.Time)
	require.True(t, ok)
	require.WithinDuration(t, far, when, time.Millisecond)

	// a time.Duration from the reference date cannot reach the year 2500
	_, err = NewArchiver(nil).Marshal(map[string]any{
		"when": time.Date(2500, time.January, 1, 0, 0, 0, 0, time.UTC),
	})
	require.ErrorIs(t, err, strconv.ErrRange)

	document := map[string]any{
		"$archiver": "NSKeyedArchiver",
		"$version":  100000,
		"$objects": []any{
			"$null",
			map[string]any{"$class": plist.UID(2), "NS.time": 1e300},
			map[string]any{"$classname": "NSDate", "$classes": []any{"NSDate", "NSObject"}},
		},
		"$top": map[string]any{"root": plist.UID(1)},
	}

	data, err := plist.Marshal(document, plist.BinaryFormat)
	require.NoError(t, err)

	_, err = NewUnarchiver(nil).Unarchive(data)
	requireCode(t, err, CodeDecodeFailed)
	require.ErrorIs(t, err, strconv.ErrRange)
}

func TestUnarchiveRequireValues(t *testing.T) {
	registry := testRegistry()
	data, err := NewArchiver(registry).Marshal(&Leaf{Name: "leaf"})
	require.NoError(t, err)

	type Wide struct {
		Name  string
		Color string
	}

	var wide Wide
	require.NoError(t, NewUnarchiver(nil).Unmarshal(data, &wide))
	require.Equal(t, Wide{Name: "leaf"}, wide)

	err = NewUnarchiver(nil).RequireValues().Unmarshal(data, &wide)
	requireCode(t, err, CodeDecodeFailed)
	require.ErrorIs(t, err, ErrNoValue)
}

func TestUnarchiveIntoFoundationTypes(t *testing.T) {
	type Record struct {
		Count   uint16
		Tags    []string
		Scores  map[string]float64
		Created time.Time
		Payload []byte
	}

	registry := NewRegistry()
	Register[Record](registry, "Record")

	value := Record{
		Count:   7,
		Tags:    []string{"a", "b"},
		Scores:  map[string]float64{"x": 1.5},
		Created: time.Date(2020, time.February, 29, 0, 0, 0, 0, time.UTC),
		Payload: []byte("payload"),
	}

	path := writeArchive(t, NewArchiver(registry).WithFormat(FormatXML), value)

	record, err := UnarchiveFileAs[Record](NewUnarchiver(nil), path)
	require.NoError(t, err)
	require.Equal(t, value, record)
}

func TestUnarchiveFileIntoNeedsPointer(t *testing.T) {
	path := writeArchive(t, NewArchiver(nil), "text")

	var text string
	err := NewUnarchiver(nil).UnarchiveFileInto(path, text)
	requireCode(t, err, CodeDecodeFailed)

	require.NoError(t, NewUnarchiver(nil).UnarchiveFileInto(path, &text))
	require.Equal(t, "text", text)
}

func TestUnarchiveFileAsClassMismatch(t *testing.T) {
	path := writeArchive(t, NewArchiver(testRegistry()), &Leaf{Name: "leaf"})

	_, err := UnarchiveFileAs[Pair](NewUnarchiver(testRegistry()), path)
	archiveErr := requireCode(t, err, CodeUnknownType)
	require.Equal(t, "Leaf", archiveErr.ClassName)
	require.Equal(t, path, archiveErr.Path)
	require.ErrorIs(t, err, ErrUnknownType)
	require.ErrorContains(t, err, "does not decode into")

	// the archived class decodes into its registered type
	leaf, err := UnarchiveFileAs[*Leaf](NewUnarchiver(testRegistry()), path)
	require.NoError(t, err)
	require.Equal(t, &Leaf{Name: "leaf"}, leaf)

	// unregistered target types are filled by key
	type Named struct{ Name string }
	named, err := UnarchiveFileAs[Named](NewUnarchiver(testRegistry()), path)
	require.NoError(t, err)
	require.Equal(t, Named{Name: "leaf"}, named)
}

func TestUnarchiveFileAsAliasedClass(t *testing.T) {
	legacy := NewRegistry()
	Register[Node](legacy, "MyApp.Node")

	path := writeArchive(t, NewArchiver(legacy), &Node{Name: "node"})

	registry := testRegistry()
	require.NoError(t, registry.Alias("MyApp.Node", "Node"))

	node, err := UnarchiveFileAs[Node](NewUnarchiver(registry).WithTag("archive"), path)
	require.NoError(t, err)
	require.Equal(t, Node{Name: "node"}, node)
}
