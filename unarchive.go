package unarchive

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"reflect"
	"runtime/debug"
)

// DefaultMaxArchiveSize limits the size of an archive after decompression.
const DefaultMaxArchiveSize = 256 << 20

// Unarchiver decodes keyed archives. Classes found in an archive are resolved through
// the Registry of the Unarchiver when the target type does not determine them already.
// An Unarchiver keeps no state between calls and is safe for concurrent use.
type Unarchiver struct {
	decoder  *Decoder
	registry *Registry

	// the largest archive accepted, measured after decompression
	maxSize int64
}

// NewUnarchiver returns an Unarchiver resolving classes with registry. A nil registry
// only allows Foundation values and typed targets.
func NewUnarchiver(registry *Registry) *Unarchiver {
	if registry == nil {
		registry = NewRegistry()
	}

	return &Unarchiver{
		decoder:  NewDecoder().WithRegistry(registry),
		registry: registry,
		maxSize:  DefaultMaxArchiveSize,
	}
}

func (u *Unarchiver) clone() *Unarchiver {
	clone := *u
	return &clone
}

// WithTag returns an Unarchiver matching struct fields using the given struct tag.
func (u *Unarchiver) WithTag(structTag string) *Unarchiver {
	clone := u.clone()
	clone.decoder = u.decoder.WithTag(structTag)
	return clone
}

// RequireValues returns an Unarchiver that fails if an archived object lacks a
// value for a field of the target struct.
func (u *Unarchiver) RequireValues() *Unarchiver {
	clone := u.clone()
	clone.decoder = u.decoder.RequireValues()
	return clone
}

// WithMaxDepth returns an Unarchiver limiting the nesting of decoded values.
func (u *Unarchiver) WithMaxDepth(maxDepth int) *Unarchiver {
	clone := u.clone()
	clone.decoder = u.decoder.WithMaxDepth(maxDepth)
	return clone
}

// WithMaxArchiveSize returns an Unarchiver rejecting archives that are larger than
// maxSize bytes once decompressed. Values below one fall back to DefaultMaxArchiveSize.
func (u *Unarchiver) WithMaxArchiveSize(maxSize int64) *Unarchiver {
	switch {
	case maxSize < 1:
		maxSize = DefaultMaxArchiveSize
	case maxSize == math.MaxInt64:
		// one byte of headroom for the overflow check
		maxSize--
	}

	clone := u.clone()
	clone.maxSize = maxSize
	return clone
}

// UnarchiveFile reads the keyed archive at path and returns its root object. Classes
// that are not Foundation values can not be decoded, use an Unarchiver with a Registry
// for those.
func UnarchiveFile(path string) (any, error) {
	return NewUnarchiver(nil).UnarchiveFile(path)
}

// UnarchiveFile reads the keyed archive at path and returns its root object.
// The error is always an *Error.
func (u *Unarchiver) UnarchiveFile(path string) (any, error) {
	var root any
	if err := u.UnarchiveFileInto(path, &root); err != nil {
		return nil, err
	}

	return root, nil
}

// UnarchiveFileInto reads the keyed archive at path and decodes its root object into
// target, which must be a non-nil pointer. The error is always an *Error.
func (u *Unarchiver) UnarchiveFileInto(path string, target any) error {
	data, err := readArchiveFile(path)
	if err != nil {
		return err
	}

	return u.unmarshal(path, data, target)
}

// UnarchiveFileAs reads the keyed archive at path and decodes its root object into a T.
func UnarchiveFileAs[T any](u *Unarchiver, path string) (T, error) {
	var target T
	if err := u.UnarchiveFileInto(path, &target); err != nil {
		var zero T
		return zero, err
	}

	return target, nil
}

// Unarchive decodes the keyed archive in data and returns its root object.
func (u *Unarchiver) Unarchive(data []byte) (any, error) {
	var root any
	if err := u.Unmarshal(data, &root); err != nil {
		return nil, err
	}

	return root, nil
}

// Unmarshal decodes the keyed archive in data into target.
func (u *Unarchiver) Unmarshal(data []byte, target any) error {
	return u.unmarshal("", data, target)
}

func (u *Unarchiver) unmarshal(path string, data []byte, target any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{
				Code: CodeDecodeFailed,
				Path: path,
				Err:  fmt.Errorf("panic: %v\n%s", r, debug.Stack()),
			}
		}
	}()

	data, err = decompress(data, u.maxSize)
	if err != nil {
		return classify(path, err)
	}

	arch, err := parseArchive(data)
	if err != nil {
		return classify(path, err)
	}

	root := arch.valueOf(arch.root)
	if err := u.checkRootClass(root, target); err != nil {
		return classify(path, err)
	}

	if err := u.decoder.Unmarshal(root, target); err != nil {
		return classify(path, err)
	}

	return nil
}

// checkRootClass rejects a root object whose archived classes do not resolve to the
// target type, if that type is registered. Unregistered targets decode any object.
func (u *Unarchiver) checkRootClass(root *archiveValue, target any) error {
	ty := reflect.TypeOf(target)
	for ty != nil && ty.Kind() == reflect.Pointer {
		ty = ty.Elem()
	}

	if ty == nil || root.Kind() != KindObject {
		return nil
	}

	if _, ok := u.registry.ClassOf(ty); !ok {
		return nil
	}

	for _, className := range root.ClassNames() {
		if resolved, ok := u.registry.Lookup(className); ok && resolved == ty {
			return nil
		}
	}

	return classMismatch(root.ClassName(), ty)
}

// readArchiveFile reads a regular file. Failures are reported with a filesystem code.
func readArchiveFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileError(path, err)
	}

	if !info.Mode().IsRegular() {
		return nil, &Error{
			Code: CodeNotRegularFile,
			Path: path,
			Err:  fmt.Errorf("file mode %s", info.Mode().Type()),
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileError(path, err)
	}

	return data, nil
}

func fileError(path string, err error) *Error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &Error{Code: CodeFileNotFound, Path: path, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &Error{Code: CodePermissionDenied, Path: path, Err: err}
	default:
		return &Error{Code: CodeReadFailed, Path: path, Err: err}
	}
}
