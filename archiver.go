package unarchive

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"time"

	"howett.net/plist"
)

// Format selects the property list representation written by an Archiver.
type Format int

const (
	FormatBinary Format = iota
	FormatXML
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatXML:
		return "xml"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat parses the name of a format as returned by Format.String.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "", "binary":
		return FormatBinary, nil
	case "xml":
		return FormatXML, nil
	default:
		return FormatBinary, fmt.Errorf("unknown format %q", name)
	}
}

func (f Format) plistFormat() (int, error) {
	switch f {
	case FormatBinary:
		return plist.BinaryFormat, nil
	case FormatXML:
		return plist.XMLFormat, nil
	default:
		return 0, fmt.Errorf("unsupported format %s", f)
	}
}

var tyArchiveMarshaler = reflect.TypeFor[ArchiveMarshaler]()

// Archiver writes Go values as keyed archives that an Unarchiver (or Foundation's
// NSKeyedUnarchiver) can read back. Structs must be registered with the Registry
// of the Archiver. Pointers and maps are archived once and referenced wherever they
// appear again, so shared values and reference cycles survive a round trip.
type Archiver struct {
	registry    *Registry
	format      Format
	compression Compression
	structTag   string
}

func NewArchiver(registry *Registry) *Archiver {
	if registry == nil {
		registry = NewRegistry()
	}

	return &Archiver{
		registry:  registry,
		format:    FormatBinary,
		structTag: "archive",
	}
}

func (a *Archiver) WithFormat(format Format) *Archiver {
	clone := *a
	clone.format = format
	return &clone
}

func (a *Archiver) WithCompression(compression Compression) *Archiver {
	clone := *a
	clone.compression = compression
	return &clone
}

func (a *Archiver) WithTag(structTag string) *Archiver {
	clone := *a
	clone.structTag = structTag
	return &clone
}

// Marshal archives v as the root object.
func (a *Archiver) Marshal(v any) ([]byte, error) {
	plistFormat, err := a.format.plistFormat()
	if err != nil {
		return nil, err
	}

	st := &encodeState{
		archiver: a,
		objects:  []any{nullObject},
		classes:  map[string]plist.UID{},
		seen:     map[seenKey]plist.UID{},
	}

	root, err := st.encodeObject(reflect.ValueOf(v))
	if err != nil {
		return nil, fmt.Errorf("archive root: %w", err)
	}

	document := map[string]any{
		keyArchiver: archiverName,
		keyVersion:  archiverVersion,
		keyTop:      map[string]any{rootKey: root},
		keyObjects:  st.objects,
	}

	data, err := plist.Marshal(document, plistFormat)
	if err != nil {
		return nil, fmt.Errorf("write property list: %w", err)
	}

	return compress(data, a.compression)
}

// ArchiveFile archives v and writes it to path. The file is replaced atomically.
func (a *Archiver) ArchiveFile(path string, v any) error {
	data, err := a.Marshal(v)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}

	// no-op once the rename succeeded
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}

	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}

	return nil
}

type seenKey struct {
	ptr uintptr
	ty  reflect.Type
}

type encodeState struct {
	archiver *Archiver
	objects  []any
	classes  map[string]plist.UID
	seen     map[seenKey]plist.UID
}

func (st *encodeState) reserve() plist.UID {
	st.objects = append(st.objects, nil)
	return plist.UID(len(st.objects) - 1)
}

func (st *encodeState) add(object any) plist.UID {
	st.objects = append(st.objects, object)
	return plist.UID(len(st.objects) - 1)
}

// classRef returns the reference to the class description for the hierarchy.
func (st *encodeState) classRef(hierarchy ...string) plist.UID {
	if uid, ok := st.classes[hierarchy[0]]; ok {
		return uid
	}

	uid := st.add(map[string]any{
		keyClassName: hierarchy[0],
		keyClasses:   hierarchy,
	})

	st.classes[hierarchy[0]] = uid
	return uid
}

// fieldValue encodes the value of an object field. Scalars are stored inline.
func (st *encodeState) fieldValue(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return plist.UID(0), nil
	}

	if !v.Type().Implements(tyArchiveMarshaler) && v.Type() != tyTime {
		switch v.Kind() {
		case reflect.Bool:
			return v.Bool(), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return v.Int(), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return v.Uint(), nil
		case reflect.Float32, reflect.Float64:
			return v.Float(), nil
		}
	}

	return st.encodeObject(v)
}

// encodeObject adds v to the object table and returns its reference.
func (st *encodeState) encodeObject(v reflect.Value) (plist.UID, error) {
	if !v.IsValid() {
		return 0, nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return 0, nil
		}

		return st.encodeObject(v.Elem())

	case reflect.Pointer, reflect.Map:
		if v.IsNil() {
			return 0, nil
		}

		key := seenKey{ptr: v.Pointer(), ty: v.Type()}
		if uid, ok := st.seen[key]; ok {
			return uid, nil
		}

		// reserve the slot first, the value might refer back to itself
		uid := st.reserve()
		st.seen[key] = uid

		target := v
		if v.Kind() == reflect.Pointer && !v.Type().Implements(tyArchiveMarshaler) {
			target = v.Elem()
		}

		object, err := st.objectFor(target)
		if err != nil {
			return 0, err
		}

		st.objects[uid] = object
		return uid, nil

	default:
		uid := st.reserve()

		object, err := st.objectFor(v)
		if err != nil {
			return 0, err
		}

		st.objects[uid] = object
		return uid, nil
	}
}

// objectFor returns the object table entry for v.
func (st *encodeState) objectFor(v reflect.Value) (any, error) {
	ty := v.Type()

	switch {
	case ty == tyTime:
		seconds, err := secondsOf(v.Interface().(time.Time))
		if err != nil {
			return nil, err
		}

		return map[string]any{
			keyClass:  st.classRef("NSDate", "NSObject"),
			keyNSTime: seconds,
		}, nil

	case ty == tyBytes:
		return slices.Clone(v.Bytes()), nil

	case ty.Implements(tyArchiveMarshaler):
		return st.marshalerObject(v)

	case reflect.PointerTo(ty).Implements(tyArchiveMarshaler):
		// take the address of a copy, v might not be addressable
		ptr := reflect.New(ty)
		ptr.Elem().Set(v)
		return st.marshalerObject(ptr)
	}

	switch ty.Kind() {
	case reflect.Bool:
		return v.Bool(), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint(), nil

	case reflect.Float32, reflect.Float64:
		return v.Float(), nil

	case reflect.String:
		return v.String(), nil

	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nullObject, nil
		}

		return st.objectFor(v.Elem())

	case reflect.Slice, reflect.Array:
		elements := make([]any, 0, v.Len())
		for idx := range v.Len() {
			uid, err := st.encodeObject(v.Index(idx))
			if err != nil {
				return nil, fmt.Errorf("element idx=%d: %w", idx, err)
			}

			elements = append(elements, uid)
		}

		return map[string]any{
			keyClass:     st.classRef("NSArray", "NSObject"),
			keyNSObjects: elements,
		}, nil

	case reflect.Map:
		return st.dictionaryObject(v)

	case reflect.Struct:
		return st.structObject(v)

	default:
		return nil, NotSupportedError{Type: ty}
	}
}

func (st *encodeState) dictionaryObject(v reflect.Value) (any, error) {
	mapKeys := v.MapKeys()

	// archive in a stable order
	slices.SortFunc(mapKeys, func(a, b reflect.Value) int {
		return cmp.Compare(fmt.Sprint(a.Interface()), fmt.Sprint(b.Interface()))
	})

	keys := make([]any, 0, len(mapKeys))
	values := make([]any, 0, len(mapKeys))

	for _, mapKey := range mapKeys {
		keyUID, err := st.encodeObject(mapKey)
		if err != nil {
			return nil, fmt.Errorf("key %v: %w", mapKey.Interface(), err)
		}

		valueUID, err := st.encodeObject(v.MapIndex(mapKey))
		if err != nil {
			return nil, fmt.Errorf("value for key %v: %w", mapKey.Interface(), err)
		}

		keys = append(keys, keyUID)
		values = append(values, valueUID)
	}

	return map[string]any{
		keyClass:     st.classRef("NSDictionary", "NSObject"),
		keyNSKeys:    keys,
		keyNSObjects: values,
	}, nil
}

func (st *encodeState) classOf(ty reflect.Type) ([]string, error) {
	if ty.Kind() == reflect.Pointer {
		ty = ty.Elem()
	}

	hierarchy, ok := st.archiver.registry.ClassOf(ty)
	if !ok {
		return nil, fmt.Errorf("type %s is not registered", ty)
	}

	return hierarchy, nil
}

func (st *encodeState) structObject(v reflect.Value) (any, error) {
	hierarchy, err := st.classOf(v.Type())
	if err != nil {
		return nil, err
	}

	structTag := st.archiver.structTag
	if structTag == "" {
		structTag = "archive"
	}

	object := map[string]any{
		keyClass: st.classRef(hierarchy...),
	}

	for _, field := range fieldsToSerialize(v.Type(), structTag) {
		fieldValue, err := v.FieldByIndexErr(field.Index)
		if err != nil {
			// field of a nil embedded pointer
			continue
		}

		if field.OmitEmpty && fieldValue.IsZero() {
			continue
		}

		value, err := st.fieldValue(fieldValue)
		if err != nil {
			return nil, fmt.Errorf("field %q of %s: %w", field.Name, v.Type(), err)
		}

		object[field.Name] = value
	}

	return object, nil
}

func (st *encodeState) marshalerObject(v reflect.Value) (any, error) {
	hierarchy, err := st.classOf(v.Type())
	if err != nil {
		return nil, err
	}

	encoder := &ObjectEncoder{
		state: st,
		fields: map[string]any{
			keyClass: st.classRef(hierarchy...),
		},
	}

	if err := v.Interface().(ArchiveMarshaler).MarshalArchive(encoder); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", v.Type(), err)
	}

	return encoder.fields, nil
}
