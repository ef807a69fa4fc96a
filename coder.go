package unarchive

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ArchiveUnmarshaler is implemented by types that decode their archived fields
// themselves, e.g. to map flat archive keys onto nested Go values.
type ArchiveUnmarshaler interface {
	UnmarshalArchive(d *ObjectDecoder) error
}

// ArchiveMarshaler is the encoding counterpart of ArchiveUnmarshaler.
type ArchiveMarshaler interface {
	MarshalArchive(e *ObjectEncoder) error
}

// ObjectDecoder gives keyed access to the fields of a single archived object.
type ObjectDecoder struct {
	decoder *Decoder
	state   *decodeState
	source  Source
}

func (d *Decoder) setArchiveUnmarshaler(st *decodeState, source Source, target reflect.Value) error {
	if err := st.enter(); err != nil {
		return err
	}
	defer st.leave()

	m := target.Addr().Interface().(ArchiveUnmarshaler)
	return m.UnmarshalArchive(&ObjectDecoder{decoder: d, state: st, source: source})
}

// ClassName returns the archived class name of the object, if known.
func (o *ObjectDecoder) ClassName() string {
	if dynSource, ok := o.source.(DynamicSource); ok {
		return dynSource.ClassName()
	}

	return ""
}

// Contains reports whether the object has a value for key.
func (o *ObjectDecoder) Contains(key string) bool {
	_, err := o.source.Get(key)
	return err == nil
}

// Decode decodes the value stored under key into target, which must be a non-nil pointer.
// A missing key results in an error wrapping ErrNoValue.
func (o *ObjectDecoder) Decode(key string, target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("decode %q: target must be a non-nil pointer, got %T", key, target)
	}

	child, err := o.source.Get(key)
	if err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}

	setter, err := o.decoder.setterOf(typeSet{}, rv.Elem().Type())
	if err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}

	if err := setter(o.state, child, rv.Elem()); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}

	return nil
}

// DecodeString decodes the string stored under key.
func (o *ObjectDecoder) DecodeString(key string) (string, error) {
	var value string
	err := o.Decode(key, &value)
	return value, err
}

// DecodeFloat decodes the real number stored under key.
func (o *ObjectDecoder) DecodeFloat(key string) (float64, error) {
	var value float64
	err := o.Decode(key, &value)
	return value, err
}

// DecodeInt decodes the integer stored under key.
func (o *ObjectDecoder) DecodeInt(key string) (int64, error) {
	var value int64
	err := o.Decode(key, &value)
	return value, err
}

// DecodeBool decodes the boolean stored under key.
func (o *ObjectDecoder) DecodeBool(key string) (bool, error) {
	var value bool
	err := o.Decode(key, &value)
	return value, err
}

// ObjectEncoder collects the keyed fields of a single object while archiving.
type ObjectEncoder struct {
	state  *encodeState
	fields map[string]any
}

var errReservedKey = errors.New("keys starting with '$' are reserved")

// Encode stores v under key. Numbers and booleans are stored inline,
// everything else is added to the object table and referenced.
func (o *ObjectEncoder) Encode(key string, v any) error {
	if strings.HasPrefix(key, "$") {
		return fmt.Errorf("encode %q: %w", key, errReservedKey)
	}

	value, err := o.state.fieldValue(reflect.ValueOf(v))
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	o.fields[key] = value
	return nil
}

func (o *ObjectEncoder) EncodeString(key string, value string) error {
	return o.Encode(key, value)
}

func (o *ObjectEncoder) EncodeFloat(key string, value float64) error {
	return o.Encode(key, value)
}

func (o *ObjectEncoder) EncodeInt(key string, value int64) error {
	return o.Encode(key, value)
}

func (o *ObjectEncoder) EncodeBool(key string, value bool) error {
	return o.Encode(key, value)
}
