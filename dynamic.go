package unarchive

import (
	"fmt"
	"reflect"
)

var (
	tyAnySlice = reflect.TypeFor[[]any]()
	tyAnyMap   = reflect.TypeFor[map[string]any]()
)

// makeSetInterface builds a setter for interface types. The concrete value is chosen by
// the source: Foundation values map to their natural Go types, archived objects are
// instantiated using the registry of the Decoder.
func (d *Decoder) makeSetInterface(ty reflect.Type) setter {
	return func(st *decodeState, source Source, target reflect.Value) error {
		value, err := d.decodeDynamic(st, source)
		if err != nil {
			return err
		}

		if !value.IsValid() {
			target.SetZero()
			return nil
		}

		if !value.Type().AssignableTo(ty) {
			return fmt.Errorf("decoded %s is not assignable to %s: %w", value.Type(), ty, ErrNotSupported)
		}

		target.Set(value)
		return nil
	}
}

func (d *Decoder) decodeDynamic(st *decodeState, source Source) (reflect.Value, error) {
	dynSource, ok := source.(DynamicSource)
	if !ok {
		return reflect.Value{}, fmt.Errorf("source %T is not self-describing: %w", source, ErrNotSupported)
	}

	switch kind := dynSource.Kind(); kind {
	case KindNull:
		return reflect.Value{}, nil

	case KindBool:
		value, err := source.Bool()
		return reflect.ValueOf(value), err

	case KindInt:
		value, err := source.Int()
		return reflect.ValueOf(value), err

	case KindUint:
		value, err := source.Uint()
		return reflect.ValueOf(value), err

	case KindFloat:
		value, err := source.Float()
		return reflect.ValueOf(value), err

	case KindString:
		value, err := source.String()
		return reflect.ValueOf(value), err

	case KindBytes:
		bytesSource, ok := source.(BytesSource)
		if !ok {
			return reflect.Value{}, fmt.Errorf("%s value: %w", kind, ErrNotSupported)
		}

		value, err := bytesSource.Bytes()
		return reflect.ValueOf(value), err

	case KindTime:
		timeSource, ok := source.(TimeSource)
		if !ok {
			return reflect.Value{}, fmt.Errorf("%s value: %w", kind, ErrNotSupported)
		}

		value, err := timeSource.Time()
		return reflect.ValueOf(value), err

	case KindArray:
		return d.decodeDynamicArray(st, source)

	case KindDictionary:
		return d.decodeDynamicDictionary(st, source)

	case KindObject:
		return d.decodeDynamicObject(st, dynSource, source)

	default:
		return reflect.Value{}, fmt.Errorf("value of kind %s: %w", kind, ErrNotSupported)
	}
}

func (d *Decoder) decodeDynamicArray(st *decodeState, source Source) (reflect.Value, error) {
	memoKey, existing, ok := st.remembered(source, tyAnySlice)
	if ok {
		return existing, nil
	}

	if err := st.enter(); err != nil {
		return reflect.Value{}, err
	}
	defer st.leave()

	sourceIter, err := source.Iter()
	if err != nil {
		return reflect.Value{}, fmt.Errorf("as iter: %w", err)
	}

	var elements []Source
	for element := range sourceIter {
		elements = append(elements, element)
	}

	// allocate with the final length before descending, so that an element
	// referring back to this array shares its backing storage
	values := make([]any, len(elements))
	sliceValue := reflect.ValueOf(values)
	st.remember(memoKey, sliceValue)

	for idx, element := range elements {
		value, err := d.decodeDynamic(st, element)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("element idx=%d: %w", idx, err)
		}

		if value.IsValid() {
			values[idx] = value.Interface()
		}
	}

	return sliceValue, nil
}

func (d *Decoder) decodeDynamicDictionary(st *decodeState, source Source) (reflect.Value, error) {
	memoKey, existing, ok := st.remembered(source, tyAnyMap)
	if ok {
		return existing, nil
	}

	if err := st.enter(); err != nil {
		return reflect.Value{}, err
	}
	defer st.leave()

	keyValues, err := source.KeyValues()
	if err != nil {
		return reflect.Value{}, fmt.Errorf("iterate key/value pairs: %w", err)
	}

	values := map[string]any{}
	mapValue := reflect.ValueOf(values)
	st.remember(memoKey, mapValue)

	for keySource, valueSource := range keyValues {
		key, err := keySource.String()
		if err != nil {
			return reflect.Value{}, fmt.Errorf("dictionary key must be a string: %w", err)
		}

		value, err := d.decodeDynamic(st, valueSource)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("value for key %q: %w", key, err)
		}

		if value.IsValid() {
			values[key] = value.Interface()
		} else {
			values[key] = nil
		}
	}

	return mapValue, nil
}

func (d *Decoder) decodeDynamicObject(st *decodeState, dynSource DynamicSource, source Source) (reflect.Value, error) {
	ty, ok := d.registry.resolve(dynSource.ClassNames())
	if !ok {
		return reflect.Value{}, unknownClass(dynSource.ClassName())
	}

	ptrType := reflect.PointerTo(ty)

	memoKey, existing, ok := st.remembered(source, ptrType)
	if ok {
		return existing, nil
	}

	setter, err := d.setterOf(typeSet{}, ty)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("setter for class %q: %w", dynSource.ClassName(), err)
	}

	value := reflect.New(ty)
	st.remember(memoKey, value)

	if err := setter(st, source, value.Elem()); err != nil {
		return reflect.Value{}, fmt.Errorf("decode class %q: %w", dynSource.ClassName(), err)
	}

	return value, nil
}
