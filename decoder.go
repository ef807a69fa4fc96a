package unarchive

import (
	"encoding"
	"errors"
	"fmt"
	"iter"
	"math"
	"reflect"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// DefaultMaxDepth limits how deep the decoder descends into nested values.
const DefaultMaxDepth = 10000

func Unmarshal(source Source, target any) error {
	return dec.Unmarshal(source, target)
}

func UnmarshalNew[T any](source Source) (T, error) {
	return UnmarshalNewWith[T](dec, source)
}

func UnmarshalNewWith[T any](dec *Decoder, source Source) (T, error) {
	var target T
	err := dec.Unmarshal(source, &target)
	return target, err
}

// A setter sets the reflect.Value to a value extracted from the given Source
type setter func(*decodeState, Source, reflect.Value) error

// A set of types that are currently in construction
type typeSet map[reflect.Type]struct{}

var (
	tyTextUnmarshaler    = reflect.TypeFor[encoding.TextUnmarshaler]()
	tyArchiveUnmarshaler = reflect.TypeFor[ArchiveUnmarshaler]()
	tyTime               = reflect.TypeFor[time.Time]()
	tyBytes              = reflect.TypeFor[[]byte]()
)

// The default Decoder instance.
var dec = NewDecoder()

// Decoder can be used to customize unmarshalling. This type is typesafe.
type Decoder struct {
	// the struct tag that is used
	structTag string

	// Cache for setters, indexed by reflect.Type
	setterCache sync.Map

	// Require values for fields. Set to true to fail with ErrNoValue
	// if a value is missing in a Source
	requireValues bool

	// classes that can be instantiated when decoding into an interface type
	registry *Registry

	maxDepth int
}

func NewDecoder() *Decoder {
	return &Decoder{
		structTag: "archive",
		maxDepth:  DefaultMaxDepth,
	}
}

func (d *Decoder) clone() *Decoder {
	return &Decoder{
		structTag:     d.structTag,
		requireValues: d.requireValues,
		registry:      d.registry,
		maxDepth:      d.maxDepth,
	}
}

func (d *Decoder) WithTag(structTag string) *Decoder {
	if d.structTag == structTag {
		return d
	}

	clone := d.clone()
	clone.structTag = structTag
	return clone
}

func (d *Decoder) RequireValues() *Decoder {
	if d.requireValues {
		return d
	}

	clone := d.clone()
	clone.requireValues = true
	return clone
}

// WithRegistry returns a Decoder that resolves archived classes using the given Registry.
func (d *Decoder) WithRegistry(registry *Registry) *Decoder {
	if d.registry == registry {
		return d
	}

	clone := d.clone()
	clone.registry = registry
	return clone
}

// WithMaxDepth returns a Decoder that fails once values are nested deeper than maxDepth.
func (d *Decoder) WithMaxDepth(maxDepth int) *Decoder {
	if d.maxDepth == maxDepth {
		return d
	}

	clone := d.clone()
	clone.maxDepth = maxDepth
	return clone
}

func (d *Decoder) Unmarshal(source Source, target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("target must be a non-nil pointer, got %T", target)
	}

	targetValue := rv.Elem()

	// build the setter for the targets type
	setter, err := d.setterOf(typeSet{}, targetValue.Type())
	if err != nil {
		return err
	}

	return setter(d.newState(), source, targetValue)
}

func (d *Decoder) newState() *decodeState {
	maxDepth := d.maxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	return &decodeState{
		memo:     map[memoKey]reflect.Value{},
		maxDepth: maxDepth,
	}
}

// decodeState lives for a single call to Unmarshal. It remembers every value that was
// created for a referenced source, so that shared references decode to shared values
// and reference cycles terminate.
type decodeState struct {
	memo     map[memoKey]reflect.Value
	depth    int
	maxDepth int
}

type memoKey struct {
	ref uint64
	ty  reflect.Type
}

func (st *decodeState) enter() error {
	st.depth++
	if st.depth > st.maxDepth {
		return fmt.Errorf("values nested deeper than %d levels", st.maxDepth)
	}

	return nil
}

func (st *decodeState) leave() {
	st.depth--
}

// remembered returns the value previously created for the source, if any.
func (st *decodeState) remembered(source Source, ty reflect.Type) (memoKey, reflect.Value, bool) {
	refSource, ok := source.(ReferenceSource)
	if !ok {
		return memoKey{}, reflect.Value{}, false
	}

	ref, ok := refSource.Reference()
	if !ok {
		return memoKey{}, reflect.Value{}, false
	}

	key := memoKey{ref: ref, ty: ty}
	value, ok := st.memo[key]
	return key, value, ok
}

func (st *decodeState) remember(key memoKey, value reflect.Value) {
	if key.ty != nil {
		st.memo[key] = value
	}
}

func isNull(source Source) bool {
	if source == nil {
		return true
	}

	dynSource, ok := source.(DynamicSource)
	return ok && dynSource.Kind() == KindNull
}

func (d *Decoder) setterOf(inConstruction typeSet, ty reflect.Type) (setter, error) {
	if cached, ok := d.setterCache.Load(ty); ok {
		return cached.(setter), nil
	}

	if _, ok := inConstruction[ty]; ok {
		// detected a cycle. return a setter that does a cache lookup when executed.
		// we assume that the actual setter will be in the cache once this setter is executed.
		lazySetter := func(st *decodeState, source Source, target reflect.Value) error {
			cached, _ := d.setterCache.Load(ty)
			return cached.(setter)(st, source, target)
		}

		return lazySetter, nil
	}

	inConstruction[ty] = struct{}{}

	setter, err := d.makeSetterOf(inConstruction, ty)
	if err != nil {
		return nil, err
	}

	setter = nullable(setter)

	d.setterCache.Store(ty, setter)

	return setter, nil
}

// nullable resets the target to its zero value if the source holds a null value.
func nullable(next setter) setter {
	return func(st *decodeState, source Source, target reflect.Value) error {
		if isNull(source) {
			target.SetZero()
			return nil
		}

		return next(st, source, target)
	}
}

func (d *Decoder) makeSetterOf(inConstruction typeSet, ty reflect.Type) (setter, error) {
	switch {
	case ty == tyTime:
		return setTime, nil

	case ty == tyBytes:
		return setBytes, nil

	case reflect.PointerTo(ty).Implements(tyArchiveUnmarshaler):
		return d.setArchiveUnmarshaler, nil

	case reflect.PointerTo(ty).Implements(tyTextUnmarshaler):
		return setTextUnmarshaler, nil
	}

	switch ty.Kind() {
	case reflect.Bool:
		return setBool, nil

	case reflect.Int:
		switch unsafe.Sizeof(int(int8(0))) {
		case 4:
			return makeSetInt(BinarySource.Int32, reflect.Value.SetInt, math.MinInt, math.MaxInt, false), nil
		case 8:
			return makeSetInt(BinarySource.Int64, reflect.Value.SetInt, math.MinInt, math.MaxInt, false), nil
		default:
			panic("int must be 4 or 8 byte")
		}

	case reflect.Int8:
		return makeSetInt(BinarySource.Int8, reflect.Value.SetInt, math.MinInt8, math.MaxInt8, false), nil

	case reflect.Int16:
		return makeSetInt(BinarySource.Int16, reflect.Value.SetInt, math.MinInt16, math.MaxInt16, false), nil

	case reflect.Int32:
		return makeSetInt(BinarySource.Int32, reflect.Value.SetInt, math.MinInt32, math.MaxInt32, false), nil

	case reflect.Int64:
		return makeSetInt(BinarySource.Int64, reflect.Value.SetInt, math.MinInt64, math.MaxInt64, false), nil

	case reflect.Uint:
		switch unsafe.Sizeof(uint(0)) {
		case 4:
			return makeSetInt(BinarySource.Uint32, reflect.Value.SetUint, 0, math.MaxUint, true), nil
		case 8:
			return makeSetInt(BinarySource.Uint64, reflect.Value.SetUint, 0, math.MaxUint, true), nil
		default:
			panic("uint must be 4 or 8 byte")
		}

	case reflect.Uint8:
		return makeSetInt(BinarySource.Uint8, reflect.Value.SetUint, 0, math.MaxUint8, true), nil

	case reflect.Uint16:
		return makeSetInt(BinarySource.Uint16, reflect.Value.SetUint, 0, math.MaxUint16, true), nil

	case reflect.Uint32:
		return makeSetInt(BinarySource.Uint32, reflect.Value.SetUint, 0, math.MaxUint32, true), nil

	case reflect.Uint64:
		return makeSetInt(BinarySource.Uint64, reflect.Value.SetUint, 0, math.MaxUint64, true), nil

	case reflect.Float32, reflect.Float64:
		return setFloat, nil

	case reflect.String:
		return setString, nil

	case reflect.Interface:
		return d.makeSetInterface(ty), nil

	case reflect.Pointer:
		return d.makeSetPointer(inConstruction, ty)

	case reflect.Struct:
		return d.makeSetStruct(inConstruction, ty)

	case reflect.Slice:
		return d.makeSetSlice(inConstruction, ty)

	case reflect.Array:
		return d.makeSetArray(inConstruction, ty)

	case reflect.Map:
		return d.makeSetMap(inConstruction, ty)

	default:
		return nil, NotSupportedError{Type: ty}
	}
}

func (d *Decoder) makeSetStruct(inConstruction typeSet, ty reflect.Type) (setter, error) {
	var setters []setter

	structTag := d.structTag
	if structTag == "" {
		structTag = "archive"
	}

	fields := fieldsToSerialize(ty, structTag)

	for _, field := range fields {
		de, err := d.setterOf(inConstruction, field.Type)
		if err != nil {
			return nil, fmt.Errorf("setter for field %q: %w", field.Name, err)
		}

		setters = append(setters, de)
	}

	setter := func(st *decodeState, source Source, target reflect.Value) error {
		if err := st.enter(); err != nil {
			return err
		}
		defer st.leave()

		for idx, field := range fields {
			fieldSource, err := source.Get(field.Name)
			switch {
			case errors.Is(err, ErrNoValue):
				if d.requireValues {
					return fmt.Errorf("field %q: %w", field.Name, err)
				}
				// It is okay to not get a value at all,
				// in that case we just skip the field
				continue
			case err != nil:
				return fmt.Errorf("lookup child %q: %w", field.Name, err)
			}

			fieldValue := target.FieldByIndex(field.Index)
			if err := setters[idx](st, fieldSource, fieldValue); err != nil {
				return fmt.Errorf("set field %q on %q: %w", field.Name, target.Type(), err)
			}
		}

		return nil
	}

	return setter, nil
}

func (d *Decoder) makeSetMap(inConstruction typeSet, ty reflect.Type) (setter, error) {
	keySetter, err := d.setterOf(inConstruction, ty.Key())
	if err != nil {
		return nil, fmt.Errorf("setter for key type %q: %w", ty, err)
	}

	valueSetter, err := d.setterOf(inConstruction, ty.Elem())
	if err != nil {
		return nil, fmt.Errorf("setter for value type %q: %w", ty, err)
	}

	keyType := ty.Key()
	valueType := ty.Elem()

	setter := func(st *decodeState, source Source, target reflect.Value) error {
		memoKey, existing, ok := st.remembered(source, ty)
		if ok {
			target.Set(existing)
			return nil
		}

		if err := st.enter(); err != nil {
			return err
		}
		defer st.leave()

		keyValues, err := source.KeyValues()
		if err != nil {
			return fmt.Errorf("iterate key/value pairs: %w", err)
		}

		mapTarget := reflect.MakeMap(ty)
		st.remember(memoKey, mapTarget)

		for keySource, valueSource := range keyValues {
			keyTarget := reflect.New(keyType).Elem()
			if err := keySetter(st, keySource, keyTarget); err != nil {
				return fmt.Errorf("set key: %w", err)
			}

			valueTarget := reflect.New(valueType).Elem()
			if err := valueSetter(st, valueSource, valueTarget); err != nil {
				return fmt.Errorf("set value for key %v: %w", keyTarget.Interface(), err)
			}

			mapTarget.SetMapIndex(keyTarget, valueTarget)
		}

		target.Set(mapTarget)

		return nil
	}

	return setter, nil
}

func (d *Decoder) makeSetSlice(inConstruction typeSet, ty reflect.Type) (setter, error) {
	elementSetter, err := d.setterOf(inConstruction, ty.Elem())
	if err != nil {
		return nil, fmt.Errorf("setter for element type %q: %w", ty, err)
	}

	// a empty element
	placeholderValue := reflect.New(ty.Elem()).Elem()

	setter := func(st *decodeState, source Source, target reflect.Value) error {
		if err := st.enter(); err != nil {
			return err
		}
		defer st.leave()

		sourceIter, err := source.Iter()
		if err != nil {
			return fmt.Errorf("as iter: %w", err)
		}

		// start with a fresh slice, the target might have been used before
		target.Set(reflect.MakeSlice(ty, 0, 0))

		for elementSource := range sourceIter {
			// add an empty element to grow the list
			target.Set(reflect.Append(target, placeholderValue))

			idx := target.Len() - 1
			elementValue := target.Index(idx)
			if err := elementSetter(st, elementSource, elementValue); err != nil {
				return fmt.Errorf("set element idx=%d: %w", idx, err)
			}
		}

		return nil
	}

	return setter, nil
}

func (d *Decoder) makeSetArray(inConstruction typeSet, ty reflect.Type) (setter, error) {
	elementSetter, err := d.setterOf(inConstruction, ty.Elem())
	if err != nil {
		return nil, fmt.Errorf("setter for element type %q: %w", ty, err)
	}

	// number of elements in the array
	elementCount := ty.Len()

	setter := func(st *decodeState, source Source, target reflect.Value) error {
		if err := st.enter(); err != nil {
			return err
		}
		defer st.leave()

		sourceIter, err := source.Iter()
		if err != nil {
			return fmt.Errorf("as iter: %w", err)
		}

		next, stop := iter.Pull(sourceIter)
		defer stop()

		for idx := 0; idx < elementCount; idx++ {
			elementSource, ok := next()
			if !ok {
				break
			}

			elementValue := target.Index(idx)
			if err := elementSetter(st, elementSource, elementValue); err != nil {
				return fmt.Errorf("set element idx=%d: %w", idx, err)
			}
		}

		return nil
	}

	return setter, nil
}

func (d *Decoder) makeSetPointer(inConstruction typeSet, ty reflect.Type) (setter, error) {
	pointeeType := ty.Elem()

	pointeeSetter, err := d.setterOf(inConstruction, pointeeType)
	if err != nil {
		return nil, err
	}

	setter := func(st *decodeState, source Source, target reflect.Value) error {
		memoKey, existing, ok := st.remembered(source, ty)
		if ok {
			target.Set(existing)
			return nil
		}

		// newValue is now a pointer to an instance of the pointeeType
		newValue := reflect.New(pointeeType)

		// remember before descending, the pointee might refer back to itself
		st.remember(memoKey, newValue)

		if err := pointeeSetter(st, source, newValue.Elem()); err != nil {
			return err
		}

		// set pointer to the new value
		target.Set(newValue)

		return nil
	}

	return setter, err
}

func setBool(_ *decodeState, source Source, target reflect.Value) error {
	boolValue, err := source.Bool()
	if err != nil {
		return fmt.Errorf("get bool value: %w", err)
	}

	target.SetBool(boolValue)
	return nil
}

func makeSetInt[T constraints.Integer | constraints.Unsigned, V uint64 | int64](
	parse func(BinarySource) (T, error),
	setValue func(reflect.Value, V),
	minValue, maxValue V,
	isUnsigned bool,
) setter {
	return func(_ *decodeState, source Source, target reflect.Value) error {
		if intSource, ok := source.(BinarySource); ok {
			parsedValue, err := parse(intSource)
			if err != nil {
				return fmt.Errorf("get %T value: %w", parsedValue, err)
			}

			setValue(target, V(parsedValue))
			return nil
		}

		var vZero V

		if isUnsigned {
			// no binary source, need to fallback to Source.Uint
			uintValue, err := source.Uint()
			if err != nil {
				return fmt.Errorf("get uint value: %w", err)
			}

			if V(uintValue) > maxValue {
				return fmt.Errorf("invalid %T value: %d: %w", vZero, uintValue, strconv.ErrRange)
			}

			setValue(target, V(uintValue))
			return nil
		}

		// no binary source, need to fallback to Source.Int
		intValue, err := source.Int()
		if err != nil {
			return fmt.Errorf("get int value: %w", err)
		}

		if V(intValue) < minValue {
			return fmt.Errorf("invalid %T value %d: %w", vZero, intValue, strconv.ErrRange)
		}

		if V(intValue) > maxValue {
			return fmt.Errorf("invalid %T value: %d: %w", vZero, intValue, strconv.ErrRange)
		}

		setValue(target, V(intValue))
		return nil
	}
}

func setFloat(_ *decodeState, source Source, target reflect.Value) error {
	floatValue, err := source.Float()
	if err != nil {
		return fmt.Errorf("get float value: %w", err)
	}

	target.SetFloat(floatValue)
	return nil
}

func setString(_ *decodeState, source Source, target reflect.Value) error {
	stringValue, err := source.String()
	if err != nil {
		return fmt.Errorf("get string value: %w", err)
	}

	target.SetString(stringValue)

	return nil
}

func setBytes(_ *decodeState, source Source, target reflect.Value) error {
	bytesSource, ok := source.(BytesSource)
	if !ok {
		return fmt.Errorf("get bytes value: %w", ErrNotSupported)
	}

	data, err := bytesSource.Bytes()
	if err != nil {
		return fmt.Errorf("get bytes value: %w", err)
	}

	target.SetBytes(data)
	return nil
}

func setTime(_ *decodeState, source Source, target reflect.Value) error {
	timeSource, ok := source.(TimeSource)
	if !ok {
		// fall back to a textual representation
		return setTextUnmarshaler(nil, source, target)
	}

	timeValue, err := timeSource.Time()
	if err != nil {
		return fmt.Errorf("get time value: %w", err)
	}

	target.Set(reflect.ValueOf(timeValue))
	return nil
}

func setTextUnmarshaler(_ *decodeState, source Source, target reflect.Value) error {
	text, err := source.String()
	if err != nil {
		return fmt.Errorf("get string value: %w", err)
	}

	m := target.Addr().Interface().(encoding.TextUnmarshaler)
	return m.UnmarshalText([]byte(text))
}
