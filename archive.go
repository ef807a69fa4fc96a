package unarchive

import (
	"fmt"
	"iter"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"howett.net/plist"
)

const (
	archiverName    = "NSKeyedArchiver"
	archiverVersion = 100000
	rootKey         = "root"
	nullObject      = "$null"
)

// Keys of the archive dictionary and of archived objects.
const (
	keyArchiver  = "$archiver"
	keyVersion   = "$version"
	keyTop       = "$top"
	keyObjects   = "$objects"
	keyClass     = "$class"
	keyClassName = "$classname"
	keyClasses   = "$classes"
)

// Keys used by the Foundation collection and value classes.
const (
	keyNSObjects = "NS.objects"
	keyNSKeys    = "NS.keys"
	keyNSString  = "NS.string"
	keyNSData    = "NS.data"
	keyNSTime    = "NS.time"
)

// referenceDate is the epoch of archived dates.
var referenceDate = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

var foundationKinds = map[string]ValueKind{
	"NSString":            KindString,
	"NSMutableString":     KindString,
	"NSArray":             KindArray,
	"NSMutableArray":      KindArray,
	"NSSet":               KindArray,
	"NSMutableSet":        KindArray,
	"NSOrderedSet":        KindArray,
	"NSMutableOrderedSet": KindArray,
	"NSDictionary":        KindDictionary,
	"NSMutableDictionary": KindDictionary,
	"NSData":              KindBytes,
	"NSMutableData":       KindBytes,
	"NSDate":              KindTime,
	"NSNull":              KindNull,
}

// archive is a parsed and structurally validated keyed archive.
type archive struct {
	objects []any
	root    any
}

// parseArchive decodes the property list in data and checks that it has the shape of a
// keyed archive. Every reference in the archive is verified, so that values handed out
// by the archive never point outside the object table.
func parseArchive(data []byte) (*archive, error) {
	if len(data) == 0 {
		return nil, malformedf("empty archive")
	}

	var document any
	if _, err := plist.Unmarshal(data, &document); err != nil {
		return nil, malformedf("parse property list: %w", err)
	}

	top, ok := document.(map[string]any)
	if !ok {
		return nil, malformedf("archive is a %T, not a dictionary", document)
	}

	if name, _ := top[keyArchiver].(string); name != archiverName {
		return nil, malformedf("unexpected archiver %q", top[keyArchiver])
	}

	version, ok := integerOf(top[keyVersion])
	if !ok {
		return nil, malformedf("archive version missing")
	}

	if version != archiverVersion {
		return nil, malformedf("unsupported archive version %d", version)
	}

	objects, ok := top[keyObjects].([]any)
	if !ok || len(objects) == 0 {
		return nil, malformedf("object table missing")
	}

	topObjects, ok := top[keyTop].(map[string]any)
	if !ok {
		return nil, malformedf("top level objects missing")
	}

	root, ok := topObjects[rootKey]
	if !ok {
		return nil, malformedf("root object missing")
	}

	arch := &archive{objects: objects, root: root}

	if err := arch.validate(root, "$top.root"); err != nil {
		return nil, err
	}

	for idx, object := range objects {
		if err := arch.validate(object, "$objects["+strconv.Itoa(idx)+"]"); err != nil {
			return nil, err
		}
	}

	return arch, nil
}

func (a *archive) validate(raw any, path string) error {
	switch value := raw.(type) {
	case plist.UID:
		if uint64(value) >= uint64(len(a.objects)) {
			return malformedf("%s: reference %d out of range", path, value)
		}

	case []any:
		for idx, element := range value {
			if err := a.validate(element, path+"["+strconv.Itoa(idx)+"]"); err != nil {
				return err
			}
		}

	case map[string]any:
		for key, element := range value {
			if err := a.validate(element, path+"."+key); err != nil {
				return err
			}
		}

		if _, ok := value[keyClass]; ok {
			return a.validateObject(value, path)
		}
	}

	return nil
}

func (a *archive) validateObject(object map[string]any, path string) error {
	classNames, err := a.classNamesOf(object)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	switch foundationKinds[classNames[0]] {
	case KindArray:
		if _, ok := object[keyNSObjects].([]any); !ok {
			return malformedf("%s: %s without elements", path, classNames[0])
		}

	case KindDictionary:
		keys, keysOk := object[keyNSKeys].([]any)
		values, valuesOk := object[keyNSObjects].([]any)
		if !keysOk || !valuesOk || len(keys) != len(values) {
			return malformedf("%s: %s keys and values do not match", path, classNames[0])
		}

	case KindTime:
		if _, ok := floatOf(object[keyNSTime]); !ok {
			return malformedf("%s: %s without time", path, classNames[0])
		}
	}

	return nil
}

// classNamesOf returns the class name of an object followed by its superclasses.
func (a *archive) classNamesOf(object map[string]any) ([]string, error) {
	uid, ok := object[keyClass].(plist.UID)
	if !ok || uint64(uid) >= uint64(len(a.objects)) {
		return nil, malformedf("invalid class reference %v", object[keyClass])
	}

	class, ok := a.objects[uid].(map[string]any)
	if !ok {
		return nil, malformedf("class reference %d is not a class", uid)
	}

	className, ok := class[keyClassName].(string)
	if !ok || className == "" {
		return nil, malformedf("class reference %d without class name", uid)
	}

	classNames := []string{className}

	if classes, ok := class[keyClasses].([]any); ok {
		for _, entry := range classes {
			name, ok := entry.(string)
			if !ok {
				return nil, malformedf("class %q has a non-string superclass %v", className, entry)
			}

			if name != className {
				classNames = append(classNames, name)
			}
		}
	}

	return classNames, nil
}

// valueOf wraps a raw archive entry, following it if it is a reference.
func (a *archive) valueOf(raw any) *archiveValue {
	if uid, ok := raw.(plist.UID); ok && uint64(uid) < uint64(len(a.objects)) {
		return &archiveValue{arch: a, raw: a.objects[uid], ref: uint64(uid), isRef: true}
	}

	return &archiveValue{arch: a, raw: raw}
}

// archiveValue exposes an entry of a keyed archive as a Source.
type archiveValue struct {
	arch  *archive
	raw   any
	ref   uint64
	isRef bool
}

var (
	_ Source          = (*archiveValue)(nil)
	_ DynamicSource   = (*archiveValue)(nil)
	_ ReferenceSource = (*archiveValue)(nil)
	_ BytesSource     = (*archiveValue)(nil)
	_ TimeSource      = (*archiveValue)(nil)
)

func (v *archiveValue) Reference() (uint64, bool) {
	return v.ref, v.isRef
}

func (v *archiveValue) object() (map[string]any, bool) {
	object, ok := v.raw.(map[string]any)
	return object, ok
}

func (v *archiveValue) ClassNames() []string {
	object, ok := v.object()
	if !ok {
		return nil
	}

	if _, ok := object[keyClass]; !ok {
		return nil
	}

	classNames, err := v.arch.classNamesOf(object)
	if err != nil {
		return nil
	}

	return classNames
}

func (v *archiveValue) ClassName() string {
	classNames := v.ClassNames()
	if len(classNames) == 0 {
		return ""
	}

	return classNames[0]
}

func (v *archiveValue) Kind() ValueKind {
	// reference zero is the nil object
	if v.isRef && v.ref == 0 {
		return KindNull
	}

	switch raw := v.raw.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case int64, int:
		return KindInt
	case uint64:
		if raw > math.MaxInt64 {
			return KindUint
		}
		return KindInt
	case float64, float32:
		return KindFloat
	case string:
		return KindString
	case []byte:
		return KindBytes
	case time.Time:
		return KindTime
	case []any:
		return KindArray
	case map[string]any:
		className := v.ClassName()
		if className == "" {
			return KindDictionary
		}

		if kind, ok := foundationKinds[className]; ok {
			return kind
		}

		return KindObject
	default:
		return KindNull
	}
}

func (v *archiveValue) Bool() (bool, error) {
	switch raw := v.raw.(type) {
	case bool:
		return raw, nil
	case int64:
		return raw != 0, nil
	case uint64:
		return raw != 0, nil
	}

	if text, ok := v.text(); ok {
		return StringSource(text).Bool()
	}

	return false, ErrNotSupported
}

func (v *archiveValue) Int() (int64, error) {
	switch raw := v.raw.(type) {
	case int64:
		return raw, nil
	case int:
		return int64(raw), nil
	case uint64:
		if raw > math.MaxInt64 {
			return 0, fmt.Errorf("value %d: %w", raw, strconv.ErrRange)
		}
		return int64(raw), nil
	case float64:
		return intOfReal(raw)
	case float32:
		return intOfReal(float64(raw))
	case bool:
		if raw {
			return 1, nil
		}
		return 0, nil
	}

	if text, ok := v.text(); ok {
		return StringSource(text).Int()
	}

	return 0, ErrNotSupported
}

func (v *archiveValue) Uint() (uint64, error) {
	switch raw := v.raw.(type) {
	case uint64:
		return raw, nil
	case float64, float32:
		realValue, _ := floatOf(raw)
		if err := checkIntegral(realValue); err != nil {
			return 0, err
		}

		if realValue < 0 {
			return 0, fmt.Errorf("negative value %v: %w", realValue, ErrNotSupported)
		}

		if realValue >= 1<<64 {
			return 0, fmt.Errorf("real value %v: %w", realValue, strconv.ErrRange)
		}

		return uint64(realValue), nil
	case int64, int, bool:
		intValue, err := v.Int()
		if err != nil {
			return 0, err
		}

		if intValue < 0 {
			return 0, fmt.Errorf("negative value %d: %w", intValue, ErrNotSupported)
		}

		return uint64(intValue), nil
	}

	if text, ok := v.text(); ok {
		return StringSource(text).Uint()
	}

	return 0, ErrNotSupported
}

func (v *archiveValue) Float() (float64, error) {
	if floatValue, ok := floatOf(v.raw); ok {
		return floatValue, nil
	}

	if text, ok := v.text(); ok {
		return StringSource(text).Float()
	}

	return 0, ErrNotSupported
}

func (v *archiveValue) String() (string, error) {
	if text, ok := v.text(); ok {
		return text, nil
	}

	return "", ErrNotSupported
}

// text returns the value if it is a string or an archived string object.
func (v *archiveValue) text() (string, bool) {
	switch raw := v.raw.(type) {
	case string:
		if v.isRef && v.ref == 0 {
			return "", false
		}
		return raw, true

	case map[string]any:
		if foundationKinds[v.ClassName()] != KindString {
			return "", false
		}

		text, ok := v.arch.valueOf(raw[keyNSString]).raw.(string)
		return text, ok
	}

	return "", false
}

func (v *archiveValue) Bytes() ([]byte, error) {
	switch raw := v.raw.(type) {
	case []byte:
		return slices.Clone(raw), nil

	case map[string]any:
		if foundationKinds[v.ClassName()] != KindBytes {
			return nil, ErrNotSupported
		}

		data, ok := v.arch.valueOf(raw[keyNSData]).raw.([]byte)
		if !ok {
			return nil, malformedf("%s without data", v.ClassName())
		}

		return slices.Clone(data), nil
	}

	return nil, ErrNotSupported
}

func (v *archiveValue) Time() (time.Time, error) {
	switch raw := v.raw.(type) {
	case time.Time:
		return raw, nil

	case map[string]any:
		if foundationKinds[v.ClassName()] != KindTime {
			return time.Time{}, ErrNotSupported
		}

		seconds, ok := floatOf(raw[keyNSTime])
		if !ok {
			return time.Time{}, malformedf("%s without time", v.ClassName())
		}

		return dateOf(seconds)
	}

	return time.Time{}, ErrNotSupported
}

// maxDateSeconds bounds archived dates to what a time.Duration can express
// relative to the reference date, about 292 years in either direction.
const maxDateSeconds = float64(math.MaxInt64 / int64(time.Second))

// dateOf returns the date seconds after the reference date.
func dateOf(seconds float64) (time.Time, error) {
	if math.IsNaN(seconds) || math.Abs(seconds) > maxDateSeconds {
		return time.Time{}, fmt.Errorf("date %v seconds from reference date: %w", seconds, strconv.ErrRange)
	}

	whole, fraction := math.Modf(seconds)
	return referenceDate.Add(time.Duration(whole) * time.Second).
		Add(time.Duration(fraction * float64(time.Second))), nil
}

// secondsOf is the inverse of dateOf.
func secondsOf(date time.Time) (float64, error) {
	minDate := referenceDate.Add(-time.Duration(math.MaxInt64))
	maxDate := referenceDate.Add(time.Duration(math.MaxInt64))
	if date.Before(minDate) || date.After(maxDate) {
		return 0, fmt.Errorf("date %s: %w", date.Format(time.RFC3339), strconv.ErrRange)
	}

	return date.Sub(referenceDate).Seconds(), nil
}

func (v *archiveValue) Get(key string) (Source, error) {
	object, ok := v.object()
	if !ok || v.Kind() != KindObject {
		return nil, ErrNotSupported
	}

	if strings.HasPrefix(key, "$") {
		return nil, ErrNoValue
	}

	raw, ok := object[key]
	if !ok {
		return nil, ErrNoValue
	}

	return v.arch.valueOf(raw), nil
}

func (v *archiveValue) KeyValues() (iter.Seq2[Source, Source], error) {
	object, ok := v.object()
	if !ok {
		return nil, ErrNotSupported
	}

	switch v.Kind() {
	case KindDictionary:
		if v.ClassName() == "" {
			return v.fields(object), nil
		}

		keys, keysOk := object[keyNSKeys].([]any)
		values, valuesOk := object[keyNSObjects].([]any)
		if !keysOk || !valuesOk || len(keys) != len(values) {
			return nil, malformedf("%s keys and values do not match", v.ClassName())
		}

		it := func(yield func(Source, Source) bool) {
			for idx := range keys {
				if !yield(v.arch.valueOf(keys[idx]), v.arch.valueOf(values[idx])) {
					return
				}
			}
		}

		return it, nil

	case KindObject:
		return v.fields(object), nil

	default:
		return nil, ErrNotSupported
	}
}

// fields iterates the keyed fields of an object in a stable order.
func (v *archiveValue) fields(object map[string]any) iter.Seq2[Source, Source] {
	keys := slices.Sorted(maps.Keys(object))

	return func(yield func(Source, Source) bool) {
		for _, key := range keys {
			if strings.HasPrefix(key, "$") {
				continue
			}

			if !yield(StringSource(key), v.arch.valueOf(object[key])) {
				return
			}
		}
	}
}

func (v *archiveValue) Iter() (iter.Seq[Source], error) {
	var elements []any

	switch raw := v.raw.(type) {
	case []any:
		elements = raw

	case map[string]any:
		if v.Kind() != KindArray {
			return nil, ErrNotSupported
		}

		var ok bool
		elements, ok = raw[keyNSObjects].([]any)
		if !ok {
			return nil, malformedf("%s without elements", v.ClassName())
		}

	default:
		return nil, ErrNotSupported
	}

	it := func(yield func(Source) bool) {
		for _, element := range elements {
			if !yield(v.arch.valueOf(element)) {
				return
			}
		}
	}

	return it, nil
}

func checkIntegral(value float64) error {
	if math.IsInf(value, 0) || math.IsNaN(value) || value != math.Trunc(value) {
		return fmt.Errorf("real value %v is not an integer: %w", value, ErrNotSupported)
	}

	return nil
}

// intOfReal converts an integral real, failing for values outside of the int64 range.
func intOfReal(value float64) (int64, error) {
	if err := checkIntegral(value); err != nil {
		return 0, err
	}

	if value < -(1<<63) || value >= 1<<63 {
		return 0, fmt.Errorf("real value %v: %w", value, strconv.ErrRange)
	}

	return int64(value), nil
}

func integerOf(raw any) (int64, bool) {
	switch value := raw.(type) {
	case int64:
		return value, true
	case int:
		return int64(value), true
	case uint64:
		if value > math.MaxInt64 {
			return 0, false
		}
		return int64(value), true
	default:
		return 0, false
	}
}

func floatOf(raw any) (float64, bool) {
	switch value := raw.(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int64:
		return float64(value), true
	case uint64:
		return float64(value), true
	case int:
		return float64(value), true
	default:
		return 0, false
	}
}
