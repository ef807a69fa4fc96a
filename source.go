package unarchive

import (
	"iter"
	"time"
)

// Source represents the abstract interface to a serialized value, designed to work with the
// [Decoder]. The keyed archive reader exposes every archived value through this interface, but
// any other representation can be adapted to it as well.
//
// A [Source] provides methods to interpret the value in different forms:
//   - **Primitive types**: conversion to `bool`, `int`, `uint`, `float` and `string`.
//   - **Objects**: keyed access to the fields of an archived object using [Source.Get].
//   - **Collections**: iteration over arrays and sets using [Source.Iter].
//   - **Dictionaries**: iteration over key/value pairs using [Source.KeyValues].
//
// If converting the [Source] into a particular type isn't possible, the method must return
// [ErrNotSupported]. This signals that the requested operation is not valid for the
// underlying data representation.
//
// Optional capabilities are expressed by further interfaces a [Source] may implement:
// [BinarySource], [BytesSource], [TimeSource], [DynamicSource] and [ReferenceSource].
type Source interface {
	// Bool returns the current value as a bool.
	// Returns error ErrNotSupported if the value can not be represented as such.
	Bool() (bool, error)

	// Int returns the current value as an int64.
	// Returns error ErrNotSupported if the value can not be represented as such.
	Int() (int64, error)

	// Uint returns the current value as an uint64.
	// Returns error ErrNotSupported if the value can not be represented as such.
	Uint() (uint64, error)

	// Float returns the current value as a float64.
	// Returns error ErrNotSupported if the value can not be represented as such.
	Float() (float64, error)

	// String returns the current value as a string.
	// Returns error ErrNotSupported if the value can not be represented as such.
	String() (string, error)

	// Get returns a child value of this [Source] if it exists.
	// Returns error [ErrNotSupported] if the current [Source] does not have any
	// child values. If the [Source] does have children, but just not the
	// requested child, [ErrNoValue] must be returned.
	Get(key string) (Source, error)

	// KeyValues interprets the [Source] as a map and iterates over the
	// elements within. It yields a pair of key and value [Source] instances.
	// Returns [ErrNotSupported] if the [Source] is not iterable.
	KeyValues() (iter.Seq2[Source, Source], error)

	// Iter interprets the [Source] as a slice and iterates over the
	// elements within.
	// Returns [ErrNotSupported] if the [Source] is not iterable.
	Iter() (iter.Seq[Source], error)
}

// BinarySource extends the [Source] interface by adding methods for extracting
// integer values of specific bit sizes. When decoding into a sized integer, the [Decoder]
// prefers these methods over the generic [Source.Int] and [Source.Uint].
type BinarySource interface {
	Int8() (int8, error)
	Int16() (int16, error)
	Int32() (int32, error)
	Int64() (int64, error)

	Uint8() (uint8, error)
	Uint16() (uint16, error)
	Uint32() (uint32, error)
	Uint64() (uint64, error)
}

// BytesSource is implemented by sources that hold raw binary data.
type BytesSource interface {
	Bytes() ([]byte, error)
}

// TimeSource is implemented by sources that hold a point in time.
type TimeSource interface {
	Time() (time.Time, error)
}

// ValueKind classifies the value held by a [DynamicSource].
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
	KindTime
	KindArray
	KindDictionary
	KindObject
)

var kindNames = [...]string{
	KindNull:       "null",
	KindBool:       "bool",
	KindInt:        "int",
	KindUint:       "uint",
	KindFloat:      "float",
	KindString:     "string",
	KindBytes:      "bytes",
	KindTime:       "time",
	KindArray:      "array",
	KindDictionary: "dictionary",
	KindObject:     "object",
}

func (k ValueKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}

	return kindNames[k]
}

// DynamicSource is implemented by self-describing sources. It is required to decode
// into interface types such as `any`, where the target type is not known up front.
type DynamicSource interface {
	// Kind returns the kind of the current value.
	Kind() ValueKind

	// ClassName returns the archived class name of an object value. The
	// result is empty for values that are not objects.
	ClassName() string

	// ClassNames returns the class name followed by the names of its
	// superclasses, as recorded in the archive.
	ClassNames() []string
}

// ReferenceSource is implemented by sources whose value lives at an addressable
// position within a shared object table. Two sources returning the same reference
// describe the very same object.
type ReferenceSource interface {
	Reference() (ref uint64, ok bool)
}
