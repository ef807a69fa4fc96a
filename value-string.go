package unarchive

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
)

// StringSource adapts a `string` to a Source.
// It parses primitive values using strconv.ParseInt, strconv.ParseFloat
// and strconv.ParseBool. string values are returned as is.
//
// Archived strings are exposed as StringSource, so a zip code archived as
// text still decodes into an integer field.
type StringSource string

var _ BinarySource = StringSource("")
var _ DynamicSource = StringSource("")

func (s StringSource) Int8() (int8, error) {
	intValue, err := strconv.ParseInt(string(s), 10, 8)
	return handleSyntaxErr(string(s), int8(intValue), err)
}

func (s StringSource) Int16() (int16, error) {
	intValue, err := strconv.ParseInt(string(s), 10, 16)
	return handleSyntaxErr(string(s), int16(intValue), err)
}

func (s StringSource) Int32() (int32, error) {
	intValue, err := strconv.ParseInt(string(s), 10, 32)
	return handleSyntaxErr(string(s), int32(intValue), err)
}

func (s StringSource) Int64() (int64, error) {
	intValue, err := strconv.ParseInt(string(s), 10, 64)
	return handleSyntaxErr(string(s), intValue, err)
}

func (s StringSource) Uint8() (uint8, error) {
	intValue, err := strconv.ParseUint(string(s), 10, 8)
	return handleSyntaxErr(string(s), uint8(intValue), err)
}

func (s StringSource) Uint16() (uint16, error) {
	intValue, err := strconv.ParseUint(string(s), 10, 16)
	return handleSyntaxErr(string(s), uint16(intValue), err)
}

func (s StringSource) Uint32() (uint32, error) {
	intValue, err := strconv.ParseUint(string(s), 10, 32)
	return handleSyntaxErr(string(s), uint32(intValue), err)
}

func (s StringSource) Uint64() (uint64, error) {
	intValue, err := strconv.ParseUint(string(s), 10, 64)
	return handleSyntaxErr(string(s), intValue, err)
}

func (s StringSource) Bool() (bool, error) {
	parsedValue, err := strconv.ParseBool(string(s))
	return handleSyntaxErr(string(s), parsedValue, err)
}

func (s StringSource) Int() (int64, error) {
	parsedValue, err := strconv.ParseInt(string(s), 10, 64)
	return handleSyntaxErr(string(s), parsedValue, err)
}

func (s StringSource) Uint() (uint64, error) {
	parsedValue, err := strconv.ParseUint(string(s), 10, 64)
	return handleSyntaxErr(string(s), parsedValue, err)
}

func (s StringSource) Float() (float64, error) {
	parsedValue, err := strconv.ParseFloat(string(s), 64)
	return handleSyntaxErr(string(s), parsedValue, err)
}

func (s StringSource) String() (string, error) {
	return string(s), nil
}

func (s StringSource) Get(key string) (Source, error) {
	return EmptySource{}.Get(key)
}

func (s StringSource) KeyValues() (iter.Seq2[Source, Source], error) {
	return EmptySource{}.KeyValues()
}

func (s StringSource) Iter() (iter.Seq[Source], error) {
	return EmptySource{}.Iter()
}

func (s StringSource) Kind() ValueKind {
	return KindString
}

func (s StringSource) ClassName() string {
	return ""
}

func (s StringSource) ClassNames() []string {
	return nil
}

func handleSyntaxErr[T any](inputValue string, value T, err error) (T, error) {
	var zeroValue T
	if errors.Is(err, strconv.ErrSyntax) {
		err := fmt.Errorf("parse number %q: %w", inputValue, err)
		return zeroValue, errors.Join(err, ErrNotSupported)
	}

	if err != nil {
		return zeroValue, err
	}

	return value, nil
}
