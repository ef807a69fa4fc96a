package unarchive

import (
	"fmt"
	"iter"
)

// EmptySource is a Source without any value. Every method fails with an error
// wrapping ErrNotSupported that names the requested conversion. Embed it in a
// custom Source and override the conversions the source supports.
type EmptySource struct{}

var _ Source = EmptySource{}

func notSupported(conversion string) error {
	return fmt.Errorf("%s: %w", conversion, ErrNotSupported)
}

func (EmptySource) Bool() (bool, error) {
	return false, notSupported("bool value")
}

func (EmptySource) Int() (int64, error) {
	return 0, notSupported("int value")
}

func (EmptySource) Uint() (uint64, error) {
	return 0, notSupported("uint value")
}

func (EmptySource) Float() (float64, error) {
	return 0, notSupported("float value")
}

func (EmptySource) String() (string, error) {
	return "", notSupported("string value")
}

func (EmptySource) Get(key string) (Source, error) {
	return nil, notSupported(fmt.Sprintf("get key %q", key))
}

func (EmptySource) KeyValues() (iter.Seq2[Source, Source], error) {
	return nil, notSupported("key values")
}

func (EmptySource) Iter() (iter.Seq[Source], error) {
	return nil, notSupported("iterate")
}
